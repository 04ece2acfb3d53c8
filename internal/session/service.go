// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package session

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// Security levels controlling how strictly a stored session must match
// the connecting client.
const (
	SecurityIP       = 0 // match by IP address only
	SecurityIPDevice = 1 // match by IP address and device fingerprint
)

// Config controls session creation and matching.
type Config struct {
	Enabled        bool
	SecurityLevel  int
	MaxSessions    int
	Lifetime       time.Duration
	RefreshOnLogin bool
}

// Deauthenticator forces a live player out of the authenticated state.
// Implemented by the authentication service; injected via setter to
// break the construction cycle between the two services.
type Deauthenticator interface {
	IsAuthenticated(name string) bool
	ForceLogout(conn player.Conn, reason string)
}

// Service manages remember-me sessions for players.
type Service struct {
	store    Store
	registry *player.Registry
	cfg      Config
	logger   *slog.Logger
	deauth   Deauthenticator
}

// NewService creates a session service.
func NewService(store Store, registry *player.Registry, cfg Config, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, oops.Errorf("store is required")
	}
	if registry == nil {
		return nil, oops.Errorf("registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// SetDeauthenticator wires the authentication service in after both
// services are constructed. Must be called before session termination
// paths are exercised.
func (s *Service) SetDeauthenticator(d Deauthenticator) {
	s.deauth = d
}

// Enabled reports whether session handling is turned on.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// HandleSession creates or refreshes the remember-me session for a
// freshly authenticated connection. Connections without a device
// fingerprint never get a session.
func (s *Service) HandleSession(ctx context.Context, conn player.Conn) error {
	if !s.cfg.Enabled {
		return nil
	}
	if conn.DeviceID() == "" {
		s.logger.Debug("no device fingerprint, skipping session",
			"player", player.Key(conn.Name()))
		return nil
	}

	key := player.Key(conn.Name())
	now := time.Now()

	sessions, err := s.store.FindAllByPlayer(ctx, key)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "find sessions").
			With("player", key).
			Wrap(err)
	}

	match := s.bestMatch(sessions, conn)
	if match != nil && match.Expired(now) {
		if err := s.store.Delete(ctx, match.ID); err != nil {
			errutil.LogError(s.logger, "failed to delete expired session", err)
		}
		match = nil
	}

	if match != nil {
		if s.cfg.RefreshOnLogin {
			err = s.store.Refresh(ctx, match.ID, now.Add(s.cfg.Lifetime), now)
		} else {
			err = s.store.Touch(ctx, match.ID, now)
		}
		if err != nil {
			return oops.Code("STORAGE_ERROR").
				With("operation", "refresh session").
				With("player", key).
				Wrap(err)
		}
		return nil
	}

	id, err := NewSessionID()
	if err != nil {
		return err
	}
	sess := &Session{
		ID:             id,
		PlayerName:     key,
		IPAddress:      conn.IP(),
		DeviceID:       conn.DeviceID(),
		LoginTime:      now,
		LastActivity:   now,
		ExpirationTime: now.Add(s.cfg.Lifetime),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "create session").
			With("player", key).
			Wrap(err)
	}

	return s.enforceCap(ctx, key)
}

// FindMatching returns the most recent live session matching the
// connection, or nil. Expired sessions encountered along the way are
// deleted best-effort.
func (s *Service) FindMatching(ctx context.Context, conn player.Conn) (*Session, error) {
	key := player.Key(conn.Name())
	sessions, err := s.store.FindAllByPlayer(ctx, key)
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "find sessions").
			With("player", key).
			Wrap(err)
	}

	now := time.Now()
	live := sessions[:0]
	for _, sess := range sessions {
		if sess.Expired(now) {
			if err := s.store.Delete(ctx, sess.ID); err != nil {
				errutil.LogError(s.logger, "failed to delete expired session", err)
			}
			continue
		}
		live = append(live, sess)
	}

	return s.bestMatch(live, conn), nil
}

// bestMatch returns the matching session with the most recent login
// time. Deterministic: ties in login time resolve to the earlier
// session in store order.
func (s *Service) bestMatch(sessions []*Session, conn player.Conn) *Session {
	var match *Session
	for _, sess := range sessions {
		if !s.matches(sess, conn) {
			continue
		}
		if match == nil || sess.LoginTime.After(match.LoginTime) {
			match = sess
		}
	}
	return match
}

func (s *Service) matches(sess *Session, conn player.Conn) bool {
	if sess.IPAddress != conn.IP() {
		return false
	}
	if s.cfg.SecurityLevel >= SecurityIPDevice {
		return sess.DeviceID == conn.DeviceID()
	}
	return true
}

// enforceCap trims the player's sessions down to MaxSessions, deleting
// the oldest surplus ascending by login time.
func (s *Service) enforceCap(ctx context.Context, key string) error {
	if s.cfg.MaxSessions <= 0 {
		return nil
	}
	sessions, err := s.store.FindAllByPlayer(ctx, key)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "enforce session cap").
			With("player", key).
			Wrap(err)
	}
	surplus := len(sessions) - s.cfg.MaxSessions
	if surplus <= 0 {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LoginTime.Before(sessions[j].LoginTime)
	})
	for _, sess := range sessions[:surplus] {
		if err := s.store.Delete(ctx, sess.ID); err != nil {
			errutil.LogError(s.logger, "failed to delete surplus session", err)
		}
	}
	s.logger.Debug("session cap enforced",
		"player", key,
		"deleted", surplus,
		"max", s.cfg.MaxSessions)
	return nil
}

// SessionsForPlayer returns every stored session for a player, most
// recent login first.
func (s *Service) SessionsForPlayer(ctx context.Context, playerName string) ([]*Session, error) {
	key := player.Key(playerName)
	sessions, err := s.store.FindAllByPlayer(ctx, key)
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "list sessions").
			With("player", key).
			Wrap(err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LoginTime.After(sessions[j].LoginTime)
	})
	return sessions, nil
}

// TerminateSession deletes one session. If the player is connected and
// authenticated they are logged out immediately.
func (s *Service) TerminateSession(ctx context.Context, playerName, sessionID string) error {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "terminate session").
			With("session_id", sessionID).
			Wrap(err)
	}
	s.forceLogoutIfLive(playerName)
	return nil
}

// TerminateAllForPlayer deletes every session a player has and logs
// them out if they are connected.
func (s *Service) TerminateAllForPlayer(ctx context.Context, playerName string) (int, error) {
	key := player.Key(playerName)
	deleted, err := s.store.DeleteAllForPlayer(ctx, key)
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "terminate all sessions").
			With("player", key).
			Wrap(err)
	}
	s.forceLogoutIfLive(key)
	return deleted, nil
}

func (s *Service) forceLogoutIfLive(playerName string) {
	if s.deauth == nil {
		return
	}
	key := player.Key(playerName)
	conn := s.registry.Find(key)
	if conn == nil || !s.deauth.IsAuthenticated(key) {
		return
	}
	s.deauth.ForceLogout(conn, "Your session was terminated.")
}

// CleanupExpired deletes all expired sessions and returns how many
// were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "cleanup expired sessions").
			Wrap(err)
	}
	if deleted > 0 {
		s.logger.Info("expired sessions removed", "count", deleted)
	}
	return deleted, nil
}
