// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package auth implements the authentication service, login throttler
// and registration service.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// Config controls authentication behavior.
type Config struct {
	// AutoLoginEnabled gates remember-me session creation on login.
	AutoLoginEnabled bool

	// LoginTimeout disconnects players who linger unauthenticated.
	// Zero disables the guard.
	LoginTimeout time.Duration

	// PromptForcedChangeOnline makes an admin-forced password change
	// prompt a connected target immediately instead of on next login.
	PromptForcedChangeOnline bool
}

// SessionHandler creates or refreshes remember-me sessions after a
// successful authentication.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn player.Conn) error
}

// Service owns the authenticated state of connected players and the
// transitions in and out of it.
type Service struct {
	accounts   account.Store
	hasher     account.PasswordHasher
	throttler  *Throttler
	sessions   SessionHandler
	registry   *player.Registry
	bus        events.Publisher
	state      player.StateService
	visibility player.VisibilityService
	prompter   player.Prompter
	policy     account.PasswordPolicy
	cfg        Config
	logger     *slog.Logger

	mu            sync.Mutex
	authenticated map[string]struct{}
	forceChange   map[string]struct{}
	guards        map[string]*time.Timer
}

// ServiceDeps bundles the collaborators of the authentication service.
type ServiceDeps struct {
	Accounts   account.Store
	Hasher     account.PasswordHasher
	Throttler  *Throttler
	Sessions   SessionHandler
	Registry   *player.Registry
	Bus        events.Publisher
	State      player.StateService
	Visibility player.VisibilityService
	Prompter   player.Prompter
	Policy     account.PasswordPolicy
	Logger     *slog.Logger
}

// NewService creates the authentication service.
func NewService(deps ServiceDeps, cfg Config) (*Service, error) {
	switch {
	case deps.Accounts == nil:
		return nil, oops.Errorf("account store is required")
	case deps.Hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case deps.Throttler == nil:
		return nil, oops.Errorf("throttler is required")
	case deps.Registry == nil:
		return nil, oops.Errorf("registry is required")
	case deps.Bus == nil:
		return nil, oops.Errorf("event bus is required")
	case deps.State == nil:
		return nil, oops.Errorf("state service is required")
	case deps.Visibility == nil:
		return nil, oops.Errorf("visibility service is required")
	case deps.Prompter == nil:
		return nil, oops.Errorf("prompter is required")
	case deps.Policy == nil:
		return nil, oops.Errorf("password policy is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts:      deps.Accounts,
		hasher:        deps.Hasher,
		throttler:     deps.Throttler,
		sessions:      deps.Sessions,
		registry:      deps.Registry,
		bus:           deps.Bus,
		state:         deps.State,
		visibility:    deps.Visibility,
		prompter:      deps.Prompter,
		policy:        deps.Policy,
		cfg:           cfg,
		logger:        logger,
		authenticated: make(map[string]struct{}),
		forceChange:   make(map[string]struct{}),
		guards:        make(map[string]*time.Timer),
	}, nil
}

// IsAuthenticated reports whether a player is currently authenticated.
func (s *Service) IsAuthenticated(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authenticated[player.Key(name)]
	return ok
}

// NeedsForcedChange reports whether a player must change their
// password before proceeding.
func (s *Service) NeedsForcedChange(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.forceChange[player.Key(name)]
	return ok
}

// HandleLoginRequest verifies a password login attempt. On success the
// caller completes the password step of the player's flow; the actual
// state transition happens in FinalizeAuthentication.
func (s *Service) HandleLoginRequest(ctx context.Context, conn player.Conn, password string) error {
	key := player.Key(conn.Name())

	if s.IsAuthenticated(key) {
		return oops.Code("AUTH_ALREADY_AUTHENTICATED").
			With("player", key).
			Errorf("already authenticated")
	}

	if err := s.throttler.CheckStatus(ctx, key); err != nil {
		loginsTotal.WithLabelValues(resultBlocked).Inc()
		return err
	}

	acct, err := s.accounts.Find(ctx, key)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			loginsTotal.WithLabelValues(resultNotRegistered).Inc()
			return oops.Code("AUTH_NOT_REGISTERED").
				With("player", key).
				Errorf("account is not registered")
		}
		return err
	}
	if acct.Locked {
		loginsTotal.WithLabelValues(resultLocked).Inc()
		return oops.Code("AUTH_ACCOUNT_LOCKED").
			With("player", key).
			Errorf("account is locked")
	}

	valid, err := s.hasher.Verify(password, acct.PasswordHash)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "verify password").
			With("player", key).
			Wrap(err)
	}
	if !valid {
		s.throttler.LogFailure(ctx, conn)
		loginsTotal.WithLabelValues(resultIncorrectPassword).Inc()
		return oops.Code("AUTH_INCORRECT_PASSWORD").
			With("player", key).
			Errorf("incorrect password")
	}

	// Stale hash gets one transparent upgrade. A failed upgrade never
	// fails the login.
	if s.hasher.NeedsRehash(acct.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			if updErr := s.accounts.UpdatePassword(ctx, key, newHash); updErr != nil {
				errutil.LogError(s.logger, "failed to persist upgraded hash", updErr)
			}
		}
	}

	s.throttler.Reset(key)
	loginsTotal.WithLabelValues(resultSuccess).Inc()
	return nil
}

// FinalizeAuthentication transitions a player to the authenticated
// state after their flow completed. Safe to call only once per flow.
func (s *Service) FinalizeAuthentication(ctx context.Context, conn player.Conn, loginType player.LoginType) {
	key := player.Key(conn.Name())
	s.CancelLoginTimeout(conn)

	if err := s.accounts.UpdateIP(ctx, key, conn.IP()); err != nil {
		errutil.LogError(s.logger, "failed to record login address", err)
	}
	if !conn.Connected() {
		return
	}

	s.mu.Lock()
	s.authenticated[key] = struct{}{}
	s.mu.Unlock()

	s.throttler.Reset(key)

	if s.cfg.AutoLoginEnabled && s.sessions != nil {
		if err := s.sessions.HandleSession(ctx, conn); err != nil {
			errutil.LogError(s.logger, "failed to handle remember-me session", err)
		}
		if !conn.Connected() {
			return
		}
	}

	s.state.Restore(conn)
	s.visibility.Update(conn)

	acct, err := s.accounts.Find(ctx, key)
	if err != nil {
		errutil.LogError(s.logger, "failed to load account after login", err)
	} else if acct.MustChangePassword && conn.Connected() {
		s.mu.Lock()
		s.forceChange[key] = struct{}{}
		s.mu.Unlock()
		s.prompter.PromptForceChange(conn)
	}

	s.logger.Info("player authenticated",
		"player", key,
		"login_type", string(loginType),
		"ip", conn.IP())
	s.bus.Publish(&events.Authenticated{Conn: conn, LoginType: loginType})
}

// ScheduleLoginTimeout arms the guard that disconnects a player who
// never finishes authenticating. Re-arming replaces the old guard.
func (s *Service) ScheduleLoginTimeout(conn player.Conn) {
	if s.cfg.LoginTimeout <= 0 {
		return
	}
	key := player.Key(conn.Name())

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.guards[key]; ok {
		old.Stop()
	}
	s.guards[key] = time.AfterFunc(s.cfg.LoginTimeout, func() {
		if conn.Connected() && !s.IsAuthenticated(key) {
			s.logger.Info("login timed out", "player", key)
			conn.Disconnect("You took too long to log in.")
		}
	})
}

// CancelLoginTimeout disarms a player's login guard.
func (s *Service) CancelLoginTimeout(conn player.Conn) {
	key := player.Key(conn.Name())
	s.mu.Lock()
	defer s.mu.Unlock()
	if guard, ok := s.guards[key]; ok {
		guard.Stop()
		delete(s.guards, key)
	}
}

// HandleChangePasswordRequest changes an authenticated player's
// password after verifying the old one.
func (s *Service) HandleChangePasswordRequest(ctx context.Context, conn player.Conn, oldPassword, newPassword, confirm string) error {
	key := player.Key(conn.Name())
	if !s.IsAuthenticated(key) {
		return oops.Code("AUTH_NOT_AUTHENTICATED").
			With("player", key).
			Errorf("not logged in")
	}

	acct, err := s.accounts.Find(ctx, key)
	if err != nil {
		return err
	}
	valid, err := s.hasher.Verify(oldPassword, acct.PasswordHash)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "verify password").
			With("player", key).
			Wrap(err)
	}
	if !valid {
		return oops.Code("AUTH_INCORRECT_PASSWORD").
			With("player", key).
			Errorf("current password is incorrect")
	}

	return s.applyPasswordChange(ctx, key, newPassword, confirm, false)
}

// HandleForceChangePasswordRequest completes a forced password change.
// The old password is not required; the player already proved identity
// at login.
func (s *Service) HandleForceChangePasswordRequest(ctx context.Context, conn player.Conn, newPassword, confirm string) error {
	key := player.Key(conn.Name())
	if !s.NeedsForcedChange(key) {
		return oops.Code("AUTH_NOT_REQUIRED").
			With("player", key).
			Errorf("no password change is pending")
	}

	if err := s.applyPasswordChange(ctx, key, newPassword, confirm, true); err != nil {
		return err
	}

	if err := s.accounts.SetMustChangePassword(ctx, key, false); err != nil {
		errutil.LogError(s.logger, "failed to clear forced-change flag", err)
	}
	s.mu.Lock()
	delete(s.forceChange, key)
	s.mu.Unlock()
	return nil
}

func (s *Service) applyPasswordChange(ctx context.Context, key, newPassword, confirm string, forced bool) error {
	if newPassword != confirm {
		return oops.Code("AUTH_PASSWORD_MISMATCH").
			With("player", key).
			Errorf("passwords do not match")
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, key, hash); err != nil {
		return err
	}

	passwordChangesTotal.Inc()
	s.logger.Info("password changed", "player", key, "forced", forced)
	s.bus.Publish(&events.PasswordChanged{PlayerName: key, Forced: forced})
	return nil
}

// HandleLogout handles an explicit logout command. The player stays
// connected and is returned to the login prompt, with the login
// timeout guard re-armed.
func (s *Service) HandleLogout(conn player.Conn) {
	key := player.Key(conn.Name())
	s.CancelLoginTimeout(conn)

	s.mu.Lock()
	_, wasAuthenticated := s.authenticated[key]
	delete(s.authenticated, key)
	delete(s.forceChange, key)
	s.mu.Unlock()

	if !wasAuthenticated {
		s.logger.Debug("logout for unauthenticated player", "player", key)
		return
	}

	s.state.Protect(conn)
	s.ScheduleLoginTimeout(conn)
	s.prompter.PromptLogin(conn)
	s.logger.Info("player logged out", "player", key)
	s.bus.Publish(&events.Deauthenticated{Conn: conn, Explicit: true})
}

// HandleQuit cleans up when a connection goes away.
func (s *Service) HandleQuit(conn player.Conn) {
	key := player.Key(conn.Name())
	s.CancelLoginTimeout(conn)

	s.mu.Lock()
	_, wasAuthenticated := s.authenticated[key]
	delete(s.authenticated, key)
	delete(s.forceChange, key)
	s.mu.Unlock()

	if wasAuthenticated {
		s.bus.Publish(&events.Deauthenticated{Conn: conn, Explicit: false})
	}
}

// ForceLogout removes a player's authenticated state and disconnects
// them. Used when their session is terminated out from under them.
func (s *Service) ForceLogout(conn player.Conn, reason string) {
	key := player.Key(conn.Name())

	s.mu.Lock()
	delete(s.authenticated, key)
	delete(s.forceChange, key)
	s.mu.Unlock()

	s.logger.Info("player forcibly logged out", "player", key, "reason", reason)
	s.bus.Publish(&events.Deauthenticated{Conn: conn, Explicit: false})
	conn.Disconnect(reason)
}

// LockAccount places an administrative lock on an account.
func (s *Service) LockAccount(ctx context.Context, name string) error {
	key := player.Key(name)
	if err := s.accounts.SetLocked(ctx, key, true); err != nil {
		return notRegisteredOr(err, key)
	}
	s.logger.Info("account locked", "player", key)
	return nil
}

// UnlockAccount removes the administrative lock and lifts any durable
// brute-force block.
func (s *Service) UnlockAccount(ctx context.Context, name string) error {
	key := player.Key(name)
	if err := s.accounts.SetLocked(ctx, key, false); err != nil {
		return notRegisteredOr(err, key)
	}
	if err := s.accounts.SetBlockedUntil(ctx, key, time.Time{}); err != nil {
		errutil.LogError(s.logger, "failed to lift block on unlock", err)
	}
	s.throttler.Reset(key)
	s.logger.Info("account unlocked", "player", key)
	return nil
}

// ForcePasswordChangeByAdmin marks an account as requiring a password
// change. A connected, authenticated target is prompted immediately
// when configured.
func (s *Service) ForcePasswordChangeByAdmin(ctx context.Context, name string) error {
	key := player.Key(name)
	if err := s.accounts.SetMustChangePassword(ctx, key, true); err != nil {
		return notRegisteredOr(err, key)
	}

	if s.cfg.PromptForcedChangeOnline {
		if conn := s.registry.Find(key); conn != nil && s.IsAuthenticated(key) {
			s.mu.Lock()
			s.forceChange[key] = struct{}{}
			s.mu.Unlock()
			s.prompter.PromptForceChange(conn)
		}
	}
	s.logger.Info("password change forced", "player", key)
	return nil
}

// SetPlayerPassword replaces a player's password on behalf of an admin.
func (s *Service) SetPlayerPassword(ctx context.Context, name, password string) error {
	key := player.Key(name)
	if err := s.policy.Validate(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, key, hash); err != nil {
		return notRegisteredOr(err, key)
	}
	passwordChangesTotal.Inc()
	s.logger.Info("password set by admin", "player", key)
	s.bus.Publish(&events.PasswordChanged{PlayerName: key, Forced: true})
	return nil
}

// CheckPlayerPassword verifies a password against a stored account
// without side effects on throttling or state.
func (s *Service) CheckPlayerPassword(ctx context.Context, name, password string) (bool, error) {
	key := player.Key(name)
	acct, err := s.accounts.Find(ctx, key)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return false, oops.Code("AUTH_NOT_REGISTERED").
				With("player", key).
				Errorf("account is not registered")
		}
		return false, err
	}
	valid, err := s.hasher.Verify(password, acct.PasswordHash)
	if err != nil {
		return false, oops.Code("STORAGE_ERROR").
			With("operation", "verify password").
			With("player", key).
			Wrap(err)
	}
	return valid, nil
}

func notRegisteredOr(err error, key string) error {
	if errors.Is(err, account.ErrNotFound) {
		return oops.Code("AUTH_NOT_REGISTERED").
			With("player", key).
			Wrap(err)
	}
	return err
}
