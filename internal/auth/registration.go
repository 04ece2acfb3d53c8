// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

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

// RegistrationConfig controls account creation and removal.
type RegistrationConfig struct {
	// MaxAccountsPerIP caps registrations per address. Zero disables
	// the cap.
	MaxAccountsPerIP int

	// ConfirmWindow is how long an unregistration confirmation stays
	// valid.
	ConfirmWindow time.Duration
}

// SessionPurger removes every stored session a player has.
type SessionPurger interface {
	TerminateAllForPlayer(ctx context.Context, playerName string) (int, error)
}

// RegistrationService creates and removes player accounts.
type RegistrationService struct {
	accounts account.Store
	hasher   account.PasswordHasher
	policy   account.PasswordPolicy
	auth     *Service
	sessions SessionPurger
	registry *player.Registry
	bus      events.Publisher
	cfg      RegistrationConfig
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // unregistration confirmations by player key
}

// NewRegistrationService creates a registration service.
func NewRegistrationService(
	accounts account.Store,
	hasher account.PasswordHasher,
	policy account.PasswordPolicy,
	authSvc *Service,
	sessions SessionPurger,
	registry *player.Registry,
	bus events.Publisher,
	cfg RegistrationConfig,
	logger *slog.Logger,
) (*RegistrationService, error) {
	switch {
	case accounts == nil:
		return nil, oops.Errorf("account store is required")
	case hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case policy == nil:
		return nil, oops.Errorf("password policy is required")
	case authSvc == nil:
		return nil, oops.Errorf("auth service is required")
	case registry == nil:
		return nil, oops.Errorf("registry is required")
	case bus == nil:
		return nil, oops.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = time.Minute
	}
	return &RegistrationService{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		auth:     authSvc,
		sessions: sessions,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}, nil
}

// HandleRegistrationRequest creates an account for a connected player.
// On success the caller completes the registration step of the flow.
func (r *RegistrationService) HandleRegistrationRequest(ctx context.Context, conn player.Conn, password, confirm string) error {
	key := player.Key(conn.Name())

	if r.auth.IsAuthenticated(key) {
		return oops.Code("AUTH_ALREADY_AUTHENTICATED").
			With("player", key).
			Errorf("already authenticated")
	}
	if err := account.ValidateName(conn.Name()); err != nil {
		return err
	}

	exists, err := r.accounts.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return oops.Code("AUTH_ALREADY_REGISTERED").
			With("player", key).
			Errorf("account already exists")
	}

	if r.cfg.MaxAccountsPerIP > 0 {
		count, err := r.accounts.CountByIP(ctx, conn.IP())
		if err != nil {
			return err
		}
		if count >= r.cfg.MaxAccountsPerIP {
			return oops.Code("AUTH_REGISTRATION_RATE_LIMITED").
				With("ip", conn.IP()).
				With("max", r.cfg.MaxAccountsPerIP).
				Errorf("too many accounts registered from this address")
		}
	}

	if password != confirm {
		return oops.Code("AUTH_PASSWORD_MISMATCH").
			With("player", key).
			Errorf("passwords do not match")
	}
	if err := r.policy.Validate(password); err != nil {
		return err
	}

	hash, err := r.hasher.Hash(password)
	if err != nil {
		return err
	}

	if err := r.accounts.Create(ctx, &account.Account{
		Name:         key,
		PasswordHash: hash,
		IP:           conn.IP(),
		RegisteredAt: time.Now(),
	}); err != nil {
		// A racing registration surfaces here as AUTH_ALREADY_REGISTERED.
		return err
	}

	registrationsTotal.Inc()
	r.logger.Info("account registered", "player", key, "ip", conn.IP())
	r.bus.Publish(&events.Registered{Conn: conn, PlayerName: key})
	return nil
}

// InitiateUnregistration opens the confirmation window for an
// authenticated player to delete their own account.
func (r *RegistrationService) InitiateUnregistration(conn player.Conn) error {
	key := player.Key(conn.Name())
	if !r.auth.IsAuthenticated(key) {
		return oops.Code("AUTH_NOT_AUTHENTICATED").
			With("player", key).
			Errorf("not logged in")
	}

	r.mu.Lock()
	r.pending[key] = time.Now().Add(r.cfg.ConfirmWindow)
	r.mu.Unlock()

	r.logger.Debug("unregistration initiated", "player", key)
	return nil
}

// ConfirmUnregistration deletes the account after the player re-enters
// their password inside the confirmation window.
func (r *RegistrationService) ConfirmUnregistration(ctx context.Context, conn player.Conn, password string) error {
	key := player.Key(conn.Name())

	r.mu.Lock()
	deadline, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	if !ok || time.Now().After(deadline) {
		return oops.Code("AUTH_CONFIRMATION_EXPIRED").
			With("player", key).
			Errorf("confirmation expired, start over")
	}

	valid, err := r.auth.CheckPlayerPassword(ctx, key, password)
	if err != nil {
		return err
	}
	if !valid {
		return oops.Code("AUTH_INCORRECT_PASSWORD").
			With("player", key).
			Errorf("incorrect password")
	}

	return r.remove(ctx, key, false)
}

// UnregisterByAdmin deletes an account on behalf of an admin. A
// connected target is logged out first.
func (r *RegistrationService) UnregisterByAdmin(ctx context.Context, name string) error {
	key := player.Key(name)
	exists, err := r.accounts.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return oops.Code("AUTH_NOT_REGISTERED").
			With("player", key).
			Errorf("account is not registered")
	}
	return r.remove(ctx, key, true)
}

func (r *RegistrationService) remove(ctx context.Context, key string, byAdmin bool) error {
	if conn := r.registry.Find(key); conn != nil && r.auth.IsAuthenticated(key) {
		r.auth.ForceLogout(conn, "Your account has been removed.")
	}

	if r.sessions != nil {
		if _, err := r.sessions.TerminateAllForPlayer(ctx, key); err != nil {
			errutil.LogError(r.logger, "failed to purge sessions on unregister", err)
		}
	}

	if err := r.accounts.Delete(ctx, key); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return oops.Code("AUTH_NOT_REGISTERED").
				With("player", key).
				Wrap(err)
		}
		return err
	}

	unregistrationsTotal.Inc()
	r.logger.Info("account removed", "player", key, "by_admin", byAdmin)
	r.bus.Publish(&events.Unregistered{PlayerName: key, ByAdmin: byAdmin})
	return nil
}
