// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// ThrottlerConfig controls brute-force protection.
type ThrottlerConfig struct {
	Enabled       bool
	MaxAttempts   int
	BlockDuration time.Duration
}

// Throttler counts failed login attempts per account and escalates to
// a durable block once the threshold is hit. The in-process counter
// survives reconnects but not restarts; the block itself is persisted
// on the account.
type Throttler struct {
	accounts account.Store
	bus      events.Publisher
	cfg      ThrottlerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewThrottler creates a login throttler.
func NewThrottler(accounts account.Store, bus events.Publisher, cfg ThrottlerConfig, logger *slog.Logger) (*Throttler, error) {
	if accounts == nil {
		return nil, oops.Errorf("account store is required")
	}
	if bus == nil {
		return nil, oops.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		accounts: accounts,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string]int),
	}, nil
}

// CheckStatus returns an AUTH_BLOCKED error when the account may not
// attempt a login right now. The durable block on the account wins
// over the in-process counter.
func (t *Throttler) CheckStatus(ctx context.Context, name string) error {
	if !t.cfg.Enabled {
		return nil
	}
	key := player.Key(name)

	acct, err := t.accounts.Find(ctx, key)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return oops.Code("STORAGE_ERROR").
			With("operation", "check block status").
			With("player", key).
			Wrap(err)
	}
	if acct != nil {
		now := time.Now()
		if acct.IsBlocked(now) {
			remaining := acct.BlockedUntil.Sub(now)
			minutes := int(math.Ceil(remaining.Minutes()))
			return blockedError(key, minutes)
		}
		if !acct.BlockedUntil.IsZero() {
			// Block expired; clear the column so future checks are cheap.
			if err := t.accounts.SetBlockedUntil(ctx, key, time.Time{}); err != nil {
				errutil.LogError(t.logger, "failed to clear expired block", err)
			}
		}
	}

	t.mu.Lock()
	count := t.attempts[key]
	t.mu.Unlock()
	if t.cfg.MaxAttempts > 0 && count >= t.cfg.MaxAttempts {
		return blockedError(key, int(math.Ceil(t.cfg.BlockDuration.Minutes())))
	}
	return nil
}

// LogFailure records a failed login attempt. When the attempt count
// reaches the threshold, the block is persisted on the account and the
// counter cleared. Listeners can cancel the failure event to skip the
// lockout escalation; the attempt itself still counts.
func (t *Throttler) LogFailure(ctx context.Context, conn player.Conn) {
	if !t.cfg.Enabled {
		return
	}
	key := player.Key(conn.Name())

	t.mu.Lock()
	count := t.attempts[key] + 1
	t.attempts[key] = count
	t.mu.Unlock()

	ev := &events.AuthenticationFailed{Conn: conn, Attempts: count}
	t.bus.Publish(ev)
	if ev.Cancelled() {
		t.logger.Debug("lockout escalation skipped, event cancelled",
			"player", key, "attempts", count)
		return
	}

	if t.cfg.MaxAttempts > 0 && count >= t.cfg.MaxAttempts {
		until := time.Now().Add(t.cfg.BlockDuration)
		if err := t.accounts.SetBlockedUntil(ctx, key, until); err != nil {
			// The block failed to persist. The counter keeps the
			// threshold pre-check closed in the meantime; flag it
			// loudly.
			errutil.LogError(t.logger, "SECURITY: failed to persist login block", err)
			return
		}
		t.mu.Lock()
		delete(t.attempts, key)
		t.mu.Unlock()

		lockoutsTotal.Inc()
		t.logger.Warn("account blocked after repeated login failures",
			"player", key,
			"attempts", count,
			"blocked_until", until)
	}
}

// Reset clears the in-process attempt counter. A durable block on the
// account is never lifted here; it expires on its own or is removed by
// an admin unlock.
func (t *Throttler) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, player.Key(name))
}

// Attempts returns the current in-process failure count for a player.
func (t *Throttler) Attempts(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[player.Key(name)]
}

func blockedError(key string, minutes int) error {
	return oops.Code("AUTH_BLOCKED").
		With("player", key).
		With("minutes", minutes).
		Errorf("too many failed login attempts, try again in %d minutes", minutes)
}
