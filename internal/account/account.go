// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package account holds the persistent player account model and its
// storage contract.
package account

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Name validation constraints.
const (
	MinNameLength = 3
	MaxNameLength = 16
)

// nameRegex matches player names that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var nameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Account represents a registered player account. Name is stored
// case-folded; BlockedUntil and LastLoginAt are zero when unset.
type Account struct {
	Name               string
	PasswordHash       string
	IP                 string
	RegisteredAt       time.Time
	LastLoginAt        time.Time
	Locked             bool
	BlockedUntil       time.Time
	MustChangePassword bool
}

// IsBlocked reports whether a brute-force block is active at now.
func (a *Account) IsBlocked(now time.Time) bool {
	return !a.BlockedUntil.IsZero() && a.BlockedUntil.After(now)
}

// ValidateName validates a player name against registration rules.
func ValidateName(name string) error {
	if name == "" {
		return oops.Code("AUTH_INVALID_NAME").Errorf("name cannot be empty")
	}
	if len(name) < MinNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("min", MinNameLength).
			Errorf("name must be at least %d characters", MinNameLength)
	}
	if len(name) > MaxNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("max", MaxNameLength).
			Errorf("name must be at most %d characters", MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return oops.Code("AUTH_INVALID_NAME").
			Errorf("name must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// Store manages account persistence. All name parameters are
// case-folded by the implementation.
type Store interface {
	// Find retrieves an account by player name.
	// Returns ErrNotFound if no account exists.
	Find(ctx context.Context, name string) (*Account, error)

	// Exists reports whether an account exists for the name.
	Exists(ctx context.Context, name string) (bool, error)

	// Create stores a new account.
	Create(ctx context.Context, acct *Account) error

	// UpdatePassword replaces only the password hash.
	UpdatePassword(ctx context.Context, name, passwordHash string) error

	// UpdateIP records the address of the most recent login and bumps
	// the last-login timestamp.
	UpdateIP(ctx context.Context, name, ip string) error

	// Delete removes an account.
	Delete(ctx context.Context, name string) error

	// SetLocked sets or clears the administrative lock.
	SetLocked(ctx context.Context, name string, locked bool) error

	// SetBlockedUntil persists the brute-force block expiry. A zero
	// time clears the block.
	SetBlockedUntil(ctx context.Context, name string, until time.Time) error

	// SetMustChangePassword sets or clears the forced-change marker.
	SetMustChangePassword(ctx context.Context, name string, must bool) error

	// CountByIP returns how many accounts were registered from an address.
	CountByIP(ctx context.Context, ip string) (int, error)

	// CountAll returns the total number of accounts.
	CountAll(ctx context.Context) (int, error)
}
