// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package postgres implements account.Store using PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/player"
)

// poolIface is the subset of pgxpool.Pool used by the store. It allows
// substituting pgxmock in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements account.Store using PostgreSQL.
type Store struct {
	pool poolIface
}

// NewStore creates a new account store.
func NewStore(pool poolIface) *Store {
	return &Store{pool: pool}
}

// Find retrieves an account by player name.
func (s *Store) Find(ctx context.Context, name string) (*account.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, password_hash, ip, registered_at, last_login_at,
		       locked, blocked_until, must_change_password
		FROM accounts
		WHERE name = $1
	`, player.Key(name))

	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("name", name).
			Wrap(account.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "find account").
			With("name", name).
			Wrap(err)
	}
	return acct, nil
}

// Exists reports whether an account exists for the name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM accounts WHERE name = $1)
	`, player.Key(name)).Scan(&exists)
	if err != nil {
		return false, oops.Code("STORAGE_ERROR").
			With("operation", "account exists").
			With("name", name).
			Wrap(err)
	}
	return exists, nil
}

// Create stores a new account. A unique violation on the name maps to
// AUTH_ALREADY_REGISTERED.
func (s *Store) Create(ctx context.Context, acct *account.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (
			name, password_hash, ip, registered_at, last_login_at,
			locked, blocked_until, must_change_password
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		player.Key(acct.Name),
		acct.PasswordHash,
		acct.IP,
		acct.RegisteredAt,
		nullableTime(acct.LastLoginAt),
		acct.Locked,
		nullableTime(acct.BlockedUntil),
		acct.MustChangePassword,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("AUTH_ALREADY_REGISTERED").
				With("name", acct.Name).
				Wrap(err)
		}
		return oops.Code("STORAGE_ERROR").
			With("operation", "create account").
			With("name", acct.Name).
			Wrap(err)
	}
	return nil
}

// UpdatePassword replaces only the password hash.
func (s *Store) UpdatePassword(ctx context.Context, name, passwordHash string) error {
	return s.exec(ctx, "update password", name, `
		UPDATE accounts SET password_hash = $2 WHERE name = $1
	`, player.Key(name), passwordHash)
}

// UpdateIP records the address of the most recent login.
func (s *Store) UpdateIP(ctx context.Context, name, ip string) error {
	return s.exec(ctx, "update ip", name, `
		UPDATE accounts SET ip = $2, last_login_at = $3 WHERE name = $1
	`, player.Key(name), ip, time.Now())
}

// Delete removes an account.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.exec(ctx, "delete account", name, `
		DELETE FROM accounts WHERE name = $1
	`, player.Key(name))
}

// SetLocked sets or clears the administrative lock.
func (s *Store) SetLocked(ctx context.Context, name string, locked bool) error {
	return s.exec(ctx, "set locked", name, `
		UPDATE accounts SET locked = $2 WHERE name = $1
	`, player.Key(name), locked)
}

// SetBlockedUntil persists the brute-force block expiry.
func (s *Store) SetBlockedUntil(ctx context.Context, name string, until time.Time) error {
	return s.exec(ctx, "set blocked until", name, `
		UPDATE accounts SET blocked_until = $2 WHERE name = $1
	`, player.Key(name), nullableTime(until))
}

// SetMustChangePassword sets or clears the forced-change marker.
func (s *Store) SetMustChangePassword(ctx context.Context, name string, must bool) error {
	return s.exec(ctx, "set must change password", name, `
		UPDATE accounts SET must_change_password = $2 WHERE name = $1
	`, player.Key(name), must)
}

// CountByIP returns how many accounts were registered from an address.
func (s *Store) CountByIP(ctx context.Context, ip string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM accounts WHERE ip = $1
	`, ip).Scan(&count)
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "count accounts by ip").
			With("ip", ip).
			Wrap(err)
	}
	return count, nil
}

// CountAll returns the total number of accounts.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count)
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "count accounts").
			Wrap(err)
	}
	return count, nil
}

// exec runs a statement that must affect exactly one account row.
func (s *Store) exec(ctx context.Context, operation, name, sql string, args ...any) error {
	result, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", operation).
			With("name", name).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("name", name).
			Wrap(account.ErrNotFound)
	}
	return nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*account.Account, error) {
	var (
		acct         account.Account
		lastLoginAt  *time.Time
		blockedUntil *time.Time
	)

	err := row.Scan(
		&acct.Name,
		&acct.PasswordHash,
		&acct.IP,
		&acct.RegisteredAt,
		&lastLoginAt,
		&acct.Locked,
		&blockedUntil,
		&acct.MustChangePassword,
	)
	if err != nil {
		// Returned uncoded so callers attach their own error code and
		// pgx.ErrNoRows stays matchable.
		return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
	}

	if lastLoginAt != nil {
		acct.LastLoginAt = *lastLoginAt
	}
	if blockedUntil != nil {
		acct.BlockedUntil = *blockedUntil
	}
	return &acct, nil
}

// nullableTime maps a zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ account.Store = (*Store)(nil)
