// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package postgres implements session.Store using PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/internal/session"
)

// poolIface is the subset of pgxpool.Pool used by the store. It allows
// substituting pgxmock in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	pool poolIface
}

// NewStore creates a new session store.
func NewStore(pool poolIface) *Store {
	return &Store{pool: pool}
}

// Create stores a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, player_name, ip_address, device_id,
			login_time, last_activity, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		sess.ID,
		player.Key(sess.PlayerName),
		sess.IPAddress,
		sess.DeviceID,
		sess.LoginTime,
		sess.LastActivity,
		sess.ExpirationTime,
	)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "create session").
			With("player", sess.PlayerName).
			Wrap(err)
	}
	return nil
}

// FindAllByPlayer returns all sessions for a player.
func (s *Store) FindAllByPlayer(ctx context.Context, playerName string) ([]*session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, player_name, ip_address, device_id,
		       login_time, last_activity, expires_at
		FROM sessions
		WHERE player_name = $1
		ORDER BY login_time
	`, player.Key(playerName))
	if err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "find sessions").
			With("player", playerName).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(
			&sess.ID,
			&sess.PlayerName,
			&sess.IPAddress,
			&sess.DeviceID,
			&sess.LoginTime,
			&sess.LastActivity,
			&sess.ExpirationTime,
		); err != nil {
			return nil, oops.Code("STORAGE_ERROR").
				With("operation", "scan session").
				Wrap(err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORAGE_ERROR").
			With("operation", "iterate sessions").
			Wrap(err)
	}
	return sessions, nil
}

// Delete removes a session by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "delete session").
			With("session_id", id).
			Wrap(err)
	}
	return nil
}

// DeleteAllForPlayer removes every session for a player.
func (s *Store) DeleteAllForPlayer(ctx context.Context, playerName string) (int, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE player_name = $1
	`, player.Key(playerName))
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "delete player sessions").
			With("player", playerName).
			Wrap(err)
	}
	return int(result.RowsAffected()), nil
}

// Touch updates the last-activity timestamp.
func (s *Store) Touch(ctx context.Context, id string, lastActivity time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_activity = $2 WHERE id = $1
	`, id, lastActivity)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "touch session").
			With("session_id", id).
			Wrap(err)
	}
	return nil
}

// Refresh extends the expiration and updates last activity.
func (s *Store) Refresh(ctx context.Context, id string, expiration, lastActivity time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET expires_at = $2, last_activity = $3 WHERE id = $1
	`, id, expiration, lastActivity)
	if err != nil {
		return oops.Code("STORAGE_ERROR").
			With("operation", "refresh session").
			With("session_id", id).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all sessions expired at now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, oops.Code("STORAGE_ERROR").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return int(result.RowsAffected()), nil
}

// Compile-time interface check.
var _ session.Store = (*Store)(nil)
