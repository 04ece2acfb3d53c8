// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package session implements remember-me sessions for automatic login.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/samber/oops"
)

// Session is a remember-me record tying a player to a network address
// and device fingerprint.
type Session struct {
	ID             string
	PlayerName     string
	IPAddress      string
	DeviceID       string
	LoginTime      time.Time
	LastActivity   time.Time
	ExpirationTime time.Time
}

// Expired reports whether the session has passed its expiration at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpirationTime.After(now)
}

// NewSessionID generates a random 128-bit hex session identifier.
func NewSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("SESSION_ID_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// Store manages session persistence. Player names are case-folded by
// the implementation.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, s *Session) error

	// FindAllByPlayer returns all sessions for a player, expired ones
	// included.
	FindAllByPlayer(ctx context.Context, playerName string) ([]*Session, error)

	// Delete removes a session by id. Deleting an unknown id is not an
	// error.
	Delete(ctx context.Context, id string) error

	// DeleteAllForPlayer removes every session for a player and
	// returns how many were deleted.
	DeleteAllForPlayer(ctx context.Context, playerName string) (int, error)

	// Touch updates the last-activity timestamp.
	Touch(ctx context.Context, id string, lastActivity time.Time) error

	// Refresh extends the expiration and updates last activity.
	Refresh(ctx context.Context, id string, expiration, lastActivity time.Time) error

	// DeleteExpired removes all sessions expired at now and returns
	// how many were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
