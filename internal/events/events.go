// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package events carries the authentication lifecycle notifications.
// Publication is synchronous: handlers run on the publisher's
// goroutine, and cancellable events are inspected by the publisher
// after Publish returns.
package events

import "github.com/authgate/authgate/internal/player"

// Event is implemented by every published event type.
type Event interface {
	Name() string
}

// Cancellable is implemented by events whose outcome listeners may veto.
type Cancellable interface {
	Event
	Cancel()
	Cancelled() bool
}

// Cancellation is embedded by cancellable events.
type Cancellation struct {
	cancelled bool
}

// Cancel marks the event as vetoed.
func (c *Cancellation) Cancel() { c.cancelled = true }

// Cancelled reports whether any handler vetoed the event.
func (c *Cancellation) Cancelled() bool { return c.cancelled }

// PreAuthenticate fires just before a completed flow is finalized.
// Cancelling it aborts authentication; KickMessage is shown to the
// player on the resulting disconnect.
type PreAuthenticate struct {
	Cancellation
	Conn        player.Conn
	LoginType   player.LoginType
	KickMessage string
}

// Name identifies the event.
func (*PreAuthenticate) Name() string { return "pre_authenticate" }

// Authenticated fires after a player transitions to authenticated.
// Not cancellable.
type Authenticated struct {
	Conn      player.Conn
	LoginType player.LoginType
}

// Name identifies the event.
func (*Authenticated) Name() string { return "authenticated" }

// Deauthenticated fires when a player leaves the authenticated state.
// Explicit is true for a logout command, false for a quit/disconnect.
type Deauthenticated struct {
	Conn     player.Conn
	Explicit bool
}

// Name identifies the event.
func (*Deauthenticated) Name() string { return "deauthenticated" }

// Registered fires after a new account is created.
type Registered struct {
	Conn       player.Conn
	PlayerName string
}

// Name identifies the event.
func (*Registered) Name() string { return "registered" }

// Unregistered fires after an account is deleted.
type Unregistered struct {
	PlayerName string
	ByAdmin    bool
}

// Name identifies the event.
func (*Unregistered) Name() string { return "unregistered" }

// PasswordChanged fires after a password change is persisted.
type PasswordChanged struct {
	PlayerName string
	Forced     bool
}

// Name identifies the event.
func (*PasswordChanged) Name() string { return "password_changed" }

// AuthenticationFailed fires on each failed login attempt, before the
// throttler decides about blocking. Cancelling it stops the attempt
// from counting toward the block threshold.
type AuthenticationFailed struct {
	Cancellation
	Conn     player.Conn
	Attempts int
}

// Name identifies the event.
func (*AuthenticationFailed) Name() string { return "authentication_failed" }
