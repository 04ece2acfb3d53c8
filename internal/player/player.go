// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package player defines the connection-facing vocabulary of the
// authentication core: the opaque connection actor, the registry of
// live connections, and the collaborator contracts the core consumes.
package player

import "strings"

// LoginType describes how a player ended up authenticated.
type LoginType string

// Login types carried by the flow context and lifecycle events.
const (
	LoginManual       LoginType = "manual"
	LoginAuto         LoginType = "auto"
	LoginRegistration LoginType = "registration"
	LoginUnknown      LoginType = "unknown"
)

// Conn is a single player connection. The transport behind it is
// opaque to the core; implementations must be safe for use from the
// goroutines that run authentication steps.
type Conn interface {
	// Name returns the transient display name supplied at connect time.
	Name() string

	// IP returns the remote address without port.
	IP() string

	// DeviceID returns the client-supplied device fingerprint, or ""
	// if the client never sent one.
	DeviceID() string

	// Send delivers a text notice to the player. Best effort.
	Send(msg string)

	// Disconnect closes the connection with a reason shown to the player.
	Disconnect(reason string)

	// Connected reports whether the connection is still live. Every
	// continuation resumed after a storage call must check this before
	// touching connection-bound state.
	Connected() bool
}

// Key canonicalizes a player name for use as a map or storage key.
func Key(name string) string {
	return strings.ToLower(name)
}
