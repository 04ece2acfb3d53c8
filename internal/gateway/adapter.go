// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package gateway

import (
	"log/slog"

	"github.com/authgate/authgate/internal/player"
)

// Adapter implements the collaborator interfaces the auth and flow
// services call back into. For a text gateway, protecting state means
// restricting the connection to authentication commands.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter creates the gateway-side collaborator set.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

// Protect restricts the connection to authentication commands.
func (a *Adapter) Protect(conn player.Conn) {
	if c, ok := conn.(*connection); ok {
		c.setRestricted(true)
	}
}

// Restore lifts the restriction after authentication.
func (a *Adapter) Restore(conn player.Conn) {
	if c, ok := conn.(*connection); ok {
		c.setRestricted(false)
	}
}

// Update recomputes what the player may see. A text gateway has no
// visibility state beyond the restriction flag, so this only logs.
func (a *Adapter) Update(conn player.Conn) {
	a.logger.Debug("visibility updated", "player", player.Key(conn.Name()))
}

// PromptLogin asks for credentials.
func (a *Adapter) PromptLogin(conn player.Conn) {
	conn.Send("This account is registered. Log in with: login <password>")
}

// PromptRegister asks a new player to create an account.
func (a *Adapter) PromptRegister(conn player.Conn) {
	conn.Send("Welcome! Create an account with: register <password> <password>")
}

// PromptForceChange tells the player a password change is required.
func (a *Adapter) PromptForceChange(conn player.Conn) {
	conn.Send("You must change your password now: changepw <new> <new>")
}

var (
	_ player.StateService      = (*Adapter)(nil)
	_ player.VisibilityService = (*Adapter)(nil)
	_ player.Prompter          = (*Adapter)(nil)
)
