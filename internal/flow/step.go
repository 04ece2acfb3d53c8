// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"context"

	"github.com/authgate/authgate/internal/player"
)

// Step is one stage of the authentication flow. Start either resolves
// the step immediately by calling back into the manager, or hands off
// to the player and resolves later through an out-of-band
// CompleteStep/SkipStep call.
type Step interface {
	ID() string
	Start(ctx context.Context, conn player.Conn, fctx *Context)
}

// Finalizable steps get a callback after the whole flow finalized, in
// registration order.
type Finalizable interface {
	OnFlowComplete(ctx context.Context, conn player.Conn, fctx *Context)
}

// Authenticator is the slice of the authentication service the flow
// needs.
type Authenticator interface {
	IsAuthenticated(name string) bool
	ScheduleLoginTimeout(conn player.Conn)
	FinalizeAuthentication(ctx context.Context, conn player.Conn, loginType player.LoginType)
}

// AccountChecker answers whether an account exists.
type AccountChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}
