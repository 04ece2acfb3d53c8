// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"context"
	"log/slog"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// PasswordLoginStepID identifies the credential prompt step.
const PasswordLoginStepID = "password_login"

// PasswordLoginStep prompts an existing account for its password. It
// does not block on input: the gateway completes the step once
// credentials verify.
type PasswordLoginStep struct {
	mgr      *Manager
	accounts AccountChecker
	auth     Authenticator
	state    player.StateService
	prompter player.Prompter
	logger   *slog.Logger
}

// NewPasswordLoginStep creates the step.
func NewPasswordLoginStep(
	mgr *Manager,
	accounts AccountChecker,
	auth Authenticator,
	state player.StateService,
	prompter player.Prompter,
	logger *slog.Logger,
) *PasswordLoginStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordLoginStep{
		mgr:      mgr,
		accounts: accounts,
		auth:     auth,
		state:    state,
		prompter: prompter,
		logger:   logger,
	}
}

// ID identifies the step.
func (s *PasswordLoginStep) ID() string { return PasswordLoginStepID }

// Start prompts registered players for their password and arms the
// login timeout guard. Unregistered players fall through to the
// registration step.
func (s *PasswordLoginStep) Start(ctx context.Context, conn player.Conn, _ *Context) {
	key := player.Key(conn.Name())

	if s.auth.IsAuthenticated(key) {
		s.mgr.SkipStep(ctx, conn, PasswordLoginStepID)
		return
	}

	exists, err := s.accounts.Exists(ctx, key)
	if err != nil {
		errutil.LogError(s.logger, "failed to check account for login prompt", err)
		s.mgr.SkipStep(ctx, conn, PasswordLoginStepID)
		return
	}
	if !conn.Connected() {
		return
	}

	if !exists {
		s.mgr.SkipStep(ctx, conn, PasswordLoginStepID)
		return
	}

	s.state.Protect(conn)
	s.auth.ScheduleLoginTimeout(conn)
	s.prompter.PromptLogin(conn)
}

// OnFlowComplete confirms a successful password login.
func (s *PasswordLoginStep) OnFlowComplete(_ context.Context, conn player.Conn, fctx *Context) {
	if st, ok := fctx.Status(PasswordLoginStepID); ok && st == StatusCompleted {
		conn.Send("Logged in successfully.")
	}
}

var (
	_ Step        = (*PasswordLoginStep)(nil)
	_ Finalizable = (*PasswordLoginStep)(nil)
)
