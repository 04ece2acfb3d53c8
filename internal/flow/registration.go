// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"context"
	"log/slog"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// RegistrationStepID identifies the account creation step.
const RegistrationStepID = "registration"

// RegistrationStep prompts an unregistered player to create an
// account. Completion is driven by the gateway once a valid password
// pair is submitted.
type RegistrationStep struct {
	mgr      *Manager
	accounts AccountChecker
	auth     Authenticator
	prompter player.Prompter
	logger   *slog.Logger
}

// NewRegistrationStep creates the step.
func NewRegistrationStep(
	mgr *Manager,
	accounts AccountChecker,
	auth Authenticator,
	prompter player.Prompter,
	logger *slog.Logger,
) *RegistrationStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationStep{
		mgr:      mgr,
		accounts: accounts,
		auth:     auth,
		prompter: prompter,
		logger:   logger,
	}
}

// ID identifies the step.
func (s *RegistrationStep) ID() string { return RegistrationStepID }

// Start prompts for registration when no account exists yet.
func (s *RegistrationStep) Start(ctx context.Context, conn player.Conn, _ *Context) {
	key := player.Key(conn.Name())

	if s.auth.IsAuthenticated(key) {
		s.mgr.SkipStep(ctx, conn, RegistrationStepID)
		return
	}

	exists, err := s.accounts.Exists(ctx, key)
	if err != nil {
		errutil.LogError(s.logger, "failed to check account for registration prompt", err)
		s.mgr.SkipStep(ctx, conn, RegistrationStepID)
		return
	}
	if !conn.Connected() {
		return
	}

	if exists {
		s.mgr.SkipStep(ctx, conn, RegistrationStepID)
		return
	}

	s.prompter.PromptRegister(conn)
}

// OnFlowComplete welcomes a freshly registered player.
func (s *RegistrationStep) OnFlowComplete(_ context.Context, conn player.Conn, fctx *Context) {
	if st, ok := fctx.Status(RegistrationStepID); ok && st == StatusCompleted {
		conn.Send("Your account has been created.")
	}
}

var (
	_ Step        = (*RegistrationStep)(nil)
	_ Finalizable = (*RegistrationStep)(nil)
)
