// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"context"
	"log/slog"

	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/internal/session"
	"github.com/authgate/authgate/pkg/errutil"
)

// AutoLoginStepID identifies the remember-me step in the flow order.
const AutoLoginStepID = "auto_login"

// SessionMatcher is the slice of the session service the auto-login
// step needs.
type SessionMatcher interface {
	Enabled() bool
	FindMatching(ctx context.Context, conn player.Conn) (*session.Session, error)
}

// AutoLoginStep logs a player in without a password when a stored
// session matches the connecting client.
type AutoLoginStep struct {
	mgr      *Manager
	sessions SessionMatcher
	logger   *slog.Logger
}

// NewAutoLoginStep creates the step.
func NewAutoLoginStep(mgr *Manager, sessions SessionMatcher, logger *slog.Logger) *AutoLoginStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoLoginStep{mgr: mgr, sessions: sessions, logger: logger}
}

// ID identifies the step.
func (s *AutoLoginStep) ID() string { return AutoLoginStepID }

// Start resolves immediately: complete on a session match, skip
// otherwise. Storage errors degrade to a skip so the player can still
// log in by password.
func (s *AutoLoginStep) Start(ctx context.Context, conn player.Conn, fctx *Context) {
	if !s.sessions.Enabled() {
		s.mgr.SkipStep(ctx, conn, AutoLoginStepID)
		return
	}

	match, err := s.sessions.FindMatching(ctx, conn)
	if err != nil {
		errutil.LogError(s.logger, "session lookup failed, skipping auto login", err)
		s.mgr.SkipStep(ctx, conn, AutoLoginStepID)
		return
	}
	if !conn.Connected() {
		return
	}

	if match == nil {
		s.mgr.SkipStep(ctx, conn, AutoLoginStepID)
		return
	}

	s.logger.Info("session matched, logging in automatically",
		"player", player.Key(conn.Name()), "session", match.ID)
	fctx.SetLoginType(player.LoginAuto)
	s.mgr.CompleteStep(ctx, conn, AutoLoginStepID)
}

// OnFlowComplete tells the player when they were resumed from a
// stored session.
func (s *AutoLoginStep) OnFlowComplete(_ context.Context, conn player.Conn, fctx *Context) {
	if st, ok := fctx.Status(AutoLoginStepID); ok && st == StatusCompleted {
		conn.Send("You have been logged in automatically.")
	}
}

var (
	_ Step        = (*AutoLoginStep)(nil)
	_ Finalizable = (*AutoLoginStep)(nil)
)
