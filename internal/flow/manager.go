// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

// DefaultKickMessage is shown when a pre-authenticate listener cancels
// the flow without supplying its own message.
const DefaultKickMessage = "Authentication cancelled."

// Config controls the flow order.
type Config struct {
	// Order lists step ids in execution order. Empty enables the
	// legacy degenerate flow: a single login-or-register prompt.
	Order []string
}

// Manager drives the configured step sequence for each connecting
// player. At most one step is active per player, and a flow finalizes
// exactly once.
type Manager struct {
	accounts AccountChecker
	auth     Authenticator
	state    player.StateService
	prompter player.Prompter
	bus      events.Publisher
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	steps    map[string]Step
	regOrder []string // step registration order, for OnFlowComplete
	contexts map[string]*Context
	cursors  map[string]int
}

// NewManager creates a flow manager.
func NewManager(
	accounts AccountChecker,
	auth Authenticator,
	state player.StateService,
	prompter player.Prompter,
	bus events.Publisher,
	cfg Config,
	logger *slog.Logger,
) (*Manager, error) {
	switch {
	case accounts == nil:
		return nil, oops.Errorf("account checker is required")
	case auth == nil:
		return nil, oops.Errorf("authenticator is required")
	case state == nil:
		return nil, oops.Errorf("state service is required")
	case prompter == nil:
		return nil, oops.Errorf("prompter is required")
	case bus == nil:
		return nil, oops.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		accounts: accounts,
		auth:     auth,
		state:    state,
		prompter: prompter,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		steps:    make(map[string]Step),
		contexts: make(map[string]*Context),
		cursors:  make(map[string]int),
	}, nil
}

// RegisterStep adds a step to the table. Re-registering an id
// overwrites the previous step, last wins.
func (m *Manager) RegisterStep(step Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := step.ID()
	if _, ok := m.steps[id]; ok {
		m.logger.Warn("step re-registered, overwriting", "step", id)
	} else {
		m.regOrder = append(m.regOrder, id)
	}
	m.steps[id] = step
}

// StartFlow begins a fresh flow for a connecting player. A supplied
// resume id restarts the flow at that step; an unknown id falls back
// to the beginning.
func (m *Manager) StartFlow(ctx context.Context, conn player.Conn, resumeStepID string) {
	key := player.Key(conn.Name())

	fctx := NewContext()
	m.mu.Lock()
	m.contexts[key] = fctx
	m.mu.Unlock()

	m.state.Protect(conn)

	if len(m.cfg.Order) == 0 {
		m.startLegacy(ctx, conn, key)
		return
	}

	start := 0
	if resumeStepID != "" {
		if idx := slices.Index(m.cfg.Order, resumeStepID); idx >= 0 {
			start = idx
		} else {
			m.logger.Error("unknown resume step, starting from the beginning",
				"player", key, "step", resumeStepID)
		}
	}

	if !m.startFrom(ctx, conn, fctx, key, start) {
		m.logger.Warn("no registered step in the configured order, player left unauthenticated",
			"player", key, "order", m.cfg.Order)
	}
}

// startLegacy is the degenerate single-step flow used when no order is
// configured: prompt for login when the account exists, otherwise for
// registration.
func (m *Manager) startLegacy(ctx context.Context, conn player.Conn, key string) {
	exists, err := m.accounts.Exists(ctx, key)
	if err != nil {
		errutil.LogError(m.logger, "failed to check account for legacy flow", err)
		return
	}
	if !conn.Connected() {
		return
	}
	if exists {
		m.auth.ScheduleLoginTimeout(conn)
		m.prompter.PromptLogin(conn)
	} else {
		m.prompter.PromptRegister(conn)
	}
}

// startFrom scans the configured order from start for the first
// registered step and invokes it. It reports whether a step ran.
func (m *Manager) startFrom(ctx context.Context, conn player.Conn, fctx *Context, key string, start int) bool {
	m.mu.Lock()
	var step Step
	for i := start; i < len(m.cfg.Order); i++ {
		id := m.cfg.Order[i]
		s, ok := m.steps[id]
		if !ok {
			m.logger.Debug("configured step not registered, skipping",
				"player", key, "step", id)
			continue
		}
		m.cursors[key] = i
		step = s
		break
	}
	m.mu.Unlock()

	if step == nil {
		return false
	}
	m.logger.Debug("starting step", "player", key, "step", step.ID())
	step.Start(ctx, conn, fctx)
	return true
}

// CompleteStep records a step as completed and advances the flow.
func (m *Manager) CompleteStep(ctx context.Context, conn player.Conn, stepID string) {
	m.resolveStep(ctx, conn, stepID, StatusCompleted)
}

// SkipStep records a step as skipped and advances the flow.
func (m *Manager) SkipStep(ctx context.Context, conn player.Conn, stepID string) {
	m.resolveStep(ctx, conn, stepID, StatusSkipped)
}

func (m *Manager) resolveStep(ctx context.Context, conn player.Conn, stepID string, status Status) {
	key := player.Key(conn.Name())

	m.mu.Lock()
	fctx, ok := m.contexts[key]
	m.mu.Unlock()
	if !ok {
		// Late callback after disconnect or finalize.
		m.logger.Warn("no active flow for step resolution",
			"player", key, "step", stepID, "status", status)
		return
	}

	if prev, replaced := fctx.setStatus(stepID, status); replaced {
		m.logger.Debug("step status overwritten",
			"player", key, "step", stepID, "previous", prev, "status", status)
	}

	if len(m.cfg.Order) == 0 {
		// Legacy flow has exactly one implicit step.
		m.finalize(ctx, conn, fctx, key)
		return
	}

	// Resolve against the static order, not the stored cursor, so a
	// stale callback for an earlier step cannot rewind the flow.
	pos := slices.Index(m.cfg.Order, stepID)
	if pos < 0 {
		m.logger.Warn("resolved step is not in the configured order",
			"player", key, "step", stepID)
		return
	}

	if !m.startFrom(ctx, conn, fctx, key, pos+1) {
		m.finalize(ctx, conn, fctx, key)
	}
}

// finalize runs exactly once per flow: the context is dropped before
// any callback that could re-enter the manager.
func (m *Manager) finalize(ctx context.Context, conn player.Conn, fctx *Context, key string) {
	m.mu.Lock()
	if _, ok := m.contexts[key]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.contexts, key)
	delete(m.cursors, key)
	var finalizables []Finalizable
	for _, id := range m.regOrder {
		if f, ok := m.steps[id].(Finalizable); ok {
			finalizables = append(finalizables, f)
		}
	}
	m.mu.Unlock()

	loginType := fctx.LoginType()

	ev := &events.PreAuthenticate{Conn: conn, LoginType: loginType}
	m.bus.Publish(ev)
	if ev.Cancelled() {
		flowsCancelled.Inc()
		msg := ev.KickMessage
		if msg == "" {
			msg = DefaultKickMessage
		}
		m.logger.Info("authentication cancelled by listener",
			"player", key, "login_type", loginType)
		m.state.Restore(conn)
		conn.Disconnect(msg)
		return
	}

	m.auth.FinalizeAuthentication(ctx, conn, loginType)
	for _, f := range finalizables {
		f.OnFlowComplete(ctx, conn, fctx)
	}

	flowDuration.WithLabelValues(string(loginType)).
		Observe(time.Since(fctx.startedAt).Seconds())
}

// AbortFlow drops a player's flow state, called when the connection
// goes away mid-flow.
func (m *Manager) AbortFlow(conn player.Conn) {
	key := player.Key(conn.Name())
	m.mu.Lock()
	_, active := m.contexts[key]
	delete(m.contexts, key)
	delete(m.cursors, key)
	m.mu.Unlock()
	if active {
		m.logger.Debug("flow aborted", "player", key)
	}
}

// ContextFor returns the active flow context for a player, or nil when
// no flow is running. The gateway uses it to record the login type
// before completing a step.
func (m *Manager) ContextFor(name string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[player.Key(name)]
}
