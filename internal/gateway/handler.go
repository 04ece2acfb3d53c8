// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/oops"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/auth"
	"github.com/authgate/authgate/internal/flow"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/internal/session"
)

// Deps bundles the services the gateway drives. Sessions may be nil
// when remember-me sessions are disabled.
type Deps struct {
	Flow         *flow.Manager
	Auth         *auth.Service
	Registration *auth.RegistrationService
	Sessions     *session.Service
	Registry     *player.Registry
	Logger       *slog.Logger
}

// handler processes a single client connection.
type handler struct {
	conn     *connection
	reader   *bufio.Reader
	deps     Deps
	named    bool
	quitting bool
}

func newHandler(conn *connection, deps Deps) *handler {
	return &handler{
		conn:   conn,
		reader: bufio.NewReader(conn.conn),
		deps:   deps,
	}
}

// handle processes the connection until closed.
func (h *handler) handle(ctx context.Context) {
	defer func() {
		if h.named {
			h.deps.Auth.HandleQuit(h.conn)
			h.deps.Flow.AbortFlow(h.conn)
			h.deps.Registry.Remove(h.conn)
		}
		h.conn.Disconnect("")
	}()

	h.conn.Send("AuthGate ready.")
	h.conn.Send("Identify yourself with: hello <name> [device-id]")

	lineCh := make(chan string)
	// Buffered so the final read error never blocks the goroutine when
	// the handler has already returned.
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := h.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- strings.TrimSpace(line):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				h.deps.Logger.Debug("connection read error",
					"conn_id", h.conn.id.String(), "error", err)
			}
			h.conn.markClosed()
			return

		case line := <-lineCh:
			h.processLine(ctx, line)
			if h.quitting || !h.conn.Connected() {
				return
			}
		}
	}
}

func (h *handler) processLine(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	if !h.named {
		switch cmd {
		case "hello":
			h.handleHello(ctx, args)
		case "quit":
			h.handleQuit()
		default:
			h.conn.Send("Identify first: hello <name> [device-id]")
		}
		return
	}

	switch cmd {
	case "hello":
		h.conn.Send("Already identified as " + h.conn.name + ".")
	case "login":
		h.handleLogin(ctx, args)
	case "register":
		h.handleRegister(ctx, args)
	case "changepw":
		h.handleChangePassword(ctx, args)
	case "logout":
		h.deps.Auth.HandleLogout(h.conn)
	case "unregister":
		h.handleUnregister()
	case "confirm":
		h.handleConfirm(ctx, args)
	case "sessions":
		h.handleSessions(ctx)
	case "terminate":
		h.handleTerminate(ctx, args)
	case "who":
		h.handleWho()
	case "help":
		h.sendHelp()
	case "quit":
		h.handleQuit()
	default:
		h.conn.Send("Unknown command: " + cmd + " (try: help)")
	}
}

func (h *handler) handleHello(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		h.conn.Send("Usage: hello <name> [device-id]")
		return
	}
	if err := account.ValidateName(args[0]); err != nil {
		h.renderError(err)
		return
	}

	h.conn.name = args[0]
	if len(args) == 2 {
		h.conn.device = args[1]
	}
	h.named = true

	h.deps.Registry.Add(h.conn)
	h.deps.Logger.Info("client identified",
		"conn_id", h.conn.id.String(),
		"player", player.Key(h.conn.name),
		"ip", h.conn.IP())

	h.deps.Flow.StartFlow(ctx, h.conn, "")
}

func (h *handler) handleLogin(ctx context.Context, args []string) {
	if len(args) != 1 {
		h.conn.Send("Usage: login <password>")
		return
	}
	if err := h.deps.Auth.HandleLoginRequest(ctx, h.conn, args[0]); err != nil {
		h.renderError(err)
		return
	}
	h.completeLogin(ctx, player.LoginManual, flow.PasswordLoginStepID)
}

func (h *handler) handleRegister(ctx context.Context, args []string) {
	if len(args) != 2 {
		h.conn.Send("Usage: register <password> <password>")
		return
	}
	if err := h.deps.Registration.HandleRegistrationRequest(ctx, h.conn, args[0], args[1]); err != nil {
		h.renderError(err)
		return
	}
	h.completeLogin(ctx, player.LoginRegistration, flow.RegistrationStepID)
}

// completeLogin advances the flow after credentials verified. Without
// an active flow (a re-login after logout) authentication is finalized
// directly.
func (h *handler) completeLogin(ctx context.Context, lt player.LoginType, stepID string) {
	if fctx := h.deps.Flow.ContextFor(h.conn.name); fctx != nil {
		fctx.SetLoginType(lt)
		h.deps.Flow.CompleteStep(ctx, h.conn, stepID)
		return
	}
	h.deps.Auth.FinalizeAuthentication(ctx, h.conn, lt)
	if h.conn.Connected() {
		h.conn.Send("Logged in successfully.")
	}
}

func (h *handler) handleChangePassword(ctx context.Context, args []string) {
	if h.deps.Auth.NeedsForcedChange(h.conn.name) {
		if len(args) != 2 {
			h.conn.Send("Usage: changepw <new> <new>")
			return
		}
		if err := h.deps.Auth.HandleForceChangePasswordRequest(ctx, h.conn, args[0], args[1]); err != nil {
			h.renderError(err)
			return
		}
		h.conn.Send("Password changed.")
		return
	}

	if len(args) != 3 {
		h.conn.Send("Usage: changepw <old> <new> <new>")
		return
	}
	if err := h.deps.Auth.HandleChangePasswordRequest(ctx, h.conn, args[0], args[1], args[2]); err != nil {
		h.renderError(err)
		return
	}
	h.conn.Send("Password changed.")
}

func (h *handler) handleUnregister() {
	if err := h.deps.Registration.InitiateUnregistration(h.conn); err != nil {
		h.renderError(err)
		return
	}
	h.conn.Send("This will permanently delete your account.")
	h.conn.Send("Confirm with: confirm <password>")
}

func (h *handler) handleConfirm(ctx context.Context, args []string) {
	if len(args) != 1 {
		h.conn.Send("Usage: confirm <password>")
		return
	}
	if err := h.deps.Registration.ConfirmUnregistration(ctx, h.conn, args[0]); err != nil {
		h.renderError(err)
		return
	}
}

func (h *handler) handleSessions(ctx context.Context) {
	if h.conn.isRestricted() {
		h.conn.Send("You must log in first.")
		return
	}
	if h.deps.Sessions == nil || !h.deps.Sessions.Enabled() {
		h.conn.Send("Session management is disabled.")
		return
	}

	sessions, err := h.deps.Sessions.SessionsForPlayer(ctx, h.conn.name)
	if err != nil {
		h.renderError(err)
		return
	}
	if len(sessions) == 0 {
		h.conn.Send("You have no saved sessions.")
		return
	}

	h.conn.Send(fmt.Sprintf("Saved sessions (%d):", len(sessions)))
	for _, sess := range sessions {
		h.conn.Send(fmt.Sprintf("  %s  ip=%s device=%s expires=%s",
			sess.ID, sess.IPAddress, sess.DeviceID,
			sess.ExpirationTime.Format("2006-01-02 15:04")))
	}
}

func (h *handler) handleTerminate(ctx context.Context, args []string) {
	if h.conn.isRestricted() {
		h.conn.Send("You must log in first.")
		return
	}
	if h.deps.Sessions == nil || !h.deps.Sessions.Enabled() {
		h.conn.Send("Session management is disabled.")
		return
	}
	if len(args) != 1 {
		h.conn.Send("Usage: terminate <session-id>")
		return
	}

	sessions, err := h.deps.Sessions.SessionsForPlayer(ctx, h.conn.name)
	if err != nil {
		h.renderError(err)
		return
	}
	for _, sess := range sessions {
		if sess.ID == args[0] {
			if err := h.deps.Sessions.TerminateSession(ctx, h.conn.name, sess.ID); err != nil {
				h.renderError(err)
				return
			}
			h.conn.Send("Session terminated.")
			return
		}
	}
	h.conn.Send("No such session.")
}

func (h *handler) handleWho() {
	if h.conn.isRestricted() {
		h.conn.Send("You must log in first.")
		return
	}

	var names []string
	for _, conn := range h.deps.Registry.All() {
		if h.deps.Auth.IsAuthenticated(conn.Name()) {
			names = append(names, conn.Name())
		}
	}
	sort.Strings(names)
	h.conn.Send(fmt.Sprintf("Online (%d): %s", len(names), strings.Join(names, ", ")))
}

func (h *handler) handleQuit() {
	h.conn.Send("Goodbye.")
	h.quitting = true
}

func (h *handler) sendHelp() {
	h.conn.Send("Commands: login <pw> | register <pw> <pw> | changepw <old> <new> <new> |")
	h.conn.Send("          logout | unregister | confirm <pw> | sessions | terminate <id> |")
	h.conn.Send("          who | quit")
}

// renderError maps service errors to player-facing messages. The full
// error is logged; only the mapped message reaches the client.
func (h *handler) renderError(err error) {
	var code any
	oopsErr, ok := oops.AsOops(err)
	if ok {
		code = oopsErr.Code()
	}

	switch code {
	case "AUTH_ALREADY_AUTHENTICATED":
		h.conn.Send("You are already logged in.")
	case "AUTH_NOT_AUTHENTICATED":
		h.conn.Send("You must log in first.")
	case "AUTH_NOT_REGISTERED":
		h.conn.Send("No such account. Register with: register <password> <password>")
	case "AUTH_ALREADY_REGISTERED":
		h.conn.Send("That account already exists. Log in with: login <password>")
	case "AUTH_INCORRECT_PASSWORD":
		h.conn.Send("Incorrect password.")
	case "AUTH_PASSWORD_MISMATCH":
		h.conn.Send("Passwords do not match.")
	case "AUTH_POLICY_VIOLATION":
		h.conn.Send("That password is not allowed: " + oopsErr.Error())
	case "AUTH_ACCOUNT_LOCKED":
		h.conn.Send("This account is locked. Contact an administrator.")
	case "AUTH_BLOCKED":
		minutes := oopsErr.Context()["minutes"]
		h.conn.Send(fmt.Sprintf("Too many failed attempts. Try again in %v minutes.", minutes))
	case "AUTH_REGISTRATION_RATE_LIMITED":
		h.conn.Send("Too many accounts registered from your address.")
	case "AUTH_CONFIRMATION_EXPIRED":
		h.conn.Send("Confirmation expired. Start over with: unregister")
	case "AUTH_NOT_REQUIRED":
		h.conn.Send("No password change is required.")
	case "AUTH_INVALID_NAME":
		h.conn.Send("Invalid name: " + oopsErr.Error())
	case "AUTH_EMPTY_PASSWORD":
		h.conn.Send("Password cannot be empty.")
	default:
		h.deps.Logger.Error("unexpected error handling command",
			"conn_id", h.conn.id.String(),
			"player", player.Key(h.conn.name),
			"error", err)
		h.conn.Send("Something went wrong. Please try again.")
	}
}
