// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/player"
	"github.com/authgate/authgate/pkg/errutil"
)

func serviceConfig() Config {
	return Config{
		AutoLoginEnabled:         true,
		LoginTimeout:             0,
		PromptForcedChangeOnline: true,
	}
}

func TestHandleLoginRequest(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(rig *testRig)
		password string
		wantCode string
	}{
		{
			name: "success",
			setup: func(rig *testRig) {
				rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
			},
			password: "secret1",
		},
		{
			name: "already authenticated",
			setup: func(rig *testRig) {
				rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
				rig.service.authenticated["alice"] = struct{}{}
			},
			password: "secret1",
			wantCode: "AUTH_ALREADY_AUTHENTICATED",
		},
		{
			name:     "not registered",
			setup:    func(rig *testRig) {},
			password: "secret1",
			wantCode: "AUTH_NOT_REGISTERED",
		},
		{
			name: "locked account",
			setup: func(rig *testRig) {
				rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1", Locked: true})
			},
			password: "secret1",
			wantCode: "AUTH_ACCOUNT_LOCKED",
		},
		{
			name: "incorrect password",
			setup: func(rig *testRig) {
				rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
			},
			password: "wrong",
			wantCode: "AUTH_INCORRECT_PASSWORD",
		},
		{
			name: "durable block",
			setup: func(rig *testRig) {
				rig.accounts.add(&account.Account{
					Name:         "alice",
					PasswordHash: "plain:secret1",
					BlockedUntil: time.Now().Add(10 * time.Minute),
				})
			},
			password: "secret1",
			wantCode: "AUTH_BLOCKED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, serviceConfig(), throttlerConfig())
			tt.setup(rig)
			conn := newFakeConn("Alice")

			err := rig.service.HandleLoginRequest(context.Background(), conn, tt.password)
			if tt.wantCode == "" {
				require.NoError(t, err)
			} else {
				errutil.AssertErrorCode(t, err, tt.wantCode)
			}
		})
	}
}

func TestHandleLoginRequestCountsFailure(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
	conn := newFakeConn("alice")

	_ = rig.service.HandleLoginRequest(context.Background(), conn, "wrong")
	assert.Equal(t, 1, rig.throttler.Attempts("alice"))

	// Success clears the counter.
	require.NoError(t, rig.service.HandleLoginRequest(context.Background(), conn, "secret1"))
	assert.Equal(t, 0, rig.throttler.Attempts("alice"))
}

func TestHandleLoginRequestUpgradesStaleHash(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "legacy:secret1"})
	conn := newFakeConn("alice")

	require.NoError(t, rig.service.HandleLoginRequest(context.Background(), conn, "secret1"))
	assert.Equal(t, "plain:secret1", rig.accounts.get("alice").PasswordHash,
		"stale hash is upgraded in place on successful login")
}

func TestHandleLoginRequestRehashFailureStillSucceeds(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
	rig.accounts.updatePwErr = assert.AnError

	conn := newFakeConn("alice")
	require.NoError(t, rig.service.HandleLoginRequest(context.Background(), conn, "secret1"))
}

func TestFinalizeAuthentication(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
	conn := newFakeConn("Alice")

	var published *events.Authenticated
	rig.bus.Subscribe("authenticated", func(ev events.Event) {
		published = ev.(*events.Authenticated)
	})

	rig.service.FinalizeAuthentication(context.Background(), conn, player.LoginManual)

	assert.True(t, rig.service.IsAuthenticated("alice"))
	assert.Equal(t, []string{"alice"}, rig.sessions.handled)
	assert.Equal(t, []string{"Alice"}, rig.state.restored)
	assert.Equal(t, []string{"Alice"}, rig.visibility.updated)
	assert.Equal(t, "203.0.113.7", rig.accounts.get("alice").IP)
	require.NotNil(t, published)
	assert.Equal(t, player.LoginManual, published.LoginType)
}

func TestFinalizeAuthenticationSkipsSessionsWhenAutoLoginOff(t *testing.T) {
	cfg := serviceConfig()
	cfg.AutoLoginEnabled = false
	rig := newTestRig(t, cfg, throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})

	rig.service.FinalizeAuthentication(context.Background(), newFakeConn("alice"), player.LoginManual)
	assert.Empty(t, rig.sessions.handled)
}

func TestFinalizeAuthenticationDisconnectedPlayer(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
	conn := newFakeConn("alice")
	conn.connected = false

	rig.service.FinalizeAuthentication(context.Background(), conn, player.LoginManual)
	assert.False(t, rig.service.IsAuthenticated("alice"),
		"a gone connection never becomes authenticated")
}

func TestFinalizeAuthenticationPromptsForcedChange(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{
		Name:               "alice",
		PasswordHash:       "plain:secret1",
		MustChangePassword: true,
	})
	conn := newFakeConn("alice")

	rig.service.FinalizeAuthentication(context.Background(), conn, player.LoginManual)

	assert.True(t, rig.service.NeedsForcedChange("alice"))
	assert.Equal(t, []string{"alice"}, rig.prompter.forceChange)
}

func TestLoginTimeoutGuard(t *testing.T) {
	cfg := serviceConfig()
	cfg.LoginTimeout = 20 * time.Millisecond
	rig := newTestRig(t, cfg, throttlerConfig())
	conn := newFakeConn("alice")

	rig.service.ScheduleLoginTimeout(conn)
	require.Eventually(t, func() bool { return !conn.Connected() },
		time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, conn.kicked)
}

func TestLoginTimeoutCancelled(t *testing.T) {
	cfg := serviceConfig()
	cfg.LoginTimeout = 20 * time.Millisecond
	rig := newTestRig(t, cfg, throttlerConfig())
	conn := newFakeConn("alice")

	rig.service.ScheduleLoginTimeout(conn)
	rig.service.CancelLoginTimeout(conn)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, conn.Connected())
}

func TestHandleChangePasswordRequest(t *testing.T) {
	tests := []struct {
		name               string
		old, new2, confirm string
		authenticated      bool
		wantCode           string
	}{
		{"success", "secret1", "newpass", "newpass", true, ""},
		{"not authenticated", "secret1", "newpass", "newpass", false, "AUTH_NOT_AUTHENTICATED"},
		{"wrong old password", "nope", "newpass", "newpass", true, "AUTH_INCORRECT_PASSWORD"},
		{"mismatch", "secret1", "newpass", "other", true, "AUTH_PASSWORD_MISMATCH"},
		{"policy violation", "secret1", "ab", "ab", true, "AUTH_POLICY_VIOLATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, serviceConfig(), throttlerConfig())
			rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:secret1"})
			if tt.authenticated {
				rig.service.authenticated["alice"] = struct{}{}
			}
			conn := newFakeConn("alice")

			err := rig.service.HandleChangePasswordRequest(context.Background(), conn, tt.old, tt.new2, tt.confirm)
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "plain:newpass", rig.accounts.get("alice").PasswordHash)
			} else {
				errutil.AssertErrorCode(t, err, tt.wantCode)
			}
		})
	}
}

func TestHandleForceChangePasswordRequest(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{
		Name:               "alice",
		PasswordHash:       "plain:old",
		MustChangePassword: true,
	})
	rig.service.authenticated["alice"] = struct{}{}
	rig.service.forceChange["alice"] = struct{}{}
	conn := newFakeConn("alice")

	var changed *events.PasswordChanged
	rig.bus.Subscribe("password_changed", func(ev events.Event) {
		changed = ev.(*events.PasswordChanged)
	})

	require.NoError(t, rig.service.HandleForceChangePasswordRequest(context.Background(), conn, "newpass", "newpass"))

	assert.False(t, rig.service.NeedsForcedChange("alice"))
	assert.False(t, rig.accounts.get("alice").MustChangePassword)
	require.NotNil(t, changed)
	assert.True(t, changed.Forced)

	// A second forced change has nothing pending.
	err := rig.service.HandleForceChangePasswordRequest(context.Background(), conn, "x", "x")
	errutil.AssertErrorCode(t, err, "AUTH_NOT_REQUIRED")
}

func TestHandleLogout(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.service.authenticated["alice"] = struct{}{}
	conn := newFakeConn("alice")

	var deauth *events.Deauthenticated
	rig.bus.Subscribe("deauthenticated", func(ev events.Event) {
		deauth = ev.(*events.Deauthenticated)
	})

	rig.service.HandleLogout(conn)

	assert.False(t, rig.service.IsAuthenticated("alice"))
	assert.Equal(t, []string{"alice"}, rig.state.protected)
	assert.Equal(t, []string{"alice"}, rig.prompter.login)
	require.NotNil(t, deauth)
	assert.True(t, deauth.Explicit)
	assert.True(t, conn.Connected(), "logout keeps the connection open")
}

// Logging out returns the player to a credential-required state, so
// the login timeout guard must be re-armed.
func TestHandleLogoutReArmsTimeoutGuard(t *testing.T) {
	cfg := serviceConfig()
	cfg.LoginTimeout = 20 * time.Millisecond
	rig := newTestRig(t, cfg, throttlerConfig())
	rig.service.authenticated["alice"] = struct{}{}
	conn := newFakeConn("alice")

	rig.service.HandleLogout(conn)

	require.Eventually(t, func() bool { return !conn.Connected() },
		time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, conn.kicked)
}

func TestHandleQuit(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.service.authenticated["alice"] = struct{}{}
	conn := newFakeConn("alice")

	var deauth *events.Deauthenticated
	rig.bus.Subscribe("deauthenticated", func(ev events.Event) {
		deauth = ev.(*events.Deauthenticated)
	})

	rig.service.HandleQuit(conn)

	assert.False(t, rig.service.IsAuthenticated("alice"))
	require.NotNil(t, deauth)
	assert.False(t, deauth.Explicit)
}

func TestHandleQuitUnauthenticatedPublishesNothing(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	conn := newFakeConn("alice")

	published := false
	rig.bus.Subscribe("deauthenticated", func(events.Event) { published = true })

	rig.service.HandleQuit(conn)
	assert.False(t, published)
}

func TestForceLogout(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.service.authenticated["alice"] = struct{}{}
	conn := newFakeConn("alice")

	rig.service.ForceLogout(conn, "Your session was terminated.")

	assert.False(t, rig.service.IsAuthenticated("alice"))
	assert.False(t, conn.Connected())
	assert.Equal(t, "Your session was terminated.", conn.kicked)
}

func TestAdminLockUnlock(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{
		Name:         "alice",
		PasswordHash: "plain:pw",
		BlockedUntil: time.Now().Add(time.Hour),
	})

	require.NoError(t, rig.service.LockAccount(context.Background(), "Alice"))
	assert.True(t, rig.accounts.get("alice").Locked)

	require.NoError(t, rig.service.UnlockAccount(context.Background(), "alice"))
	acct := rig.accounts.get("alice")
	assert.False(t, acct.Locked)
	assert.True(t, acct.BlockedUntil.IsZero(), "unlock lifts the durable block")

	err := rig.service.LockAccount(context.Background(), "ghost")
	errutil.AssertErrorCode(t, err, "AUTH_NOT_REGISTERED")
}

func TestForcePasswordChangeByAdminPromptsLiveTarget(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:pw"})
	rig.service.authenticated["alice"] = struct{}{}
	conn := newFakeConn("alice")
	rig.registry.Add(conn)

	require.NoError(t, rig.service.ForcePasswordChangeByAdmin(context.Background(), "alice"))

	assert.True(t, rig.accounts.get("alice").MustChangePassword)
	assert.True(t, rig.service.NeedsForcedChange("alice"))
	assert.Equal(t, []string{"alice"}, rig.prompter.forceChange)
}

func TestSetPlayerPassword(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:old"})

	require.NoError(t, rig.service.SetPlayerPassword(context.Background(), "alice", "newpass"))
	assert.Equal(t, "plain:newpass", rig.accounts.get("alice").PasswordHash)

	err := rig.service.SetPlayerPassword(context.Background(), "ghost", "newpass")
	errutil.AssertErrorCode(t, err, "AUTH_NOT_REGISTERED")
}

func TestCheckPlayerPassword(t *testing.T) {
	rig := newTestRig(t, serviceConfig(), throttlerConfig())
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "plain:pw"})

	ok, err := rig.service.CheckPlayerPassword(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rig.service.CheckPlayerPassword(context.Background(), "alice", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rig.service.CheckPlayerPassword(context.Background(), "ghost", "pw")
	errutil.AssertErrorCode(t, err, "AUTH_NOT_REGISTERED")
}
