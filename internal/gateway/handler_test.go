// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/internal/account"
)

func TestRegisterOverGateway(t *testing.T) {
	rig := startGateway(t)
	c := dial(t, rig.addr)

	c.expect("Identify yourself")
	c.send("hello Alice dev-1")
	c.expect("Create an account")

	c.send("register secret1 secret1")
	c.expect("Your account has been created.")

	require.Eventually(t, func() bool { return rig.auth.IsAuthenticated("alice") },
		time.Second, 10*time.Millisecond)

	acct := rig.accounts.get("alice")
	require.NotNil(t, acct)
	assert.Equal(t, "h$secret1", acct.PasswordHash)
	assert.Equal(t, "127.0.0.1", acct.IP)
}

func TestLoginOverGateway(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")

	c.send("login wrong")
	c.expect("Incorrect password.")

	c.send("login secret1")
	c.expect("Logged in successfully.")
	assert.True(t, rig.auth.IsAuthenticated("alice"))
}

func TestWhoRequiresLogin(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")

	c.send("who")
	c.expect("You must log in first.")

	c.send("login secret1")
	c.expect("Logged in successfully.")

	c.send("who")
	c.expect("Online (1): alice")
}

func TestChangePasswordAndRelogin(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")
	c.send("login secret1")
	c.expect("Logged in successfully.")

	c.send("changepw secret1 newpass7 newpass7")
	c.expect("Password changed.")

	c.send("logout")
	c.expect("Log in with")

	c.send("login newpass7")
	c.expect("Logged in successfully.")
}

func TestForcedChangeOverGateway(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{
		Name:               "alice",
		PasswordHash:       "h$secret1",
		MustChangePassword: true,
	})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")
	c.send("login secret1")
	c.expect("You must change your password now")

	c.send("changepw newpass7 newpass7")
	c.expect("Password changed.")

	acct := rig.accounts.get("alice")
	require.NotNil(t, acct)
	assert.Equal(t, "h$newpass7", acct.PasswordHash)
	assert.False(t, acct.MustChangePassword)
}

func TestUnregisterOverGateway(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")
	c.send("login secret1")
	c.expect("Logged in successfully.")

	c.send("unregister")
	c.expect("Confirm with: confirm <password>")

	c.send("confirm secret1")
	c.expect("Your account has been removed.")
	c.expectClosed()

	assert.Nil(t, rig.accounts.get("alice"))
}

func TestHelloValidatesName(t *testing.T) {
	rig := startGateway(t)
	c := dial(t, rig.addr)

	c.send("hello a!")
	c.expect("Invalid name")

	c.send("hello Alice")
	c.expect("Create an account")
}

func TestCommandsBeforeHelloRejected(t *testing.T) {
	rig := startGateway(t)
	c := dial(t, rig.addr)

	c.send("login secret1")
	c.expect("Identify first")
}

func TestQuitOverGateway(t *testing.T) {
	rig := startGateway(t)
	c := dial(t, rig.addr)

	c.send("quit")
	c.expect("Goodbye.")
	c.expectClosed()
}

func TestReconnectReplacesRegistryEntry(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})

	first := dial(t, rig.addr)
	first.send("hello alice")
	first.expect("Log in with")

	second := dial(t, rig.addr)
	second.send("hello alice")
	second.expect("Log in with")

	second.send("login secret1")
	second.expect("Logged in successfully.")
	assert.Equal(t, 1, rig.registry.Count())
}

func TestSessionsCommandDisabledWithoutService(t *testing.T) {
	rig := startGateway(t)
	rig.accounts.add(&account.Account{Name: "alice", PasswordHash: "h$secret1"})
	c := dial(t, rig.addr)

	c.send("hello alice")
	c.expect("Log in with")

	c.send("sessions")
	c.expect("You must log in first.")

	c.send("login secret1")
	c.expect("Logged in successfully.")

	c.send("sessions")
	c.expect("Session management is disabled.")
}
