// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/player"
)

type fakeConn struct {
	name      string
	ip        string
	device    string
	connected bool
	sent      []string
	kicked    string
}

func (f *fakeConn) Name() string     { return f.name }
func (f *fakeConn) IP() string       { return f.ip }
func (f *fakeConn) DeviceID() string { return f.device }
func (f *fakeConn) Send(msg string)  { f.sent = append(f.sent, msg) }
func (f *fakeConn) Disconnect(reason string) {
	f.connected = false
	f.kicked = reason
}
func (f *fakeConn) Connected() bool { return f.connected }

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, ip: "203.0.113.7", device: "dev-1", connected: true}
}

// memAccounts is an in-memory account.Store with error injection.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*account.Account

	setBlockedErr error
	updatePwErr   error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[string]*account.Account)}
}

func (m *memAccounts) add(acct *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[player.Key(acct.Name)] = &cp
}

func (m *memAccounts) get(name string) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[player.Key(name)]; ok {
		cp := *acct
		return &cp
	}
	return nil
}

func (m *memAccounts) Find(_ context.Context, name string) (*account.Account, error) {
	if acct := m.get(name); acct != nil {
		return acct, nil
	}
	return nil, account.ErrNotFound
}

func (m *memAccounts) Exists(_ context.Context, name string) (bool, error) {
	return m.get(name) != nil, nil
}

func (m *memAccounts) Create(_ context.Context, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := player.Key(acct.Name)
	if _, ok := m.accounts[key]; ok {
		return account.ErrNotFound // not reached in tests; Create duplicates are pre-checked
	}
	cp := *acct
	m.accounts[key] = &cp
	return nil
}

func (m *memAccounts) UpdatePassword(_ context.Context, name, passwordHash string) error {
	if m.updatePwErr != nil {
		return m.updatePwErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	acct.PasswordHash = passwordHash
	return nil
}

func (m *memAccounts) UpdateIP(_ context.Context, name, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	acct.IP = ip
	acct.LastLoginAt = time.Now()
	return nil
}

func (m *memAccounts) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := player.Key(name)
	if _, ok := m.accounts[key]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, key)
	return nil
}

func (m *memAccounts) SetLocked(_ context.Context, name string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	acct.Locked = locked
	return nil
}

func (m *memAccounts) SetBlockedUntil(_ context.Context, name string, until time.Time) error {
	if m.setBlockedErr != nil {
		return m.setBlockedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	acct.BlockedUntil = until
	return nil
}

func (m *memAccounts) SetMustChangePassword(_ context.Context, name string, must bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	acct.MustChangePassword = must
	return nil
}

func (m *memAccounts) CountByIP(_ context.Context, ip string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	for _, acct := range m.accounts {
		if acct.IP == ip {
			count++
		}
	}
	return count, nil
}

func (m *memAccounts) CountAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

var _ account.Store = (*memAccounts)(nil)

// plainHasher avoids argon2 cost in service tests. Hashes are the
// password with a marker prefix; "legacy:" hashes verify but report
// themselves as stale.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain:" + password, nil }
func (plainHasher) Verify(password, hash string) (bool, error) {
	return hash == "plain:"+password || hash == "legacy:"+password, nil
}
func (plainHasher) NeedsRehash(hash string) bool {
	return !strings.HasPrefix(hash, "plain:")
}

type fakeState struct {
	protected []string
	restored  []string
}

func (f *fakeState) Protect(conn player.Conn) { f.protected = append(f.protected, conn.Name()) }
func (f *fakeState) Restore(conn player.Conn) { f.restored = append(f.restored, conn.Name()) }

type fakeVisibility struct {
	updated []string
}

func (f *fakeVisibility) Update(conn player.Conn) { f.updated = append(f.updated, conn.Name()) }

type fakePrompter struct {
	login       []string
	register    []string
	forceChange []string
}

func (f *fakePrompter) PromptLogin(conn player.Conn)    { f.login = append(f.login, conn.Name()) }
func (f *fakePrompter) PromptRegister(conn player.Conn) { f.register = append(f.register, conn.Name()) }
func (f *fakePrompter) PromptForceChange(conn player.Conn) {
	f.forceChange = append(f.forceChange, conn.Name())
}

type fakeSessions struct {
	handled []string
	err     error
}

func (f *fakeSessions) HandleSession(_ context.Context, conn player.Conn) error {
	f.handled = append(f.handled, player.Key(conn.Name()))
	return f.err
}

type testRig struct {
	accounts   *memAccounts
	bus        *events.Bus
	throttler  *Throttler
	service    *Service
	state      *fakeState
	visibility *fakeVisibility
	prompter   *fakePrompter
	sessions   *fakeSessions
	registry   *player.Registry
}

func newTestRig(t *testing.T, cfg Config, tcfg ThrottlerConfig) *testRig {
	t.Helper()

	accounts := newMemAccounts()
	bus := events.NewBus()
	throttler, err := NewThrottler(accounts, bus, tcfg, nil)
	require.NoError(t, err)

	rig := &testRig{
		accounts:   accounts,
		bus:        bus,
		throttler:  throttler,
		state:      &fakeState{},
		visibility: &fakeVisibility{},
		prompter:   &fakePrompter{},
		sessions:   &fakeSessions{},
		registry:   player.NewRegistry(),
	}

	rig.service, err = NewService(ServiceDeps{
		Accounts:   accounts,
		Hasher:     plainHasher{},
		Throttler:  throttler,
		Sessions:   rig.sessions,
		Registry:   rig.registry,
		Bus:        bus,
		State:      rig.state,
		Visibility: rig.visibility,
		Prompter:   rig.prompter,
		Policy:     account.LengthPolicy{Min: 4},
		Logger:     nil,
	}, cfg)
	require.NoError(t, err)
	return rig
}
