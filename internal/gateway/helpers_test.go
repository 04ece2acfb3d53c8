// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package gateway

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/authgate/authgate/internal/account"
	"github.com/authgate/authgate/internal/auth"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/flow"
	"github.com/authgate/authgate/internal/player"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory account.Store for gateway tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[string]*account.Account)}
}

func (m *memStore) add(acct *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[player.Key(acct.Name)] = &cp
}

func (m *memStore) get(name string) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[player.Key(name)]; ok {
		cp := *acct
		return &cp
	}
	return nil
}

func (m *memStore) Find(_ context.Context, name string) (*account.Account, error) {
	if acct := m.get(name); acct != nil {
		return acct, nil
	}
	return nil, account.ErrNotFound
}

func (m *memStore) Exists(_ context.Context, name string) (bool, error) {
	return m.get(name) != nil, nil
}

func (m *memStore) Create(_ context.Context, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[player.Key(acct.Name)] = &cp
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, name, passwordHash string) error {
	return m.update(name, func(a *account.Account) { a.PasswordHash = passwordHash })
}

func (m *memStore) UpdateIP(_ context.Context, name, ip string) error {
	return m.update(name, func(a *account.Account) {
		a.IP = ip
		a.LastLoginAt = time.Now()
	})
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := player.Key(name)
	if _, ok := m.accounts[key]; !ok {
		return account.ErrNotFound
	}
	delete(m.accounts, key)
	return nil
}

func (m *memStore) SetLocked(_ context.Context, name string, locked bool) error {
	return m.update(name, func(a *account.Account) { a.Locked = locked })
}

func (m *memStore) SetBlockedUntil(_ context.Context, name string, until time.Time) error {
	return m.update(name, func(a *account.Account) { a.BlockedUntil = until })
}

func (m *memStore) SetMustChangePassword(_ context.Context, name string, must bool) error {
	return m.update(name, func(a *account.Account) { a.MustChangePassword = must })
}

func (m *memStore) CountByIP(_ context.Context, ip string) (int, error) {
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

func (m *memStore) CountAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

func (m *memStore) update(name string, fn func(*account.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[player.Key(name)]
	if !ok {
		return account.ErrNotFound
	}
	fn(acct)
	return nil
}

var _ account.Store = (*memStore)(nil)

// testHasher keeps gateway tests fast; hashing is covered in the
// account package.
type testHasher struct{}

func (testHasher) Hash(password string) (string, error) { return "h$" + password, nil }
func (testHasher) Verify(password, hash string) (bool, error) {
	return hash == "h$"+password, nil
}
func (testHasher) NeedsRehash(string) bool { return false }

type gwRig struct {
	accounts *memStore
	auth     *auth.Service
	registry *player.Registry
	addr     string
}

// startGateway wires a full stack on a loopback listener.
func startGateway(t *testing.T) *gwRig {
	t.Helper()

	accounts := newMemStore()
	bus := events.NewBus()
	registry := player.NewRegistry()
	adapter := NewAdapter(nil)
	policy := account.LengthPolicy{Min: 4}

	throttler, err := auth.NewThrottler(accounts, bus, auth.ThrottlerConfig{
		Enabled:       true,
		MaxAttempts:   5,
		BlockDuration: time.Minute,
	}, nil)
	require.NoError(t, err)

	authSvc, err := auth.NewService(auth.ServiceDeps{
		Accounts:   accounts,
		Hasher:     testHasher{},
		Throttler:  throttler,
		Registry:   registry,
		Bus:        bus,
		State:      adapter,
		Visibility: adapter,
		Prompter:   adapter,
		Policy:     policy,
	}, auth.Config{PromptForcedChangeOnline: true})
	require.NoError(t, err)

	regSvc, err := auth.NewRegistrationService(
		accounts, testHasher{}, policy, authSvc, nil, registry, bus,
		auth.RegistrationConfig{MaxAccountsPerIP: 10, ConfirmWindow: time.Minute}, nil,
	)
	require.NoError(t, err)

	mgr, err := flow.NewManager(accounts, authSvc, adapter, adapter, bus,
		flow.Config{Order: []string{flow.PasswordLoginStepID, flow.RegistrationStepID}}, nil)
	require.NoError(t, err)
	mgr.RegisterStep(flow.NewPasswordLoginStep(mgr, accounts, authSvc, adapter, adapter, nil))
	mgr.RegisterStep(flow.NewRegistrationStep(mgr, accounts, authSvc, adapter, nil))

	srv, err := NewServer("127.0.0.1:0", Deps{
		Flow:         mgr,
		Auth:         authSvc,
		Registration: regSvc,
		Registry:     registry,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if runErr := srv.Run(ctx); runErr != nil {
			t.Errorf("gateway run: %v", runErr)
		}
	}()

	require.Eventually(t, func() bool { return srv.Addr() != "" },
		time.Second, 10*time.Millisecond)

	return &gwRig{accounts: accounts, auth: authSvc, registry: registry, addr: srv.Addr()}
}

type client struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// expect reads lines until one contains substr, failing on EOF or
// timeout.
func (c *client) expect(substr string) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if strings.Contains(line, substr) {
			return line
		}
	}
	c.t.Fatalf("did not receive %q: %v", substr, c.scanner.Err())
	return ""
}

// expectClosed drains the connection until EOF.
func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for c.scanner.Scan() {
	}
	require.NoError(c.t, c.scanner.Err())
}
