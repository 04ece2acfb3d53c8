// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package player

import (
	"log/slog"
	"sync"
	"time"
)

// Registry tracks live connections keyed by case-folded player name.
// It has an explicit lifetime: connections are added on connect and
// must be removed on disconnect. Admin and session-termination paths
// use it to find a live target by name.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

type entry struct {
	conn        Conn
	connectedAt time.Time
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
	}
}

// Add registers a connection under its player name. A reconnect under
// the same name replaces the previous entry; the old connection is the
// transport's problem to close.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(conn.Name())
	if _, exists := r.conns[key]; exists {
		slog.Debug("registry replacing existing connection", "player", key)
	}
	r.conns[key] = &entry{conn: conn, connectedAt: time.Now()}
}

// Remove drops the registry entry for a name, but only if it still
// points at the given connection. Protects a fresh reconnect from
// being torn down by the old connection's deferred cleanup.
func (r *Registry) Remove(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(conn.Name())
	cur, exists := r.conns[key]
	if !exists {
		slog.Debug("registry remove for unknown connection", "player", key)
		return
	}
	if cur.conn == conn {
		delete(r.conns, key)
	}
}

// Find returns the live connection for a player name, or nil.
func (r *Registry) Find(name string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, exists := r.conns[Key(name)]; exists {
		return e.conn
	}
	return nil
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns the registered connections in unspecified order.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		result = append(result, e.conn)
	}
	return result
}
