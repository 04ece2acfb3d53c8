// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package gateway provides the line-based TCP adapter players connect
// through.
package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/authgate/authgate/internal/player"
)

// connection adapts one TCP client to player.Conn. The display name
// and device fingerprint come from the hello handshake.
type connection struct {
	id     ulid.ULID
	conn   net.Conn
	logger *slog.Logger

	name   string
	device string

	mu         sync.Mutex
	closed     bool
	restricted bool
}

func newConnection(conn net.Conn, logger *slog.Logger) *connection {
	return &connection{
		id:     ulid.Make(),
		conn:   conn,
		logger: logger,
	}
}

// Name returns the display name announced in the handshake.
func (c *connection) Name() string { return c.name }

// IP returns the client address without the port.
func (c *connection) IP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// DeviceID returns the fingerprint from the handshake, empty when the
// client sent none.
func (c *connection) DeviceID() string { return c.device }

// Send writes one line to the client. Write errors are logged, not
// surfaced; the read loop notices a dead connection on its own.
func (c *connection) Send(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, err := fmt.Fprintln(c.conn, msg); err != nil {
		c.logger.Debug("failed to send to client",
			"conn_id", c.id.String(), "error", err)
	}
}

// Disconnect sends the reason and closes the connection.
func (c *connection) Disconnect(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if reason != "" {
		if _, err := fmt.Fprintln(c.conn, reason); err != nil {
			c.logger.Debug("failed to send disconnect reason",
				"conn_id", c.id.String(), "error", err)
		}
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing connection",
			"conn_id", c.id.String(), "error", err)
	}
}

// Connected reports whether the connection is still open.
func (c *connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *connection) setRestricted(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restricted = v
}

func (c *connection) isRestricted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restricted
}

// markClosed flags the connection closed without writing, used when
// the read loop hits EOF.
func (c *connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

var _ player.Conn = (*connection)(nil)
