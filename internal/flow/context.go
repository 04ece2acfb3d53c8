// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package flow orchestrates the ordered authentication steps a player
// walks through between connecting and becoming authenticated.
package flow

import (
	"sync"
	"time"

	"github.com/authgate/authgate/internal/player"
)

// Status records how a player left a step.
type Status int

const (
	StatusCompleted Status = iota
	StatusSkipped
)

// String names the status for logs.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Context is the per-player state of one flow run. Steps read and
// write it while the flow progresses; it is discarded on finalize or
// abort.
type Context struct {
	mu        sync.Mutex
	loginType player.LoginType
	statuses  map[string]Status
	startedAt time.Time
}

// NewContext creates the context for a fresh flow run.
func NewContext() *Context {
	return &Context{
		loginType: player.LoginUnknown,
		statuses:  make(map[string]Status),
		startedAt: time.Now(),
	}
}

// SetLoginType records how the player is authenticating. Steps set it
// before completing themselves; the gateway sets it on credential
// submission.
func (c *Context) SetLoginType(lt player.LoginType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginType = lt
}

// LoginType returns the recorded login type, LoginUnknown until a step
// decides.
func (c *Context) LoginType() player.LoginType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginType
}

// Status returns the recorded outcome of a step, if any.
func (c *Context) Status(stepID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[stepID]
	return s, ok
}

// setStatus records a step outcome, last write wins. It reports the
// previous status when one was already recorded.
func (c *Context) setStatus(stepID string, s Status) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, replaced := c.statuses[stepID]
	c.statuses[stepID] = s
	return prev, replaced
}
