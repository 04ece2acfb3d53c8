// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package events

import (
	"log/slog"
	"sync"
)

// Handler receives a published event. Handlers run synchronously on
// the publisher's goroutine and must not publish re-entrantly to the
// same bus.
type Handler func(Event)

// Publisher is the write side of the bus, accepted by services that
// only publish.
type Publisher interface {
	Publish(Event)
}

// Bus is a synchronous publish/subscribe dispatcher keyed by event
// name. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// Publish invokes every handler registered for the event's name, in
// subscription order. When Publish returns, cancellable events carry
// their final verdict.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Name()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("event published with no subscribers", "event", ev.Name())
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

var _ Publisher = (*Bus)(nil)
