// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishOrder(t *testing.T) {
	bus := NewBus()
	var order []int

	bus.Subscribe("authenticated", func(Event) { order = append(order, 1) })
	bus.Subscribe("authenticated", func(Event) { order = append(order, 2) })

	bus.Publish(&Authenticated{})

	assert.Equal(t, []int{1, 2}, order)
}

func TestBusPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(&Deauthenticated{Explicit: true})
	})
}

func TestBusDispatchByName(t *testing.T) {
	bus := NewBus()
	var got Event

	bus.Subscribe("registered", func(ev Event) { got = ev })
	bus.Subscribe("unregistered", func(Event) { t.Fatal("wrong handler invoked") })

	bus.Publish(&Registered{PlayerName: "alice"})

	require.NotNil(t, got)
	reg, ok := got.(*Registered)
	require.True(t, ok)
	assert.Equal(t, "alice", reg.PlayerName)
}

func TestCancellableVerdict(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("pre_authenticate", func(ev Event) {
		pre := ev.(*PreAuthenticate)
		pre.KickMessage = "maintenance window"
		pre.Cancel()
	})

	ev := &PreAuthenticate{}
	bus.Publish(ev)

	assert.True(t, ev.Cancelled())
	assert.Equal(t, "maintenance window", ev.KickMessage)
}

func TestCancellationDefaultsFalse(t *testing.T) {
	ev := &AuthenticationFailed{Attempts: 3}
	assert.False(t, ev.Cancelled())
	ev.Cancel()
	assert.True(t, ev.Cancelled())
}
