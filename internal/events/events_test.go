package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4, BrokerHandshake)
	defer cancel()

	bus.Publish(BrokerHeartbeat, "broker", nil)
	bus.Publish(BrokerHandshake, "broker", map[string]any{"namespace": "booking"})

	select {
	case ev := <-ch:
		assert.Equal(t, BrokerHandshake, ev.Type)
		assert.Equal(t, "booking", ev.Get("namespace"))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, ch, 0)
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(NodeCall, "n1", nil)
	}
	assert.Len(t, ch, 1)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	bus.Publish(NodeReady, "n1", nil)
}
