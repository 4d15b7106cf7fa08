// internal/events/bus_test.go
package events

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	defer bus.Shutdown(context.Background())

	got := make(chan Event, 1)
	bus.SubscribeFunc(PositionOpened, func(_ context.Context, e Event) error {
		got <- e
		return nil
	})

	ev := NewPositionOpened("alpha", "BTC",
		decimal.RequireFromString("0.001"),
		decimal.RequireFromString("109250.5"),
		5,
		decimal.RequireFromString("546.25"),
		"momentum")
	require.NoError(t, bus.Publish(ev))

	select {
	case e := <-got:
		opened, ok := e.(PositionOpenedEvent)
		require.True(t, ok)
		require.Equal(t, "alpha", opened.AgentKind)
		require.Equal(t, "BTC", opened.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 16)
	defer bus.Shutdown(context.Background())

	var calls int
	sub := bus.SubscribeFunc(PositionClosed, func(_ context.Context, _ Event) error {
		calls++
		return nil
	})
	sub.Unsubscribe()

	ev := NewPositionClosed("alpha", "BTC", decimal.Zero, decimal.Zero, "test")
	require.NoError(t, bus.PublishSync(context.Background(), ev))
	require.Zero(t, calls)
}

func TestBusPublishAfterShutdown(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 1)
	require.NoError(t, bus.Shutdown(context.Background()))

	err := bus.Publish(NewCycleFailed("alpha", nil))
	require.Error(t, err)
}
