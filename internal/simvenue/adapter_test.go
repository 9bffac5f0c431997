package simvenue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
)

func noBook(string) (float64, float64, bool) { return 0, 0, false }

func TestPlaceOrderAppliesAdverseSlippage(t *testing.T) {
	a := NewAdapter("sim", 10, noBook) // 10bp
	ack, err := a.PlaceOrder(context.Background(), "intent-1", domain.ExecutionPlan{Price: 100, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 100.1, ack.Price)
	assert.True(t, ack.Complete)
}

func TestPlaceOrderIsIdempotentByIntentID(t *testing.T) {
	a := NewAdapter("sim", 10, noBook)
	first, err := a.PlaceOrder(context.Background(), "intent-1", domain.ExecutionPlan{Price: 100, Size: 1})
	require.NoError(t, err)

	second, err := a.PlaceOrder(context.Background(), "intent-1", domain.ExecutionPlan{Price: 200, Size: 5})
	require.NoError(t, err)
	assert.Equal(t, first, second, "replaying the same intent_id must not re-price the fill")
}

func TestPlaceOrderPrefersBookMidpointWhenAvailable(t *testing.T) {
	a := NewAdapter("sim", 0, func(string) (float64, float64, bool) { return 99, 101, true })
	ack, err := a.PlaceOrder(context.Background(), "intent-2", domain.ExecutionPlan{Price: 500, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 100.0, ack.Price)
}

func TestCancelRejectsAlreadyFilledOrder(t *testing.T) {
	a := NewAdapter("sim", 0, noBook)
	_, err := a.PlaceOrder(context.Background(), "intent-3", domain.ExecutionPlan{Price: 100, Size: 1})
	require.NoError(t, err)

	err = a.Cancel(context.Background(), "intent-3")
	assert.Error(t, err)
}

func TestCancelNoopsForUnknownOrder(t *testing.T) {
	a := NewAdapter("sim", 0, noBook)
	assert.NoError(t, a.Cancel(context.Background(), "never-placed"))
}

func TestInjectPositionSurfacesThroughGetPositions(t *testing.T) {
	a := NewAdapter("sim", 0, noBook)
	a.InjectPosition("BTC-USD", 1.5, 20000)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USD", positions[0].Symbol)
	assert.Equal(t, 1.5, positions[0].NetSize)
}

func TestSubscribeFillsDeliversToHandler(t *testing.T) {
	a := NewAdapter("sim", 0, noBook)
	received := make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.SubscribeFills(ctx, func(ack dispatcher.Ack) {
		received <- ack.OrderID
	})

	time.Sleep(10 * time.Millisecond)
	_, err := a.PlaceOrder(context.Background(), "intent-5", domain.ExecutionPlan{Price: 100, Size: 1})
	require.NoError(t, err)

	select {
	case orderID := <-received:
		assert.Equal(t, "sim-intent-5", orderID)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked with the broadcast fill")
	}
}
