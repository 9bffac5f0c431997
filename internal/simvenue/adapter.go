// Package simvenue is the in-repo Simulated Venue Adapter (spec §2
// component Q): a reference implementation of dispatcher.Adapter used
// by dispatcher/reconciliation tests since real exchange adapters are
// out of scope (spec §1 Non-goals). Grounded on
// src/infrastructure/datafacade/adapters/kraken_adapter.go's adapter
// shape (symbol mapping, rate limiter/circuit breaker composition,
// websocket fill stream) adapted from a market-data adapter to an
// order-placement adapter.
package simvenue

import (
	"context"
	"sync"
	"time"

	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
)

// BookSource supplies a best-effort top-of-book price for a symbol,
// used to compute deterministic simulated slippage.
type BookSource func(symbol string) (bid, ask float64, ok bool)

// Adapter is a deterministic, in-process fill simulator satisfying
// dispatcher.Adapter.
type Adapter struct {
	venue      string
	slippageBp float64
	book       BookSource

	mu        sync.Mutex
	filled    map[string]dispatcher.Ack // idempotency: intent_id -> Ack
	positions map[string]*domain.Position

	fillHub *Hub
}

func NewAdapter(venue string, slippageBp float64, book BookSource) *Adapter {
	return &Adapter{
		venue:      venue,
		slippageBp: slippageBp,
		book:       book,
		filled:     make(map[string]dispatcher.Ack),
		positions:  make(map[string]*domain.Position),
		fillHub:    NewHub(),
	}
}

// PlaceOrder simulates an immediate full fill at the book midpoint when
// the BookSource reports one (else at the plan price), adjusted by
// slippageBp in the adverse direction, and is idempotent:
// replaying the same intent_id returns the original Ack without a
// second simulated fill (spec §2: "idempotent-by-intent_id").
func (a *Adapter) PlaceOrder(ctx context.Context, intentID string, plan domain.ExecutionPlan) (dispatcher.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ack, ok := a.filled[intentID]; ok {
		return ack, nil
	}

	price := plan.Price
	if bid, ask, ok := a.book(""); ok && bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}
	adverse := price * a.slippageBp / 10000
	fillPrice := price + adverse

	ack := dispatcher.Ack{
		Venue:      a.venue,
		OrderID:    "sim-" + intentID,
		Price:      fillPrice,
		Filled:     true,
		FilledSize: plan.Size,
		Complete:   true,
	}
	a.filled[intentID] = ack
	a.fillHub.Broadcast(ack)
	return ack, nil
}

// Cancel has nothing in flight to cancel, since the simulator fills
// synchronously within PlaceOrder: it returns a Terminal error for an
// intent that was already filled and nil otherwise.
func (a *Adapter) Cancel(ctx context.Context, intentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.filled[intentID]; ok {
		return errs.New(errs.KindTerminal, "order already filled, cannot cancel")
	}
	return nil
}

// GetPositions returns the adapter's own bookkeeping view, independent
// of Shadow State, used by reconciliation tests to inject disagreement.
func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	return out, nil
}

// SubscribeFills registers handler on the adapter's fill hub and blocks
// until ctx is canceled (spec §4.G capability set: "subscribe_fills").
func (a *Adapter) SubscribeFills(ctx context.Context, handler func(dispatcher.Ack)) error {
	unsubscribe := a.fillHub.Subscribe(handler)
	defer unsubscribe()
	<-ctx.Done()
	return ctx.Err()
}

// FillFeedHandler exposes the adapter's fill hub as an http.Handler for
// external websocket subscribers (ops tooling, integration tests).
func (a *Adapter) FillFeedHandler() *Hub { return a.fillHub }

// InjectPosition seeds the adapter's independent position bookkeeping,
// used by reconciliation tests to simulate real-world drift from Shadow
// State.
func (a *Adapter) InjectPosition(symbol string, netSize, avgPrice float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions[symbol] = &domain.Position{
		Venue: a.venue, Symbol: symbol, NetSize: netSize, AvgEntryPrice: avgPrice, UpdatedAt: time.Now(),
	}
}
