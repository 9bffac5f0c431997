// Package dispatcher implements the Venue Dispatcher (spec §4.G):
// venue selection, per-venue rate limiting and the adapter capability
// contract, grounded on internal/net/ratelimit/limiter.go's per-key
// token-bucket pattern (golang.org/x/time/rate) and
// internal/microstructure/venue_health.go's health-scoreboard idea.
package dispatcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/metrics"
)

// Ack is the adapter's response to a successful order placement.
type Ack struct {
	Venue       string
	OrderID     string
	Price       float64
	Filled      bool
	FilledSize  float64
	Complete    bool // true when the fill fully satisfies the plan size
}

// Adapter is the capability set every exchange adapter implements
// (spec §9: "capability set {place_order, cancel, get_positions,
// subscribe_fills}"). Real exchange adapters are out of scope (spec
// §1); this interface is the contract they and the in-repo simulated
// adapter (internal/simvenue) both satisfy.
type Adapter interface {
	PlaceOrder(ctx context.Context, intentID string, plan domain.ExecutionPlan) (Ack, error)
	Cancel(ctx context.Context, intentID string) error
	GetPositions(ctx context.Context) ([]domain.Position, error)
	SubscribeFills(ctx context.Context, handler func(Ack)) error
}

// Registry resolves a venue name to its adapter, grounded on spec §9:
// "Dispatcher holds a registry keyed by venue; no inheritance."
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	ordersPerSec float64
	burst        int
}

func NewRegistry(ordersPerSec float64, burst int) *Registry {
	return &Registry{
		adapters:     make(map[string]Adapter),
		limiters:     make(map[string]*rate.Limiter),
		ordersPerSec: ordersPerSec,
		burst:        burst,
	}
}

func (r *Registry) Register(venue string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[venue] = a
	r.limiters[venue] = rate.NewLimiter(rate.Limit(r.ordersPerSec), r.burst)
}

func (r *Registry) adapterFor(venue string) (Adapter, *rate.Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	if !ok {
		return nil, nil, errs.New(errs.KindVenueForbidden, "no adapter registered for venue "+venue)
	}
	return a, r.limiters[venue], nil
}

// Dispatch places an order on plan.Venue, falling back to
// plan.Fallback when the primary fails with a Retryable error, which
// includes the per-venue rate limit (spec §4.G: "Selects a primary and
// a fallback venue").
func (r *Registry) Dispatch(ctx context.Context, intentID string, plan domain.ExecutionPlan) (Ack, error) {
	ack, err := r.dispatchTo(ctx, plan.Venue, intentID, plan)
	if err == nil {
		return ack, nil
	}
	if plan.Fallback == "" || !errs.Is(err, errs.KindRetryable) {
		return ack, err
	}
	fallbackPlan := plan
	fallbackPlan.Venue = plan.Fallback
	return r.dispatchTo(ctx, plan.Fallback, intentID, fallbackPlan)
}

func (r *Registry) dispatchTo(ctx context.Context, venue, intentID string, plan domain.ExecutionPlan) (Ack, error) {
	adapter, limiter, err := r.adapterFor(venue)
	if err != nil {
		return Ack{}, err
	}
	if limiter != nil && !limiter.Allow() {
		return Ack{}, errs.Wrap(errs.KindRetryable, "per-venue rate limit exceeded", errs.New(errs.KindRateLimited, venue))
	}

	ack, err := adapter.PlaceOrder(ctx, intentID, plan)
	if err != nil {
		return ack, err
	}
	metrics.OrdersPlaced.WithLabelValues(venue).Inc()
	return ack, nil
}
