// Package allocator implements the Budget Allocator (spec §4.I): a
// periodic tick that turns equity, regime, Truth Score and tail-risk
// signals into per-phase budgets published on the event spine. Grounded
// on internal/regime/detector.go's regime-classification shape and
// internal/config/guards.go's named-constant defaults pattern.
package allocator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/spine"
)

// Regime mirrors spec §4.I's three-way classification.
type Regime string

const (
	Stable   Regime = "Stable"
	Volatile Regime = "Volatile"
	Crash    Regime = "Crash"
)

// Thresholds carries the policy-level caps the allocator enforces while
// sizing a Volatile-regime budget.
type Thresholds struct {
	LeverageCapVolatile float64
}

// Signals are the allocator's per-tick inputs (spec §4.I: "current
// equity, regime signal, Truth Score, tail-risk signal, posture").
type Signals struct {
	Phase        string
	Equity       float64
	Regime       Regime
	Truth        int
	TailRiskAlpha float64
	Posture      domain.Posture
	SharpeRatio30D float64 // read-only input for Stable-regime sizing
}

// SignalSource supplies the latest Signals for every phase at tick time.
type SignalSource func() []Signals

// Allocator runs the periodic allocation tick and publishes budgets.
type Allocator struct {
	spine  *spine.Spine
	source SignalSource
	th     Thresholds
	period time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	latest map[string]domain.Budget
}

type Option func(*Allocator)

func WithPeriod(d time.Duration) Option   { return func(a *Allocator) { a.period = d } }
func WithLogger(l zerolog.Logger) Option  { return func(a *Allocator) { a.log = l } }

func New(sp *spine.Spine, source SignalSource, th Thresholds, opts ...Option) *Allocator {
	a := &Allocator{
		spine:  sp,
		source: source,
		th:     th,
		period: 5 * time.Second,
		log:    zerolog.Nop(),
		latest: make(map[string]domain.Budget),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run ticks every allocator_period until ctx is canceled (spec §4.I:
// "runs on a periodic tick").
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()
	a.tick()
	for {
		select {
		case <-ticker.C:
			a.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Allocator) tick() {
	now := time.Now()
	for _, sig := range a.source() {
		budget := allocate(sig, a.th, now)
		a.mu.Lock()
		a.latest[sig.Phase] = budget
		a.mu.Unlock()
		a.publish(sig.Phase, budget)
	}
}

// allocate implements the three-regime sizing rule of spec §4.I.
func allocate(sig Signals, th Thresholds, now time.Time) domain.Budget {
	b := domain.Budget{Phase: sig.Phase, Regime: string(sig.Regime), IssuedAt: now}

	switch sig.Regime {
	case Crash:
		b.State = domain.BudgetCloseOnly
		b.AllocatedEquity = 0
	case Volatile:
		b.AllocatedEquity = sig.Equity / 2
		if th.LeverageCapVolatile > 0 {
			capEquity := sig.Equity * th.LeverageCapVolatile
			if b.AllocatedEquity > capEquity {
				b.AllocatedEquity = capEquity
			}
		}
		b.State = stateFor(sig)
	default: // Stable
		sharpe := sig.SharpeRatio30D
		if sharpe < 0 {
			sharpe = 0
		}
		// Proportional sizing: Sharpe of 2.0 maps to full equity, capped
		// at 100% — a read-only input, never itself gated here.
		frac := sharpe / 2.0
		if frac > 1 {
			frac = 1
		}
		b.AllocatedEquity = sig.Equity * frac
		b.State = stateFor(sig)
	}

	if sig.Posture == domain.Halted {
		b.State = domain.BudgetHalted
		b.AllocatedEquity = 0
	}

	return b
}

func stateFor(sig Signals) domain.BudgetState {
	switch sig.Posture {
	case domain.Halted:
		return domain.BudgetHalted
	case domain.Defensive:
		return domain.BudgetThrottled
	default:
		return domain.BudgetActive
	}
}

func (a *Allocator) publish(phase string, b domain.Budget) {
	payload, _ := json.Marshal(b)
	a.spine.Publish("titan.cmd.budget.v1."+phase, nil, payload)
}

// Latest returns the most recently issued budget for a phase, if any.
func (a *Allocator) Latest(phase string) (domain.Budget, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.latest[phase]
	return b, ok
}
