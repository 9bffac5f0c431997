// Package breaker implements Circuit Breakers & Posture (spec §4.K): a
// NORMAL -> DEFENSIVE -> HALTED state machine, monotone except manual
// reset. Grounded on infra/breakers/breakers.go's sony/gobreaker wrapper;
// gobreaker itself is a binary open/closed primitive, so this package
// layers the spec's three-state posture and hysteresis-window reset rule
// beside it. Every posture edge comes from plain threshold comparisons
// and the clearSince clock; one gobreaker instance is fed the halt
// trigger on each evaluation, but its state is not read when deciding
// posture or reset eligibility.
package breaker

import (
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/metrics"
)

// Thresholds are the named constants from spec §4.K.
type Thresholds struct {
	DefensiveDD      float64
	HaltDD           float64
	DefensiveTruth   int
	HaltTruth        int
	DefensiveQuality float64
	DefensiveTail    float64
	DailyLimit       float64
	HysteresisWindow time.Duration
}

// Inputs are the live signals the posture machine evaluates on every
// tick (spec §4.K transitions).
type Inputs struct {
	DrawdownPct  float64
	Truth        int
	VenueQuality float64
	TailRisk     float64
	DailyLoss    float64
	OperatorHalt bool
}

// Posture is the breaker/posture aggregator. Both DEFENSIVE and HALTED
// are threshold latches sharing one hysteresis clock (clearSince); the
// gobreaker CircuitBreaker only records the halt trigger.
type Posture struct {
	mu       sync.Mutex
	th       Thresholds
	cb       *gobreaker.CircuitBreaker
	current  domain.Posture
	clearSince time.Time // when the triggering condition for the current non-NORMAL posture first cleared
}

func New(th Thresholds) *Posture {
	settings := gobreaker.Settings{
		Name:        "titan-halt",
		MaxRequests: 1,
		Interval:    0, // counts never reset automatically; only Evaluate drives state
		Timeout:     th.HysteresisWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
	p := &Posture{th: th, current: domain.Normal}
	p.cb = gobreaker.NewCircuitBreaker(settings)
	return p
}

// Evaluate folds the latest inputs into the posture machine and returns
// the resulting posture. It is idempotent to call repeatedly with the
// same inputs.
func (p *Posture) Evaluate(in Inputs, now time.Time) domain.Posture {
	p.mu.Lock()
	defer p.mu.Unlock()

	haltTrigger := in.DrawdownPct > p.th.HaltDD || in.Truth < p.th.HaltTruth || in.DailyLoss > p.th.DailyLimit || in.OperatorHalt
	defensiveTrigger := in.DrawdownPct > p.th.DefensiveDD || in.Truth < p.th.DefensiveTruth ||
		in.VenueQuality < p.th.DefensiveQuality || in.TailRisk > p.th.DefensiveTail

	// Report the halt trigger to gobreaker. Its state is not consulted
	// below: HALTED is entered from haltTrigger and left only via
	// ArmReset, whose eligibility comes from clearSince.
	if haltTrigger {
		p.cb.Execute(func() (any, error) { return nil, errFailure })
	} else {
		p.cb.Execute(func() (any, error) { return nil, nil })
	}

	switch p.current {
	case domain.Normal:
		if haltTrigger {
			p.current = domain.Halted
		} else if defensiveTrigger {
			p.current = domain.Defensive
		}
	case domain.Defensive:
		if haltTrigger {
			p.current = domain.Halted
		} else if !defensiveTrigger {
			if p.clearSince.IsZero() {
				p.clearSince = now
			}
			// DEFENSIVE has no spec-mandated auto-recovery to NORMAL;
			// only operator ARM resets posture (spec §4.K). Starting
			// clearSince here lets ArmReset apply hysteresis_window to
			// DEFENSIVE as it does to HALTED.
		} else {
			p.clearSince = time.Time{}
		}
	case domain.Halted:
		if !haltTrigger {
			if p.clearSince.IsZero() {
				p.clearSince = now
			}
		} else {
			p.clearSince = time.Time{}
		}
		// Only ArmReset (operator ARM) moves out of HALTED.
	}

	metrics.Posture.Set(float64(p.current))
	return p.current
}

// ArmReset implements "Reset to NORMAL only on operator ARM after the
// triggering condition has cleared for hysteresis_window" (spec §4.K).
// It returns false (no-op) if the clearing window hasn't elapsed.
func (p *Posture) ArmReset(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == domain.Normal {
		return true
	}
	if p.clearSince.IsZero() {
		return false
	}
	if now.Sub(p.clearSince) < p.th.HysteresisWindow {
		return false
	}
	p.current = domain.Normal
	p.clearSince = time.Time{}
	metrics.Posture.Set(float64(p.current))
	return true
}

// Current returns the current posture without evaluating new inputs.
func (p *Posture) Current() domain.Posture {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// SetThresholds swaps the active threshold set, used by
// APPLY_PRESET (spec §4.J) to load a named bundle of breaker limits.
func (p *Posture) SetThresholds(th Thresholds) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.th = th
}

// Thresholds returns the currently active threshold set.
func (p *Posture) Thresholds() Thresholds {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.th
}

var errFailure = &breakerSignal{}

type breakerSignal struct{}

func (*breakerSignal) Error() string { return "halt condition active" }
