// Package reconcile implements the Reconciliation / Truth Engine
// (spec §4.H): matches fills to intents, tracks shadow vs. observed
// positions, computes drift and the Truth Score, and appends ledger
// postings.
package reconcile

import (
	"math"
	"sync"
	"time"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/metrics"
)

// Weights is the tunable vector spec §9 leaves open ("the weighting
// vector is a tunable that must be elicited from historical trade
// data"). DefaultWeights ships a fixed, unequal default rather than
// leave the engine unusable pending that data.
type Weights struct {
	PositionAgreement       float64
	LifecycleCompleteness   float64
	AckLatency              float64
	ReconciliationMismatch  float64
	Staleness               float64
}

// DefaultWeights sums to 1.0 across the five inputs named in spec §4.H.
func DefaultWeights() Weights {
	return Weights{
		PositionAgreement:      0.35,
		LifecycleCompleteness:  0.2,
		AckLatency:             0.15,
		ReconciliationMismatch: 0.2,
		Staleness:              0.1,
	}
}

// observedPosition is the sum of reconciled fills, independent of the
// Shadow Position the lifecycle engine maintains from confirmed intents.
type observedPosition struct {
	NetSize float64
	UpdatedAt time.Time
}

// inputs tracks the raw counters the Truth Score folds together.
type inputs struct {
	lifecycleCompletions int64
	lifecycleTotal       int64
	ackLatenciesMs       []float64
	mismatches           int64
	reconciliations      int64
	lastFillAt           time.Time
}

// Engine is the reconciliation actor. Mutex-guarded rather than a
// channel actor: its O(1)-bounded work per update matches the ledger's
// "locks ... held for O(1) bounded work" allowance (spec §5).
type Engine struct {
	mu        sync.Mutex
	weights   Weights
	observed  map[domain.VenueSymbol]*observedPosition
	in        inputs
	staleAfter time.Duration
	driftThreshold float64
	score     int
	ledger    *Ledger
}

func New(weights Weights, driftThreshold float64, staleAfter time.Duration) *Engine {
	return &Engine{
		weights:        weights,
		observed:       make(map[domain.VenueSymbol]*observedPosition),
		staleAfter:     staleAfter,
		driftThreshold: driftThreshold,
		score:          100,
		ledger:         NewLedger(),
	}
}

// RecordFill folds a reconciled fill into the observed-position map and
// posts a normalized ledger entry (spec §4.H: "every fill produces a
// normalized ledger posting").
func (e *Engine) RecordFill(posting Posting, size float64, ackLatency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := domain.VenueSymbol{Venue: posting.Venue, Symbol: posting.Instrument}
	obs, ok := e.observed[key]
	if !ok {
		obs = &observedPosition{}
		e.observed[key] = obs
	}
	obs.NetSize += size
	obs.UpdatedAt = time.Now()

	e.in.lastFillAt = obs.UpdatedAt
	e.in.reconciliations++
	e.in.ackLatenciesMs = append(e.in.ackLatenciesMs, float64(ackLatency.Milliseconds()))
	if len(e.in.ackLatenciesMs) > 200 {
		e.in.ackLatenciesMs = e.in.ackLatenciesMs[len(e.in.ackLatenciesMs)-200:]
	}

	e.ledger.Append(posting)
}

// RecordLifecycleOutcome counts one intent's life toward completeness:
// complete=true when it reached a well-formed terminal state
// (Filled/Rejected/Aborted), false when it ends Expired or stuck
// ack_pending (spec §4.H "order-lifecycle completeness").
func (e *Engine) RecordLifecycleOutcome(complete bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.in.lifecycleTotal++
	if complete {
		e.in.lifecycleCompletions++
	}
}

// RecordMismatch counts a reconciliation anomaly (spec §7: "sustained
// drift triggers posture degradation").
func (e *Engine) RecordMismatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.in.mismatches++
}

// Drift computes |shadow - observed| / max(|observed|, eps) for one
// (venue, symbol) pair (spec §4.H).
func (e *Engine) Drift(key domain.VenueSymbol, shadowNetSize float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	obs, ok := e.observed[key]
	observedSize := 0.0
	if ok {
		observedSize = obs.NetSize
	}
	const eps = 1e-9
	denom := math.Abs(observedSize)
	if denom < eps {
		denom = eps
	}
	return math.Abs(shadowNetSize-observedSize) / denom
}

// IsDrifting reports whether Drift exceeds the configured threshold.
func (e *Engine) IsDrifting(key domain.VenueSymbol, shadowNetSize float64) bool {
	return e.Drift(key, shadowNetSize) > e.driftThreshold
}

// Score recomputes and returns the Truth Score in [0,100]. It is
// monotonically non-increasing while no new fills arrive for
// staleAfter (spec §8: "Truth monotonicity under stall").
func (e *Engine) Score(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreLocked(now)
}

func (e *Engine) scoreLocked(now time.Time) int {
	positionAgreement := e.positionAgreementLocked()
	lifecycle := ratio(e.in.lifecycleCompletions, e.in.lifecycleTotal, 1.0)
	ackLatency := ackLatencyScore(e.in.ackLatenciesMs)
	mismatch := 1.0 - ratio(e.in.mismatches, max64(e.in.reconciliations, 1), 0.0)
	staleness := 1.0
	if !e.in.lastFillAt.IsZero() && now.Sub(e.in.lastFillAt) > e.staleAfter {
		staleness = 0.5
	}

	w := e.weights
	raw := w.PositionAgreement*positionAgreement +
		w.LifecycleCompleteness*lifecycle +
		w.AckLatency*ackLatency +
		w.ReconciliationMismatch*mismatch +
		w.Staleness*staleness

	newScore := int(math.Round(raw * 100))
	if newScore > 100 {
		newScore = 100
	}
	if newScore < 0 {
		newScore = 0
	}

	// Monotonicity under stall: a fresh-fill score may rise, but while
	// stale, the score never increases (spec §8).
	if staleness < 1.0 && newScore > e.score {
		newScore = e.score
	}

	e.score = newScore
	metrics.TruthScore.Set(float64(e.score))
	return e.score
}

func (e *Engine) positionAgreementLocked() float64 {
	if len(e.observed) == 0 {
		return 1.0
	}
	// With no independently-tracked shadow side in this package (the
	// lifecycle engine owns that table), treat the absence of any
	// recorded mismatch as full agreement; once a caller reports an
	// out-of-tolerance drift via RecordMismatch, agreement is the share
	// of reconciliations without a mismatch.
	if e.in.mismatches == 0 {
		return 1.0
	}
	return ratio(e.in.reconciliations-e.in.mismatches, max64(e.in.reconciliations, 1), 1.0)
}

func ratio(num, den int64, def float64) float64 {
	if den == 0 {
		return def
	}
	return float64(num) / float64(den)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func ackLatencyScore(samples []float64) float64 {
	if len(samples) == 0 {
		return 1.0
	}
	p50 := percentile(samples, 0.5)
	// 0ms -> 1.0, 2000ms -> 0.0, linear in between, clamped.
	score := 1.0 - p50/2000.0
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func percentile(samples []float64, p float64) float64 {
	sorted := append([]float64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Ledger returns the underlying append-only ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }
