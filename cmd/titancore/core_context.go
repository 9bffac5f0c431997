package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/foundryfi/titan-core/internal/allocator"
	"github.com/foundryfi/titan-core/internal/breaker"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/gates"
	"github.com/foundryfi/titan-core/internal/operator"
	"github.com/foundryfi/titan-core/internal/reconcile"
	"github.com/foundryfi/titan-core/internal/shadow"
	"github.com/foundryfi/titan-core/internal/spine"
)

// coreContext implements lifecycle.ContextProvider, reading the live
// ARM/posture/Truth/budget signals the gate chain needs at PREPARE time.
type coreContext struct {
	posture            *breaker.Posture
	truth              *reconcile.Engine
	budgets            *allocator.Allocator
	armedFn            func() bool
	minTruthForNewRisk int
}

// GateContext assembles gates.Context for intent (spec §4.E). L2 and
// venue quality are not sourced from a market-data feed (out of scope:
// producers deliver priced entry zones over the fast-path transport,
// not raw order books), so this reference wiring synthesizes a
// conservative book around the intent's own entry zone and keeps a
// static per-venue quality scoreboard.
func (c *coreContext) GateContext(intent domain.Intent) gates.Context {
	now := time.Now()
	return gates.Context{
		Armed:              c.armedFn(),
		Posture:            c.posture.Current(),
		TruthScore:         c.truth.Score(now),
		Budget:             c.budgetFor(intent.Source),
		OrdersThisMinute:   0,
		L2:                 syntheticL2(intent),
		VenueQuality:       domain.VenueQuality{Venue: "sim", Score: 1, SlippageBps: 1, AckLatencyMs: 25},
		MinTruthForNewRisk: c.minTruthForNewRisk,
		Now:                now,
	}
}

// budgetFor returns the allocator's most recent budget for phase, or a
// permissive default before the allocator's first tick has landed.
func (c *coreContext) budgetFor(phase string) domain.Budget {
	if b, ok := c.budgets.Latest(phase); ok {
		return b
	}
	if b, ok := c.budgets.Latest("default"); ok {
		return b
	}
	return domain.Budget{Phase: phase, State: domain.BudgetActive, AllocatedEquity: 100000, Regime: string(allocator.Stable), IssuedAt: time.Now()}
}

// syntheticL2 derives a usable book from the intent's own entry zone,
// with depth generously sized so the reference simulated venue never
// itself becomes the liquidity bottleneck in a demo/test run.
func syntheticL2(intent domain.Intent) domain.L2Snapshot {
	mid := (intent.EntryZone.Low + intent.EntryZone.High) / 2
	if mid <= 0 {
		mid = intent.StopLoss
	}
	return domain.L2Snapshot{
		Symbol:   intent.Symbol,
		Venue:    "sim",
		BestBid:  intent.EntryZone.Low,
		BestAsk:  intent.EntryZone.High,
		DepthUSD: intent.RequestedSize * 50,
		AsOf:     time.Now().UnixMilli(),
	}
}

// buildExecutionPlan implements lifecycle.PlanBuilder: a market order
// at the entry zone midpoint against the simulated venue, the only
// adapter this reference wiring registers.
func buildExecutionPlan(intent domain.Intent, adjustedSize float64, snap shadow.Snapshot) domain.ExecutionPlan {
	mid := (intent.EntryZone.Low + intent.EntryZone.High) / 2
	if mid <= 0 {
		mid = intent.StopLoss
	}
	return domain.ExecutionPlan{
		Price:     mid,
		Size:      adjustedSize,
		OrderType: "market",
		Venue:     "sim",
	}
}

// signalBoard supplies the allocator's per-phase equity/regime signals,
// standing in for the richer regime/equity feeds spec §4.I names (PnL
// ledger, regime detector) which live outside this repository's scope.
type signalBoard struct {
	mu     sync.Mutex
	phases []string
}

func newSignalBoard() *signalBoard {
	return &signalBoard{phases: []string{"default"}}
}

// snapshot is the allocator.SignalSource this board feeds; a real
// deployment would read live equity/regime/Sharpe figures here.
func (b *signalBoard) snapshot() []allocator.Signals {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]allocator.Signals, 0, len(b.phases))
	for _, phase := range b.phases {
		out = append(out, allocator.Signals{
			Phase:          phase,
			Equity:         100000,
			Regime:         allocator.Stable,
			Truth:          100,
			TailRiskAlpha:  0,
			SharpeRatio30D: 1.5,
		})
	}
	return out
}

// postureSweep periodically feeds the breaker.Posture state machine
// from the Truth Engine's score and publishes posture transitions onto
// the event spine (spec §6: "titan.evt.risk.posture.v1").
func postureSweep(ctx context.Context, posture *breaker.Posture, truth *reconcile.Engine, sp *spine.Spine) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := posture.Current()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := posture.Evaluate(breaker.Inputs{
				Truth:        truth.Score(time.Now()),
				VenueQuality: 1,
			}, time.Now())
			if now != last {
				last = now
				payload, _ := json.Marshal(map[string]string{"posture": now.String()})
				_, _ = sp.Publish("titan.evt.risk.posture.v1", nil, payload)
			}
		}
	}
}

// buildPresetLookup returns the named breaker.Thresholds bundles
// APPLY_PRESET can select (spec §4.J). "default" restores the
// configured baseline; "conservative" halves the drawdown thresholds and
// raises the venue-quality floor by half (capped at 1) for a risk-off
// posture change without a restart.
func buildPresetLookup(base breaker.Thresholds) operator.PresetLookup {
	conservative := base
	conservative.DefensiveDD /= 2
	conservative.HaltDD /= 2
	conservative.DefensiveQuality = minFloat(1, base.DefensiveQuality*1.5)

	presets := map[string]breaker.Thresholds{
		"default":      base,
		"conservative": conservative,
	}
	return func(name string) (breaker.Thresholds, bool) {
		th, ok := presets[name]
		return th, ok
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
