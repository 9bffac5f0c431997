package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/spine"
)

func newTestSpine(t *testing.T) *spine.Spine {
	t.Helper()
	sp := spine.New("")
	require.NoError(t, sp.Declare(spine.StreamSpec{
		Name:     "budget",
		Subjects: []string{"titan.cmd.budget."},
	}))
	return sp
}

func TestAllocateStableRegimeScalesBySharpe(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Stable, SharpeRatio30D: 1.0}
	b := allocate(sig, Thresholds{}, time.Now())

	assert.Equal(t, 50000.0, b.AllocatedEquity) // sharpe 1.0 -> 50% of equity
	assert.Equal(t, domain.BudgetActive, b.State)
}

func TestAllocateStableRegimeCapsFractionAtOne(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Stable, SharpeRatio30D: 5.0}
	b := allocate(sig, Thresholds{}, time.Now())
	assert.Equal(t, 100000.0, b.AllocatedEquity)
}

func TestAllocateStableRegimeFloorsNegativeSharpe(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Stable, SharpeRatio30D: -2.0}
	b := allocate(sig, Thresholds{}, time.Now())
	assert.Equal(t, 0.0, b.AllocatedEquity)
}

func TestAllocateVolatileRegimeHalvesEquityAndCapsLeverage(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Volatile}
	b := allocate(sig, Thresholds{LeverageCapVolatile: 0.3}, time.Now())
	assert.Equal(t, 30000.0, b.AllocatedEquity) // 50% would be 50000, capped to 30%
}

func TestAllocateCrashRegimeForcesCloseOnly(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Crash}
	b := allocate(sig, Thresholds{}, time.Now())
	assert.Equal(t, domain.BudgetCloseOnly, b.State)
	assert.Equal(t, 0.0, b.AllocatedEquity)
}

func TestAllocateHaltedPostureOverridesEverything(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Stable, SharpeRatio30D: 2.0, Posture: domain.Halted}
	b := allocate(sig, Thresholds{}, time.Now())
	assert.Equal(t, domain.BudgetHalted, b.State)
	assert.Equal(t, 0.0, b.AllocatedEquity)
}

func TestAllocateDefensivePostureThrottles(t *testing.T) {
	sig := Signals{Phase: "default", Equity: 100000, Regime: Volatile, Posture: domain.Defensive}
	b := allocate(sig, Thresholds{}, time.Now())
	assert.Equal(t, domain.BudgetThrottled, b.State)
}

func TestAllocatorTickPublishesAndRecordsLatest(t *testing.T) {
	sp := newTestSpine(t)
	source := func() []Signals {
		return []Signals{{Phase: "signals", Equity: 100000, Regime: Stable, SharpeRatio30D: 2.0}}
	}
	a := New(sp, source, Thresholds{})
	a.tick()

	got, ok := a.Latest("signals")
	require.True(t, ok)
	assert.Equal(t, 100000.0, got.AllocatedEquity)
}

func TestAllocatorLatestMissingPhase(t *testing.T) {
	sp := newTestSpine(t)
	a := New(sp, func() []Signals { return nil }, Thresholds{})
	_, ok := a.Latest("unknown")
	assert.False(t, ok)
}
