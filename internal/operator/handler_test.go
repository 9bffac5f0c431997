package operator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/breaker"
	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/shadow"
	"github.com/foundryfi/titan-core/internal/spine"
)

type recordingAdapter struct {
	calls int
}

func (r *recordingAdapter) PlaceOrder(ctx context.Context, intentID string, plan domain.ExecutionPlan) (dispatcher.Ack, error) {
	r.calls++
	return dispatcher.Ack{Venue: plan.Venue, OrderID: "o-" + intentID, Complete: true}, nil
}
func (r *recordingAdapter) Cancel(ctx context.Context, intentID string) error { return nil }
func (r *recordingAdapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}
func (r *recordingAdapter) SubscribeFills(ctx context.Context, handler func(dispatcher.Ack)) error {
	return nil
}

func testThresholds() breaker.Thresholds {
	return breaker.Thresholds{
		DefensiveDD: 0.1, HaltDD: 0.2, DefensiveTruth: 70, HaltTruth: 50,
		DefensiveQuality: 0.5, DefensiveTail: 0.3, DailyLimit: 10000,
		HysteresisWindow: time.Minute,
	}
}

func testOperatorPolicy(t *testing.T) *policy.Resolved {
	t.Helper()
	pol, err := policy.Parse([]byte(`{
		"per_symbol_max_position": {"BTC-USD": 100000},
		"max_aggregate_leverage": 5,
		"max_per_trade_risk_fraction": 0.1,
		"daily_drawdown_limit": 10000,
		"minimum_equity": 1000,
		"emergency_stop_loss_threshold": 0.2,
		"allowed_venues": ["kraken"],
		"allowed_symbols": ["BTC-USD"],
		"max_orders_per_minute": 10,
		"max_spread_bps": 50,
		"min_depth_multiple": 1,
		"min_stop_loss_distance": 0.01,
		"max_venue_slippage_bps": 20,
		"max_venue_ack_latency_ms": 1000
	}`))
	require.NoError(t, err)
	return pol
}

func newTestHandler(t *testing.T) (*Handler, *shadow.Shadow, *spine.Spine, *recordingAdapter) {
	t.Helper()
	sp := spine.New("")
	require.NoError(t, sp.Declare(spine.StreamSpec{Name: "cmds", Subjects: []string{"titan.cmd."}, Replicas: 1}))

	sh := shadow.New()
	pos := breaker.New(testThresholds())
	pol := testOperatorPolicy(t)
	reg := dispatcher.NewRegistry(1000, 100)
	adapter := &recordingAdapter{}
	reg.Register("kraken", adapter)

	h := NewHandler(pos, sh, reg, sp, pol, nil, zerolog.Nop())
	return h, sh, sp, adapter
}

func TestApplyArmSetsArmedWhenNormal(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	err := h.Apply(context.Background(), Command{Type: Arm})
	require.NoError(t, err)
	assert.True(t, h.Armed())
}

func TestApplyDisarmClearsArmed(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	require.NoError(t, h.Apply(context.Background(), Command{Type: Arm}))
	require.NoError(t, h.Apply(context.Background(), Command{Type: Disarm}))
	assert.False(t, h.Armed())
}

func TestApplyHaltClearsArmed(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	require.NoError(t, h.Apply(context.Background(), Command{Type: Arm}))
	require.NoError(t, h.Apply(context.Background(), Command{Type: Halt}))
	assert.False(t, h.Armed())
}

func TestApplyUnrecognizedTypeErrors(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	err := h.Apply(context.Background(), Command{Type: Type("bogus")})
	assert.Error(t, err)
}

func TestApplyPresetRejectsUnknownName(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	err := h.Apply(context.Background(), Command{Type: ApplyPreset, Target: "aggressive"})
	assert.Error(t, err)
}

func TestApplyPresetSwapsThresholds(t *testing.T) {
	sp := spine.New("")
	require.NoError(t, sp.Declare(spine.StreamSpec{Name: "cmds", Subjects: []string{"titan.cmd."}, Replicas: 1}))
	sh := shadow.New()
	pos := breaker.New(testThresholds())
	pol := testOperatorPolicy(t)
	reg := dispatcher.NewRegistry(1000, 100)

	calm := breaker.Thresholds{DefensiveDD: 0.5, HaltDD: 0.9, HysteresisWindow: time.Second}
	lookup := func(name string) (breaker.Thresholds, bool) {
		if name == "calm" {
			return calm, true
		}
		return breaker.Thresholds{}, false
	}
	h := NewHandler(pos, sh, reg, sp, pol, lookup, zerolog.Nop())

	require.NoError(t, h.Apply(context.Background(), Command{Type: ApplyPreset, Target: "calm"}))
	assert.Equal(t, calm, pos.Thresholds())
}

func TestApplyFlattenDispatchesForEveryOpenPosition(t *testing.T) {
	h, sh, _, adapter := newTestHandler(t)

	_, err := sh.ApplyFill("seed-intent", "kraken", "BTC-USD", 1.0, 50000, 1, true)
	require.NoError(t, err)

	err = h.Apply(context.Background(), Command{Type: Flatten})
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.calls)
}

func TestApplyFlattenSkipsFlatPositions(t *testing.T) {
	h, _, _, adapter := newTestHandler(t)
	err := h.Apply(context.Background(), Command{Type: Flatten})
	require.NoError(t, err)
	assert.Equal(t, 0, adapter.calls)
}
