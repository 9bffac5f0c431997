package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `{
	"per_symbol_max_position": {"BTC-USD": 50000, "ETH-USD": 20000},
	"max_aggregate_leverage": 3,
	"max_per_trade_risk_fraction": 0.02,
	"daily_drawdown_limit": 0.05,
	"minimum_equity": 10000,
	"emergency_stop_loss_threshold": 0.1,
	"allowed_venues": ["sim", "kraken"],
	"allowed_symbols": ["BTC-USD", "ETH-USD"],
	"max_orders_per_minute": 30,
	"max_spread_bps": 10,
	"min_depth_multiple": 2,
	"min_stop_loss_distance": 0.001,
	"max_venue_slippage_bps": 15,
	"max_venue_ack_latency_ms": 500
}`

func TestParseResolvesHashAndSets(t *testing.T) {
	r, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Len(t, r.Hash, 64) // hex-encoded SHA-256
	assert.True(t, r.AllowsVenue("sim"))
	assert.True(t, r.AllowsVenue("kraken"))
	assert.False(t, r.AllowsVenue("coinbase"))
	assert.True(t, r.AllowsSymbol("BTC-USD"))
	assert.False(t, r.AllowsSymbol("SOL-USD"))
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	require.Error(t, err)
}

func TestHashIsStableAcrossKeyOrder(t *testing.T) {
	reordered := `{
		"max_aggregate_leverage": 3,
		"per_symbol_max_position": {"ETH-USD": 20000, "BTC-USD": 50000},
		"max_per_trade_risk_fraction": 0.02,
		"daily_drawdown_limit": 0.05,
		"minimum_equity": 10000,
		"emergency_stop_loss_threshold": 0.1,
		"allowed_venues": ["sim", "kraken"],
		"allowed_symbols": ["BTC-USD", "ETH-USD"],
		"max_orders_per_minute": 30,
		"max_spread_bps": 10,
		"min_depth_multiple": 2,
		"min_stop_loss_distance": 0.001,
		"max_venue_slippage_bps": 15,
		"max_venue_ack_latency_ms": 500
	}`

	a, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)
	b, err := Parse([]byte(reordered))
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash, "canonical hash must not depend on field or map-key order")
}

func TestHashChangesWithContent(t *testing.T) {
	a, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)

	changed := `{"per_symbol_max_position": {}, "allowed_venues": [], "allowed_symbols": []}`
	b, err := Parse([]byte(changed))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestLoadReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.True(t, r.AllowsVenue("sim"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
