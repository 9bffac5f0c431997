// Package policy models the immutable, process-lifetime Risk Policy
// (spec §3) and its canonical-hash identity.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"

	"github.com/foundryfi/titan-core/internal/errs"
)

// Policy is the immutable risk policy loaded once at process start.
// Field order here is documentation only; identity is derived from the
// canonical (sorted-key) JSON encoding, not struct layout.
type Policy struct {
	PerSymbolMaxPosition  map[string]float64 `json:"per_symbol_max_position"`
	MaxAggregateLeverage  float64            `json:"max_aggregate_leverage"`
	MaxPerTradeRiskFrac   float64            `json:"max_per_trade_risk_fraction"`
	DailyDrawdownLimit    float64            `json:"daily_drawdown_limit"`
	MinimumEquity         float64            `json:"minimum_equity"`
	EmergencyStopLossPct  float64            `json:"emergency_stop_loss_threshold"`
	AllowedVenues         []string           `json:"allowed_venues"`
	AllowedSymbols        []string           `json:"allowed_symbols"`
	MaxOrdersPerMinute    int                `json:"max_orders_per_minute"`
	MaxSpreadBps          float64            `json:"max_spread_bps"`
	MinDepthMultiple      float64            `json:"min_depth_multiple"`
	MinStopLossDistance   float64            `json:"min_stop_loss_distance"`
	MaxVenueSlippageBps   float64            `json:"max_venue_slippage_bps"`
	MaxVenueAckLatencyMs  float64            `json:"max_venue_ack_latency_ms"`
}

// allowedVenues and allowedSymbols are derived, not part of the canonical
// hash input; they're rebuilt on load for O(1) gate lookups.
type Resolved struct {
	Policy
	Hash           string
	allowedVenues  map[string]struct{}
	allowedSymbols map[string]struct{}
}

// AllowsVenue reports whether venue is in the policy's venue whitelist.
func (r *Resolved) AllowsVenue(venue string) bool {
	_, ok := r.allowedVenues[venue]
	return ok
}

// AllowsSymbol reports whether symbol is in the policy's symbol whitelist.
func (r *Resolved) AllowsSymbol(symbol string) bool {
	_, ok := r.allowedSymbols[symbol]
	return ok
}

// Load reads a policy JSON file from disk and computes its hash.
func Load(path string) (*Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindMissingSecret, "reading policy file", err)
	}
	return Parse(data)
}

// Parse decodes raw policy bytes and resolves the policy hash via
// canonical re-encoding (sorted keys, no insignificant whitespace).
func Parse(data []byte) (*Resolved, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.KindMalformedIntent, "policy JSON is malformed", err)
	}

	canon, err := CanonicalBytes(p)
	if err != nil {
		return nil, err
	}

	r := &Resolved{
		Policy:         p,
		Hash:           HashOf(canon),
		allowedVenues:  toSet(p.AllowedVenues),
		allowedSymbols: toSet(p.AllowedSymbols),
	}
	return r, nil
}

// CanonicalBytes renders v as JSON with lexicographically sorted keys
// and no insignificant whitespace, per spec §4.A / §6.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformedIntent, "marshaling for canonicalization", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap(errs.KindMalformedIntent, "re-decoding for canonicalization", err)
	}

	return canonicalize(generic), nil
}

// HashOf returns the hex-encoded SHA-256 of canonical bytes.
func HashOf(canon []byte) string {
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalize(t[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalize(e)...)
		}
		out = append(out, ']')
		return out
	default:
		b, _ := json.Marshal(t)
		return b
	}
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
