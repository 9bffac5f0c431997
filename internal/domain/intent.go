// Package domain holds the core entities shared by the gate chain,
// lifecycle engine, shadow state and reconciliation engine (spec §3).
package domain

import "time"

// Side is the directional leg of an intent.
type Side string

const (
	Long  Side = "Long"
	Short Side = "Short"
)

// State is the Intent's finite lifecycle state (spec §3).
type State string

const (
	Pending         State = "Pending"
	Prepared        State = "Prepared"
	Confirmed       State = "Confirmed"
	Filled          State = "Filled"
	PartiallyFilled State = "PartiallyFilled"
	Rejected        State = "Rejected"
	Aborted         State = "Aborted"
	Expired         State = "Expired"
)

// Terminal reports whether a state is terminal (spec §3: "no state
// leaves Filled/Rejected/Aborted/Expired").
func (s State) Terminal() bool {
	switch s {
	case Filled, Rejected, Aborted, Expired:
		return true
	default:
		return false
	}
}

// transitions enumerates the only state machine edges the lifecycle
// engine may take (spec §4.F diagram). Anything not listed here is an
// illegal transition.
var transitions = map[State][]State{
	Pending:         {Prepared, Rejected},
	Prepared:        {Confirmed, Aborted, Expired, Rejected},
	Confirmed:       {Filled, PartiallyFilled, Rejected, Expired},
	PartiallyFilled: {Filled, Rejected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TakeProfit is one leg of an ordered take-profit ladder.
type TakeProfit struct {
	Price float64 `json:"price"`
	Frac  float64 `json:"frac"` // fraction of position size to close at Price
}

// EntryZone is the acceptable entry price interval for an intent.
type EntryZone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Intent is a proposed or active position-opening directive (spec §3).
type Intent struct {
	IntentID      string       `json:"intent_id"`
	Source        string       `json:"source"` // producer phase identifier
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	EntryZone     EntryZone    `json:"entry_zone"`
	StopLoss      float64      `json:"stop_loss"`
	TakeProfits   []TakeProfit `json:"take_profits"`
	Leverage      float64      `json:"leverage"`
	RequestedSize float64      `json:"requested_size"` // quote currency
	Confidence    float64      `json:"confidence"`     // [0,1]
	PolicyHash    string       `json:"policy_hash"`
	CorrelationID string       `json:"correlation_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ExecutionPlan is computed by PREPARE from the intent, policy and a
// Shadow State snapshot (spec §4.F).
type ExecutionPlan struct {
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	OrderType string  `json:"order_type"` // "market" | "limit"
	Venue     string  `json:"venue"`
	Fallback  string  `json:"fallback_venue,omitempty"`
}

// Record bundles an Intent with its mutable lifecycle state and the
// reserved execution plan, as held by IntentTable.
type Record struct {
	Intent     Intent        `json:"intent"`
	State      State         `json:"state"`
	Plan       ExecutionPlan `json:"plan,omitempty"`
	AckPending bool          `json:"ack_pending"`
	Reason     string        `json:"reason,omitempty"`
	PreparedAt time.Time     `json:"prepared_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ProducerSymbolSide is the key used by the at-most-one-prepared
// invariant (spec §4.F, §8).
type ProducerSymbolSide struct {
	Producer string
	Symbol   string
	Side     Side
}
