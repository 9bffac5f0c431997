package domain

import "time"

// VenueSymbol keys the Position table (spec §3: "Keyed by (venue, symbol)").
type VenueSymbol struct {
	Venue  string
	Symbol string
}

// Position is the net, weighted-average view of an open exposure. It is
// created on first fill and mutated only by reconciled fills.
type Position struct {
	Venue         string    `json:"venue"`
	Symbol        string    `json:"symbol"`
	NetSize       float64   `json:"net_size"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	EntryIntents  []string  `json:"entry_intents"`
	LastFillSeq   uint64    `json:"last_fill_sequence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ApplyFill folds a fill of the given signed size (positive = buy / add
// to long, negative = sell / add to short) and price into the position,
// recomputing the weighted-average entry. Passing the position's
// resulting net size of zero signals the caller to remove the position
// (spec §3: "destroyed on flatten").
func (p *Position) ApplyFill(intentID string, size, price float64, seq uint64) {
	if p.NetSize == 0 {
		p.AvgEntryPrice = price
	} else if sameSign(p.NetSize, size) {
		totalCost := p.AvgEntryPrice*p.NetSize + price*size
		p.AvgEntryPrice = totalCost / (p.NetSize + size)
	}
	p.NetSize += size
	p.LastFillSeq = seq
	p.EntryIntents = appendUnique(p.EntryIntents, intentID)
	p.UpdatedAt = time.Now()
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// DailyCounters tracks the rolling risk accounting the gate chain and
// breaker subsystem read (spec §4.D).
type DailyCounters struct {
	Loss          float64 `json:"loss"`
	OrdersPerMin  int     `json:"orders_per_min"`
	DrawdownPeak  float64 `json:"drawdown_peak"`
}

// BudgetState is the state of a producer phase's Budget (spec §3).
type BudgetState string

const (
	BudgetActive    BudgetState = "Active"
	BudgetThrottled BudgetState = "Throttled"
	BudgetHalted    BudgetState = "Halted"
	BudgetCloseOnly BudgetState = "CloseOnly"
)

// Budget is the per-phase allocation issued by the Budget Allocator.
type Budget struct {
	Phase           string      `json:"phase"`
	AllocatedEquity float64     `json:"allocated_equity"`
	State           BudgetState `json:"state"`
	Regime          string      `json:"regime"`
	IssuedAt        time.Time   `json:"issued_at"`
}

// Tradeable reports whether new risk-opening intents from this budget
// are allowed at all (CloseOnly and Halted only permit closing trades,
// which the gate chain treats separately from new-risk sizing).
func (b Budget) Tradeable() bool {
	return b.State == BudgetActive || b.State == BudgetThrottled
}
