// Package gates implements the Risk Gate Chain (spec §4.E): an ordered,
// fail-closed pipeline of pure functions evaluated over
// (intent, snapshot, policy). Grounded on internal/gates/entry.go's
// GateCheck/EntryGateResult shape (named checks carrying value,
// threshold and a human-readable description), generalized here from a
// single microstructure-only chain into the 11-step chain: the
// signature/freshness step runs in internal/codec before any gate, and
// the other 10 steps are the gates in Chain.
package gates

import (
	"fmt"
	"time"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/metrics"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/shadow"
)

// Check mirrors the teacher's GateCheck: one named, explained pass/fail.
type Check struct {
	Name        string `json:"name"`
	Passed      bool   `json:"passed"`
	Description string `json:"description"`
}

// Result is the outcome of running the whole chain over one intent.
type Result struct {
	Passed       bool     `json:"passed"`
	Reason       errs.Kind `json:"reason,omitempty"`
	Checks       []Check  `json:"checks"`
	AdjustedSize float64  `json:"adjusted_size"` // may be < requested_size (DEFENSIVE halving, venue degradation)
}

// Context bundles every input the gate chain reads. All fields are
// point-in-time values; gates never mutate them (spec §4.E: "pure
// functions ... side effects happen only after all gates pass").
type Context struct {
	Armed           bool
	Posture         domain.Posture
	TruthScore      int
	Budget          domain.Budget
	OrdersThisMinute int
	L2              domain.L2Snapshot
	VenueQuality    domain.VenueQuality
	MinTruthForNewRisk int
	Now             time.Time
}

// Gate is one pipeline step. It returns ok=false with a Kind/description
// to reject, or may reduce size (DEFENSIVE halving, venue degradation)
// without rejecting.
type Gate func(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (ok bool, newSize float64, kind errs.Kind, check Check)

// Chain is the ordered list of gates from spec §4.E.
var Chain = []Gate{
	gateArmState,
	gatePolicyHash,
	gateAllowedVenueSymbol,
	gateBudgetSizing,
	gateTruth,
	gateBreakerPosture,
	gateRateLimit,
	gateLiquidity,
	gateVenueQuality,
	gateRiskMath,
}

// Evaluate runs the full chain in order, short-circuiting on the first
// rejection (spec §4.E: "fail-closed: any gate's rejection yields
// Rejected(reason) and the intent never reaches the Lifecycle Engine").
func Evaluate(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context) Result {
	return evaluate(Chain, intent, snap, pol, ctx)
}

// FlattenChain is the reduced chain run for operator-issued FLATTEN
// close intents (spec §4.J: "bypass of budget gates but not risk
// math"). arm_state, budget_sizing, truth_gate and posture are skipped
// since closing risk must remain possible while DISARMED, budget-
// capped, Truth-degraded or DEFENSIVE/HALTED; policy identity, venue
// eligibility, rate limiting, liquidity, venue quality and risk math
// still apply.
var FlattenChain = []Gate{
	gatePolicyHash,
	gateAllowedVenueSymbol,
	gateRateLimit,
	gateLiquidity,
	gateVenueQuality,
	gateRiskMathFlatten,
}

// gateRiskMathFlatten is risk math's reduced form for closing orders: a
// close has no stop-loss ladder to validate, so only the daily
// drawdown projection still applies (spec §4.J: "not risk math").
func gateRiskMathFlatten(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	projectedLoss := snap.Counters.Loss + size*pol.MaxPerTradeRiskFrac
	if projectedLoss > pol.DailyDrawdownLimit {
		return false, size, errs.KindRiskCapExceeded, Check{Name: "risk_math_flatten", Passed: false, Description: "projected daily loss exceeds drawdown limit"}
	}
	return true, size, "", Check{Name: "risk_math_flatten", Passed: true, Description: "drawdown projection within limit"}
}

// EvaluateFlatten runs FlattenChain over a synthetic close intent.
func EvaluateFlatten(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context) Result {
	return evaluate(FlattenChain, intent, snap, pol, ctx)
}

func evaluate(chain []Gate, intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context) Result {
	size := intent.RequestedSize
	var checks []Check

	for _, g := range chain {
		ok, newSize, kind, check := g(intent, snap, pol, ctx, size)
		checks = append(checks, check)
		if !ok {
			metrics.GateRejections.WithLabelValues(check.Name, string(kind)).Inc()
			return Result{Passed: false, Reason: kind, Checks: checks, AdjustedSize: size}
		}
		size = newSize
	}

	return Result{Passed: true, Checks: checks, AdjustedSize: size}
}

func gateArmState(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	ok := ctx.Armed
	return ok, size, errs.KindSystemDisarmed, Check{
		Name: "arm_state", Passed: ok,
		Description: boolDesc(ok, "system is ARMED", "system is DISARMED"),
	}
}

func gatePolicyHash(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	ok := intent.PolicyHash == pol.Hash
	return ok, size, errs.KindPolicyMismatch, Check{
		Name: "policy_hash", Passed: ok,
		Description: fmt.Sprintf("intent policy_hash %s vs active %s", shortHash(intent.PolicyHash), shortHash(pol.Hash)),
	}
}

func gateAllowedVenueSymbol(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	if !pol.AllowsSymbol(intent.Symbol) {
		return false, size, errs.KindSymbolForbidden, Check{Name: "allowed_symbol", Passed: false, Description: "symbol " + intent.Symbol + " not in policy allow-list"}
	}
	if ctx.VenueQuality.Venue != "" && !pol.AllowsVenue(ctx.VenueQuality.Venue) {
		return false, size, errs.KindVenueForbidden, Check{Name: "allowed_venue", Passed: false, Description: "venue " + ctx.VenueQuality.Venue + " not in policy allow-list"}
	}
	return true, size, "", Check{Name: "allowed_symbol", Passed: true, Description: "symbol and venue allowed"}
}

func gateBudgetSizing(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	if !ctx.Budget.Tradeable() {
		return false, size, errs.KindBudgetExceeded, Check{Name: "budget_state", Passed: false, Description: "budget state " + string(ctx.Budget.State) + " does not permit new risk"}
	}
	maxSize := ctx.Budget.AllocatedEquity * pol.MaxPerTradeRiskFrac
	if size > maxSize {
		return false, size, errs.KindBudgetExceeded, Check{Name: "budget_sizing", Passed: false, Description: fmt.Sprintf("requested %.2f exceeds budget cap %.2f", size, maxSize)}
	}
	return true, size, "", Check{Name: "budget_sizing", Passed: true, Description: "within per-trade budget fraction"}
}

func gateTruth(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	threshold := ctx.MinTruthForNewRisk
	if threshold == 0 {
		threshold = 70
	}
	ok := ctx.TruthScore >= threshold
	return ok, size, errs.KindTruthDegraded, Check{
		Name: "truth_gate", Passed: ok,
		Description: fmt.Sprintf("truth score %d >= %d", ctx.TruthScore, threshold),
	}
}

func gateBreakerPosture(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	switch ctx.Posture {
	case domain.Halted:
		return false, size, errs.KindSystemHalted, Check{Name: "posture", Passed: false, Description: "posture is HALTED"}
	case domain.Defensive:
		return true, size / 2, "", Check{Name: "posture", Passed: true, Description: "posture DEFENSIVE: size halved"}
	default:
		return true, size, "", Check{Name: "posture", Passed: true, Description: "posture NORMAL"}
	}
}

func gateRateLimit(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	ok := ctx.OrdersThisMinute < pol.MaxOrdersPerMinute
	return ok, size, errs.KindRateLimited, Check{
		Name: "rate_limit", Passed: ok,
		Description: fmt.Sprintf("%d/%d orders this minute", ctx.OrdersThisMinute, pol.MaxOrdersPerMinute),
	}
}

func gateLiquidity(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	if !ctx.L2.HasBook() {
		return false, size, errs.KindLiquidityInsuff, Check{Name: "liquidity", Passed: false, Description: "no L2 book available"}
	}
	spread := ctx.L2.SpreadBps()
	if spread > pol.MaxSpreadBps {
		return false, size, errs.KindLiquidityInsuff, Check{Name: "liquidity", Passed: false, Description: fmt.Sprintf("spread %.1fbps exceeds max %.1fbps", spread, pol.MaxSpreadBps)}
	}
	if ctx.L2.DepthUSD < pol.MinDepthMultiple*size {
		return false, size, errs.KindLiquidityInsuff, Check{Name: "liquidity", Passed: false, Description: fmt.Sprintf("depth $%.0f below required $%.0f", ctx.L2.DepthUSD, pol.MinDepthMultiple*size)}
	}
	return true, size, "", Check{Name: "liquidity", Passed: true, Description: "spread and depth sufficient"}
}

func gateVenueQuality(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	vq := ctx.VenueQuality
	degraded := vq.SlippageBps > pol.MaxVenueSlippageBps || vq.AckLatencyMs > pol.MaxVenueAckLatencyMs
	if !degraded {
		return true, size, "", Check{Name: "venue_quality", Passed: true, Description: "venue quality within thresholds"}
	}
	if vq.Score <= 0 {
		return false, size, errs.KindVenueDegraded, Check{Name: "venue_quality", Passed: false, Description: "venue quality degraded below usable threshold"}
	}
	return true, size * vq.Score, "", Check{Name: "venue_quality", Passed: true, Description: fmt.Sprintf("venue degraded: size scaled by %.2f", vq.Score)}
}

func gateRiskMath(intent domain.Intent, snap shadow.Snapshot, pol *policy.Resolved, ctx Context, size float64) (bool, float64, errs.Kind, Check) {
	if cap, ok := pol.PerSymbolMaxPosition[intent.Symbol]; ok {
		if size > cap {
			return false, size, errs.KindRiskCapExceeded, Check{Name: "risk_math", Passed: false, Description: fmt.Sprintf("size %.2f exceeds per-symbol cap %.2f", size, cap)}
		}
	}
	if intent.Leverage > pol.MaxAggregateLeverage {
		return false, size, errs.KindRiskCapExceeded, Check{Name: "risk_math", Passed: false, Description: fmt.Sprintf("leverage %.2fx exceeds cap %.2fx", intent.Leverage, pol.MaxAggregateLeverage)}
	}
	stopDistance := stopLossDistance(intent)
	if stopDistance < pol.MinStopLossDistance {
		return false, size, errs.KindRiskCapExceeded, Check{Name: "risk_math", Passed: false, Description: fmt.Sprintf("stop distance %.4f below minimum %.4f", stopDistance, pol.MinStopLossDistance)}
	}
	projectedLoss := snap.Counters.Loss + size*pol.MaxPerTradeRiskFrac
	if projectedLoss > pol.DailyDrawdownLimit {
		return false, size, errs.KindRiskCapExceeded, Check{Name: "risk_math", Passed: false, Description: "projected daily loss exceeds drawdown limit"}
	}
	return true, size, "", Check{Name: "risk_math", Passed: true, Description: "risk caps satisfied"}
}

func stopLossDistance(intent domain.Intent) float64 {
	mid := (intent.EntryZone.Low + intent.EntryZone.High) / 2
	if mid == 0 {
		return 0
	}
	d := intent.StopLoss - mid
	if d < 0 {
		d = -d
	}
	return d / mid
}

func boolDesc(ok bool, t, f string) string {
	if ok {
		return t
	}
	return f
}

func shortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
