// Package lifecycle implements the Intent Lifecycle Engine (spec §4.F):
// the two-phase-commit state machine that owns PREPARE/CONFIRM/ABORT.
package lifecycle

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/gates"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/shadow"
	"github.com/foundryfi/titan-core/internal/spine"
)

// ContextProvider supplies the live inputs the gate chain needs at
// evaluation time (ARM state, posture, Truth Score, budgets, L2,
// venue quality). The lifecycle engine does not own these signals; it
// only reads them synchronously (spec §4.E: gates "may read but not
// await").
type ContextProvider interface {
	GateContext(intent domain.Intent) gates.Context
}

// PlanBuilder computes the execution plan from an admitted intent and
// the current snapshot (spec §4.F: "computes an execution plan (price,
// size, order type derived from velocity and L2)").
type PlanBuilder func(intent domain.Intent, adjustedSize float64, snap shadow.Snapshot) domain.ExecutionPlan

// Engine owns PREPARE/CONFIRM/ABORT and the prepare_ttl expiry clock.
type Engine struct {
	shadow     *shadow.Shadow
	policy     *policy.Resolved
	spine      *spine.Spine
	dispatch   *dispatcher.Registry
	ctxProvider ContextProvider
	planBuilder PlanBuilder

	prepareTTL      time.Duration
	venueMaxRetries int
	ackResolveWindow time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	log zerolog.Logger
}

type Option func(*Engine)

func WithPrepareTTL(d time.Duration) Option      { return func(e *Engine) { e.prepareTTL = d } }
func WithVenueMaxRetries(n int) Option           { return func(e *Engine) { e.venueMaxRetries = n } }
func WithAckResolveWindow(d time.Duration) Option { return func(e *Engine) { e.ackResolveWindow = d } }
func WithLogger(l zerolog.Logger) Option         { return func(e *Engine) { e.log = l } }

func New(sh *shadow.Shadow, pol *policy.Resolved, sp *spine.Spine, dispatch *dispatcher.Registry, ctxProvider ContextProvider, planBuilder PlanBuilder, opts ...Option) *Engine {
	e := &Engine{
		shadow:      sh,
		policy:      pol,
		spine:       sp,
		dispatch:    dispatch,
		ctxProvider: ctxProvider,
		planBuilder: planBuilder,

		prepareTTL:       750 * time.Millisecond,
		venueMaxRetries:  3,
		ackResolveWindow: 30 * time.Second,
		timers:           make(map[string]*time.Timer),
		log:              zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// PrepareResult mirrors the wire reply shapes from spec §6.
type PrepareResult struct {
	Prepared     bool
	IntentID     string
	PositionSize float64
	Reason       errs.Kind
}

// Prepare runs the gate chain, computes a plan, admits the intent in
// Prepared state, arms its TTL expiry timer and emits intent.prepared
// (spec §4.F).
func (e *Engine) Prepare(intent domain.Intent) PrepareResult {
	snap := e.shadow.Snapshot()
	ctx := e.ctxProvider.GateContext(intent)

	result := gates.Evaluate(intent, snap, e.policy, ctx)
	if !result.Passed {
		e.publishReject(intent, result.Reason)
		return PrepareResult{Prepared: false, IntentID: intent.IntentID, Reason: result.Reason}
	}

	plan := e.planBuilder(intent, result.AdjustedSize, snap)
	plan.Size = result.AdjustedSize

	rec, err := e.shadow.PrepareIntent(intent, plan)
	if err != nil {
		kind := errs.KindOf(err)
		e.publishReject(intent, kind)
		return PrepareResult{Prepared: false, IntentID: intent.IntentID, Reason: kind}
	}

	e.armTTL(rec.Intent.IntentID)
	e.publishPlace(intent, plan)

	return PrepareResult{Prepared: true, IntentID: intent.IntentID, PositionSize: plan.Size}
}

func (e *Engine) armTTL(intentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[intentID] = time.AfterFunc(e.prepareTTL, func() {
		e.expire(intentID)
	})
}

func (e *Engine) disarmTTL(intentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[intentID]; ok {
		t.Stop()
		delete(e.timers, intentID)
	}
}

func (e *Engine) expire(intentID string) {
	e.mu.Lock()
	delete(e.timers, intentID)
	e.mu.Unlock()

	rec, ok := e.shadow.Get(intentID)
	if !ok || rec.State != domain.Prepared {
		return
	}
	if _, err := e.shadow.Transition(intentID, domain.Expired, "prepare_ttl exceeded"); err == nil {
		e.log.Info().Str("intent_id", intentID).Msg("intent expired: prepare_ttl exceeded without confirm")
	}
}

// ConfirmResult mirrors the wire reply for a confirm (spec §6).
type ConfirmResult struct {
	Executed bool
	Reason   errs.Kind
	Price    float64
}

// Confirm executes a Prepared intent's plan via the Venue Dispatcher,
// classifying venue errors as retryable/terminal/ambiguous (spec §4.F).
func (e *Engine) Confirm(ctx context.Context, intentID string) ConfirmResult {
	rec, ok := e.shadow.Get(intentID)
	if !ok {
		return ConfirmResult{Reason: errs.KindMalformedIntent}
	}
	if rec.State == domain.Expired {
		return ConfirmResult{Reason: errs.KindExpired}
	}
	if rec.State != domain.Prepared {
		return ConfirmResult{Reason: errs.KindDuplicate}
	}

	e.disarmTTL(intentID)

	if _, err := e.shadow.Transition(intentID, domain.Confirmed, ""); err != nil {
		return ConfirmResult{Reason: errs.KindOf(err)}
	}
	e.publishConfirmed(rec.Intent)

	ack, err := e.confirmWithRetry(ctx, intentID, rec.Plan)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindAmbiguous:
			e.shadow.SetAckPending(intentID, true)
			e.scheduleAckResolution(intentID)
			return ConfirmResult{Executed: false, Reason: errs.KindAmbiguous}
		default:
			e.shadow.Transition(intentID, domain.Rejected, err.Error())
			e.publishReject(rec.Intent, errs.KindTerminal)
			return ConfirmResult{Reason: errs.KindTerminal}
		}
	}

	if _, applyErr := e.shadow.ApplyFill(intentID, ack.Venue, rec.Intent.Symbol, signedSize(rec.Intent.Side, ack.FilledSize), ack.Price, 0, ack.Complete); applyErr != nil {
		e.log.Error().Err(applyErr).Str("intent_id", intentID).Msg("failed to apply fill to shadow state")
	}
	e.publishFill(rec.Intent, ack)

	return ConfirmResult{Executed: true, Price: ack.Price}
}

func signedSize(side domain.Side, size float64) float64 {
	if side == domain.Short {
		return -size
	}
	return size
}

// confirmWithRetry retries retryable venue errors with bounded jitter up
// to venue_max_retries (spec §4.F).
func (e *Engine) confirmWithRetry(ctx context.Context, intentID string, plan domain.ExecutionPlan) (dispatcher.Ack, error) {
	var lastErr error
	for attempt := 0; attempt <= e.venueMaxRetries; attempt++ {
		ack, err := e.dispatch.Dispatch(ctx, intentID, plan)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !errs.Is(err, errs.KindRetryable) {
			return ack, err
		}
		if attempt == e.venueMaxRetries {
			break
		}
		backoff := time.Duration(50*(1<<attempt)) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return dispatcher.Ack{}, ctx.Err()
		}
	}
	return dispatcher.Ack{}, lastErr
}

// scheduleAckResolution escalates an ack_pending intent that is not
// resolved by reconciliation within ack_resolve_window (spec §4.F).
func (e *Engine) scheduleAckResolution(intentID string) {
	time.AfterFunc(e.ackResolveWindow, func() {
		rec, ok := e.shadow.Get(intentID)
		if !ok || !rec.AckPending {
			return
		}
		e.log.Warn().Str("intent_id", intentID).Msg("ack_pending not resolved within ack_resolve_window: escalating ShadowMismatch")
		payload, _ := json.Marshal(map[string]string{"intent_id": intentID, "reason": string(errs.KindShadowMismatch)})
		e.spine.Publish("titan.evt.alert.drift.v1", nil, payload)
	})
}

// Abort discards a Prepared intent's plan and releases its reservation
// (spec §4.F).
func (e *Engine) Abort(intentID string) error {
	rec, ok := e.shadow.Get(intentID)
	if !ok {
		return errs.New(errs.KindMalformedIntent, "unknown intent_id")
	}
	if rec.State != domain.Prepared {
		return errs.New(errs.KindDuplicate, "only Prepared intents can be aborted")
	}
	e.disarmTTL(intentID)
	_, err := e.shadow.Transition(intentID, domain.Aborted, "operator/producer abort")
	return err
}

func (e *Engine) publishPlace(intent domain.Intent, plan domain.ExecutionPlan) {
	payload, _ := json.Marshal(struct {
		IntentID   string `json:"intent_id"`
		PolicyHash string `json:"policy_hash"`
		Plan       domain.ExecutionPlan `json:"plan"`
	}{intent.IntentID, intent.PolicyHash, plan})
	e.spine.Publish("titan.cmd.execution.place.v1."+plan.Venue+"."+intent.Symbol, nil, payload)
}

func (e *Engine) publishConfirmed(intent domain.Intent) {
	payload, _ := json.Marshal(map[string]string{"intent_id": intent.IntentID})
	e.spine.Publish("titan.evt.execution.order_placed.v1", nil, payload)
}

func (e *Engine) publishFill(intent domain.Intent, ack dispatcher.Ack) {
	payload, _ := json.Marshal(struct {
		IntentID string      `json:"intent_id"`
		Venue    string      `json:"venue"`
		Symbol   string      `json:"symbol"`
		Side     domain.Side `json:"side"`
		OrderID  string      `json:"order_id"`
		Price    float64     `json:"price"`
		Size     float64     `json:"size"`
		Complete bool        `json:"complete"`
	}{intent.IntentID, ack.Venue, intent.Symbol, intent.Side, ack.OrderID, ack.Price, ack.FilledSize, ack.Complete})
	e.spine.Publish("titan.evt.execution.fill.v1", nil, payload)
}

func (e *Engine) publishReject(intent domain.Intent, reason errs.Kind) {
	payload, _ := json.Marshal(struct {
		IntentID string `json:"intent_id"`
		Reason   string `json:"reason"`
	}{intent.IntentID, string(reason)})
	e.spine.Publish("titan.evt.execution.reject.v1", nil, payload)
}
