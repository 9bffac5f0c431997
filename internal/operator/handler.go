package operator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/breaker"
	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/gates"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/shadow"
	"github.com/foundryfi/titan-core/internal/spine"
)

// PresetLookup resolves a named preset to a breaker threshold bundle
// (spec §4.J APPLY_PRESET).
type PresetLookup func(name string) (breaker.Thresholds, bool)

// Handler applies verified operator Commands to the running system
// (spec §4.J). It is the only writer of the ARM/DISARM flag.
type Handler struct {
	posture  *breaker.Posture
	shadow   *shadow.Shadow
	dispatch *dispatcher.Registry
	spine    *spine.Spine
	policy   *policy.Resolved
	presets  PresetLookup

	armed bool
	log   zerolog.Logger
}

func NewHandler(posture *breaker.Posture, sh *shadow.Shadow, dispatch *dispatcher.Registry, sp *spine.Spine, pol *policy.Resolved, presets PresetLookup, log zerolog.Logger) *Handler {
	return &Handler{posture: posture, shadow: sh, dispatch: dispatch, spine: sp, policy: pol, presets: presets, log: log}
}

// Armed reports whether the system currently accepts new PREPARE intents.
func (h *Handler) Armed() bool { return h.armed }

// Apply dispatches a verified command to its effect. ARM, DISARM, HALT
// and FLATTEN emit titan.cmd.operator.{verb}.v1 (spec §6). SET_POSTURE
// is only published, on the halt subject, and does not change the
// posture. APPLY_PRESET swaps the breaker thresholds and publishes
// nothing.
func (h *Handler) Apply(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case Arm:
		if !h.posture.ArmReset(time.Now()) && h.posture.Current() != domain.Normal {
			return errs.New(errs.KindSystemHalted, "posture has not cleared hysteresis_window: ARM refused")
		}
		h.armed = true
		h.publish("arm", cmd)
	case Disarm:
		h.armed = false
		h.publish("disarm", cmd)
	case Halt:
		h.armed = false
		h.publish("halt", cmd)
	case Flatten:
		h.publish("flatten", cmd)
		return h.flattenAll(ctx)
	case SetPosture:
		h.publish("halt", cmd) // posture changes ride the same subject family
	case ApplyPreset:
		if h.presets == nil {
			return errs.New(errs.KindMalformedIntent, "no preset store configured")
		}
		th, ok := h.presets(cmd.Target)
		if !ok {
			return errs.New(errs.KindMalformedIntent, "unknown preset "+cmd.Target)
		}
		h.posture.SetThresholds(th)
	default:
		return errs.New(errs.KindMalformedIntent, "unrecognized operator command type "+string(cmd.Type))
	}
	return nil
}

func (h *Handler) publish(verb string, cmd Command) {
	payload, _ := json.Marshal(cmd)
	h.spine.Publish("titan.cmd.operator."+verb+".v1", nil, payload)
}

// flattenAll emits a synthetic close intent for every open position and
// routes it through FlattenChain, bypassing budget and Truth gating but
// not risk math (spec §4.J), then dispatches directly to the venue.
func (h *Handler) flattenAll(ctx context.Context) error {
	snap := h.shadow.Snapshot()
	var firstErr error
	for key, pos := range snap.Positions {
		if pos.NetSize == 0 {
			continue
		}
		closeIntent := syntheticCloseIntent(key, pos, h.policy.Hash)

		gateCtx := gates.Context{
			Armed:      true, // closing risk is always evaluable, irrespective of ARM state
			Posture:    h.posture.Current(),
			TruthScore: 100, // Truth does not gate a flatten (decided open question)
			Budget:     domain.Budget{State: domain.BudgetActive, AllocatedEquity: abs(pos.NetSize * pos.AvgEntryPrice)},
			L2:         domain.L2Snapshot{Symbol: key.Symbol, Venue: key.Venue, BestBid: pos.AvgEntryPrice, BestAsk: pos.AvgEntryPrice, DepthUSD: abs(pos.NetSize*pos.AvgEntryPrice) * 10, AsOf: time.Now().UnixMilli()},
			VenueQuality: domain.VenueQuality{Venue: key.Venue, Score: 1},
			Now:          time.Now(),
		}

		result := gates.EvaluateFlatten(closeIntent, snap, h.policy, gateCtx)
		if !result.Passed {
			h.log.Error().Str("venue", key.Venue).Str("symbol", key.Symbol).Str("reason", string(result.Reason)).Msg("flatten rejected by risk math")
			if firstErr == nil {
				firstErr = errs.New(result.Reason, "flatten gate rejection for "+key.Venue+"/"+key.Symbol)
			}
			continue
		}

		plan := domain.ExecutionPlan{Price: pos.AvgEntryPrice, Size: result.AdjustedSize, OrderType: "market", Venue: key.Venue}
		if _, err := h.dispatch.Dispatch(ctx, closeIntent.IntentID, plan); err != nil {
			h.log.Error().Err(err).Str("intent_id", closeIntent.IntentID).Msg("flatten dispatch failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func syntheticCloseIntent(key domain.VenueSymbol, pos domain.Position, policyHash string) domain.Intent {
	side := domain.Long
	if pos.NetSize < 0 {
		side = domain.Short
	}
	return domain.Intent{
		IntentID:      "flatten-" + uuid.NewString(),
		Source:        "operator.flatten",
		Symbol:        key.Symbol,
		Side:          side,
		StopLoss:      pos.AvgEntryPrice,
		RequestedSize: abs(pos.NetSize),
		Confidence:    1,
		PolicyHash:    policyHash,
		CreatedAt:     time.Now(),
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
