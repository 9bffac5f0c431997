package shadow

import (
	"time"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
)

// PrepareIntent admits a new intent in Prepared state, enforcing the
// at-most-one-prepared-per-(producer,symbol,side) invariant and
// intent_id duplication rejection (spec §4.F, §8).
func (s *Shadow) PrepareIntent(intent domain.Intent, plan domain.ExecutionPlan) (*domain.Record, error) {
	val, err := s.do(func(st *state) (any, error) {
		if _, exists := st.Intents[intent.IntentID]; exists {
			return nil, errs.New(errs.KindDuplicate, "intent_id already present")
		}

		for _, rec := range st.Intents {
			if rec.State != domain.Prepared {
				continue
			}
			if rec.Intent.Source == intent.Source && rec.Intent.Symbol == intent.Symbol && rec.Intent.Side == intent.Side {
				return nil, errs.New(errs.KindDuplicate, "producer/symbol/side already has a Prepared intent")
			}
		}

		rec := &domain.Record{
			Intent:     intent,
			State:      domain.Prepared,
			Plan:       plan,
			PreparedAt: time.Now(),
			UpdatedAt:  time.Now(),
		}
		st.Intents[intent.IntentID] = rec
		st.Seq++
		out := *rec
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish("intent.prepared", val)
	return val.(*domain.Record), nil
}

// Transition moves intentID to newState if the edge is legal, recording
// reason for terminal/rejected transitions.
func (s *Shadow) Transition(intentID string, newState domain.State, reason string) (*domain.Record, error) {
	val, err := s.do(func(st *state) (any, error) {
		rec, ok := st.Intents[intentID]
		if !ok {
			return nil, errs.New(errs.KindMalformedIntent, "unknown intent_id")
		}
		if !domain.CanTransition(rec.State, newState) {
			return nil, errs.New(errs.KindMalformedIntent, "illegal state transition "+string(rec.State)+"->"+string(newState))
		}
		rec.State = newState
		rec.Reason = reason
		rec.UpdatedAt = time.Now()
		st.Seq++
		out := *rec
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish("intent.transitioned", val)
	return val.(*domain.Record), nil
}

// SetAckPending flags an intent as ambiguous pending reconciliation
// (spec §4.F: venue timeout before ack).
func (s *Shadow) SetAckPending(intentID string, pending bool) error {
	_, err := s.do(func(st *state) (any, error) {
		rec, ok := st.Intents[intentID]
		if !ok {
			return nil, errs.New(errs.KindMalformedIntent, "unknown intent_id")
		}
		rec.AckPending = pending
		rec.UpdatedAt = time.Now()
		st.Seq++
		return nil, nil
	})
	return err
}

// Get returns a copy of one intent record.
func (s *Shadow) Get(intentID string) (domain.Record, bool) {
	val, _ := s.do(func(st *state) (any, error) {
		rec, ok := st.Intents[intentID]
		if !ok {
			return domain.Record{}, nil
		}
		return *rec, nil
	})
	rec := val.(domain.Record)
	return rec, rec.Intent.IntentID != ""
}

// ApplyFill folds a reconciled fill into the position table and marks
// the originating intent Filled/PartiallyFilled (spec §3, §4.H).
func (s *Shadow) ApplyFill(intentID, venue, symbol string, size, price float64, seq uint64, complete bool) (*domain.Position, error) {
	val, err := s.do(func(st *state) (any, error) {
		key := domain.VenueSymbol{Venue: venue, Symbol: symbol}
		pos, ok := st.Positions[key]
		if !ok {
			pos = &domain.Position{Venue: venue, Symbol: symbol}
			st.Positions[key] = pos
		}
		pos.ApplyFill(intentID, size, price, seq)

		if rec, ok := st.Intents[intentID]; ok {
			if complete {
				rec.State = domain.Filled
			} else {
				rec.State = domain.PartiallyFilled
			}
			rec.UpdatedAt = time.Now()
		}

		if pos.NetSize == 0 {
			delete(st.Positions, key)
		}
		st.Seq++
		out := *pos
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish("position.fill_applied", val)
	return val.(*domain.Position), nil
}

// AdjustDailyLoss accumulates realized loss for the circuit breaker
// subsystem (spec §4.K).
func (s *Shadow) AdjustDailyLoss(delta float64) domain.DailyCounters {
	val, _ := s.do(func(st *state) (any, error) {
		st.Counters.Loss += delta
		if st.Counters.Loss > st.Counters.DrawdownPeak {
			st.Counters.DrawdownPeak = st.Counters.Loss
		}
		st.Seq++
		return st.Counters, nil
	})
	return val.(domain.DailyCounters)
}

// ResetDaily clears the daily counters (operator/scheduler action, e.g.
// at UTC day roll).
func (s *Shadow) ResetDaily() {
	s.do(func(st *state) (any, error) {
		st.Counters = domain.DailyCounters{}
		st.Seq++
		return nil, nil
	})
}

// ReservedAndOpenSize sums the budget-conservation invariant inputs for
// one (producer,symbol,side): reserved size of Prepared intents plus
// open size of Confirmed/Filled intents (spec §8: "Conservation of
// budget").
func (s *Shadow) ReservedAndOpenSize(pss domain.ProducerSymbolSide) float64 {
	val, _ := s.do(func(st *state) (any, error) {
		var total float64
		for _, rec := range st.Intents {
			if rec.Intent.Source != pss.Producer || rec.Intent.Symbol != pss.Symbol || rec.Intent.Side != pss.Side {
				continue
			}
			switch rec.State {
			case domain.Prepared:
				total += rec.Plan.Size
			case domain.Confirmed, domain.Filled, domain.PartiallyFilled:
				total += rec.Plan.Size
			}
		}
		return total, nil
	})
	return val.(float64)
}
