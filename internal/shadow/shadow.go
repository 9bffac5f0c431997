// Package shadow implements the Shadow State (spec §4.D): the single
// authoritative, in-memory model of intents, positions and daily risk
// counters. Per spec §9 ("message passing over locks ... Shadow State is
// owned by the reactor and exposed by snapshot"), all mutations are
// serialized through one goroutine via a command channel; readers never
// take a lock, they request a copy-on-write Snapshot instead.
package shadow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
)

// state is the mutable model owned exclusively by the reactor goroutine.
type state struct {
	Intents   map[string]*domain.Record               `json:"intents"`
	Positions map[domain.VenueSymbol]*domain.Position `json:"-"`
	Counters  domain.DailyCounters                     `json:"counters"`
	Seq       uint64                                   `json:"seq"` // last applied event sequence
}

// checkpointFile is a serializable form of state since map keys with
// struct types don't round-trip through encoding/json directly.
type checkpointFile struct {
	Intents   map[string]*domain.Record `json:"intents"`
	Positions []domain.Position         `json:"positions"`
	Counters  domain.DailyCounters      `json:"counters"`
	Seq       uint64                    `json:"seq"`
}

// Snapshot is an immutable, point-in-time copy for readers (gate chain,
// HTTP admin surface).
type Snapshot struct {
	Intents   map[string]domain.Record
	Positions map[domain.VenueSymbol]domain.Position
	Counters  domain.DailyCounters
	Seq       uint64
}

type command struct {
	fn     func(*state) (any, error)
	result chan result
}

type result struct {
	val any
	err error
}

// Shadow is the actor handle; all exported methods are safe for
// concurrent use and serialize through the single reactor goroutine.
type Shadow struct {
	cmdCh chan command
	done  chan struct{}

	st state

	checkpointDir       string
	checkpointInterval  time.Duration
	checkpointMutations int
	mutationsSinceChk   int64
	lastCheckpointAt    time.Time

	onEvent func(kind string, payload any) // publishes to the event spine

	log zerolog.Logger
}

// Option configures a Shadow at construction.
type Option func(*Shadow)

func WithCheckpointDir(dir string) Option { return func(s *Shadow) { s.checkpointDir = dir } }
func WithCheckpointInterval(d time.Duration) Option {
	return func(s *Shadow) { s.checkpointInterval = d }
}
func WithCheckpointMutations(n int) Option {
	return func(s *Shadow) { s.checkpointMutations = n }
}
func WithEventSink(fn func(kind string, payload any)) Option {
	return func(s *Shadow) { s.onEvent = fn }
}
func WithLogger(l zerolog.Logger) Option { return func(s *Shadow) { s.log = l } }

// New constructs and starts the Shadow State reactor.
func New(opts ...Option) *Shadow {
	s := &Shadow{
		cmdCh: make(chan command),
		done:  make(chan struct{}),
		st: state{
			Intents:   make(map[string]*domain.Record),
			Positions: make(map[domain.VenueSymbol]*domain.Position),
		},
		checkpointInterval:  60 * time.Second,
		checkpointMutations: 10000,
		log:                 zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

func (s *Shadow) run() {
	ticker := time.NewTicker(max(s.checkpointInterval, time.Second))
	defer ticker.Stop()
	for {
		select {
		case cmd := <-s.cmdCh:
			val, err := cmd.fn(&s.st)
			atomic.AddInt64(&s.mutationsSinceChk, 1)
			cmd.result <- result{val: val, err: err}
			if atomic.LoadInt64(&s.mutationsSinceChk) >= int64(s.checkpointMutations) {
				s.checkpointLocked()
			}
		case <-ticker.C:
			s.checkpointLocked()
		case <-s.done:
			return
		}
	}
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// do submits fn to the reactor and blocks for its result. All mutation
// and read methods below are built on top of this.
func (s *Shadow) do(fn func(*state) (any, error)) (any, error) {
	result := make(chan result, 1)
	select {
	case s.cmdCh <- command{fn: fn, result: result}:
	case <-s.done:
		return nil, errs.New(errs.KindNotConnected, "shadow state reactor stopped")
	}
	r := <-result
	return r.val, r.err
}

// Close stops the reactor after flushing a final checkpoint.
func (s *Shadow) Close() {
	s.do(func(st *state) (any, error) {
		s.checkpointLocked()
		return nil, nil
	})
	close(s.done)
}

// Snapshot returns a deep copy-on-write view of the current state.
func (s *Shadow) Snapshot() Snapshot {
	val, _ := s.do(func(st *state) (any, error) {
		snap := Snapshot{
			Intents:   make(map[string]domain.Record, len(st.Intents)),
			Positions: make(map[domain.VenueSymbol]domain.Position, len(st.Positions)),
			Counters:  st.Counters,
			Seq:       st.Seq,
		}
		for k, v := range st.Intents {
			snap.Intents[k] = *v
		}
		for k, v := range st.Positions {
			snap.Positions[k] = *v
		}
		return snap, nil
	})
	return val.(Snapshot)
}

func (s *Shadow) publish(kind string, payload any) {
	if s.onEvent != nil {
		s.onEvent(kind, payload)
	}
}

// checkpointLocked serializes a full snapshot to
// {dir}/{stream}.chk.{sequence} (spec §4.D, §6) and resets the mutation
// counter. It runs only from the reactor goroutine (directly, or via
// do()'s synchronous round trip), so it never races state mutation.
func (s *Shadow) checkpointLocked() {
	atomic.StoreInt64(&s.mutationsSinceChk, 0)
	s.lastCheckpointAt = time.Now()
	if s.checkpointDir == "" {
		return
	}
	if err := os.MkdirAll(s.checkpointDir, 0o755); err != nil {
		s.log.Error().Err(err).Msg("checkpoint mkdir failed")
		return
	}

	cf := checkpointFile{
		Intents:  make(map[string]*domain.Record, len(s.st.Intents)),
		Counters: s.st.Counters,
		Seq:      s.st.Seq,
	}
	for k, v := range s.st.Intents {
		cp := *v
		cf.Intents[k] = &cp
	}
	for _, v := range s.st.Positions {
		cf.Positions = append(cf.Positions, *v)
	}

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("checkpoint marshal failed")
		return
	}

	path := filepath.Join(s.checkpointDir, "shadow.chk."+itoa(cf.Seq))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Error().Err(err).Msg("checkpoint write failed")
	}
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// Restore loads the most recent checkpoint from dir into a fresh Shadow,
// then the caller is expected to fold in any log records with sequence
// greater than the checkpoint's Seq (spec §6: "load latest checkpoint,
// then replay from its sequence").
func Restore(dir string, opts ...Option) (*Shadow, uint64, error) {
	s := New(opts...)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, 0, nil
		}
		return nil, 0, errs.Wrap(errs.KindStreamSpecDrift, "reading checkpoint directory", err)
	}

	var latest string
	var latestSeq uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseCheckpointSeq(e.Name())
		if ok && seq >= latestSeq {
			latestSeq = seq
			latest = e.Name()
		}
	}
	if latest == "" {
		return s, 0, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, latest))
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindStreamSpecDrift, "reading latest checkpoint", err)
	}
	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, 0, errs.Wrap(errs.KindStreamSpecDrift, "decoding latest checkpoint", err)
	}

	s.do(func(st *state) (any, error) {
		st.Intents = cf.Intents
		st.Counters = cf.Counters
		st.Seq = cf.Seq
		st.Positions = make(map[domain.VenueSymbol]*domain.Position, len(cf.Positions))
		for i := range cf.Positions {
			p := cf.Positions[i]
			st.Positions[domain.VenueSymbol{Venue: p.Venue, Symbol: p.Symbol}] = &p
		}
		return nil, nil
	})

	return s, cf.Seq, nil
}

func parseCheckpointSeq(name string) (uint64, bool) {
	const prefix = "shadow.chk."
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	var seq uint64
	for _, c := range name[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, false
		}
		seq = seq*10 + uint64(c-'0')
	}
	return seq, true
}
