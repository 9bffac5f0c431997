package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/foundryfi/titan-core/internal/allocator"
	"github.com/foundryfi/titan-core/internal/breaker"
	"github.com/foundryfi/titan-core/internal/codec"
	"github.com/foundryfi/titan-core/internal/config"
	"github.com/foundryfi/titan-core/internal/dispatcher"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/httpapi"
	"github.com/foundryfi/titan-core/internal/lifecycle"
	"github.com/foundryfi/titan-core/internal/logx"
	"github.com/foundryfi/titan-core/internal/operator"
	"github.com/foundryfi/titan-core/internal/persistence/postgres"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/reconcile"
	"github.com/foundryfi/titan-core/internal/replay"
	"github.com/foundryfi/titan-core/internal/shadow"
	"github.com/foundryfi/titan-core/internal/simvenue"
	"github.com/foundryfi/titan-core/internal/spine"
	"github.com/foundryfi/titan-core/internal/transport"
)

// reconcileStaleAfter is the Truth Engine's staleness clock: once no
// fill has been observed for longer than this, the score is held
// (never raised) regardless of the other four factors (spec §4.H:
// "Truth monotonicity under stall").
const reconcileStaleAfter = 15 * time.Second

func newServeCmd() *cobra.Command {
	var operationalPath string
	var spineDir string
	var checkpointDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core process: fast-path transport, gate chain, allocator and admin HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), operationalPath, spineDir, checkpointDir)
		},
	}
	cmd.Flags().StringVar(&operationalPath, "config", "", "path to operational YAML config (defaults baked in if empty)")
	cmd.Flags().StringVar(&spineDir, "spine-dir", "./data/spine", "directory the event spine persists its streams under")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "./data/shadow", "directory Shadow State checkpoints to")
	return cmd
}

func runServe(ctx context.Context, operationalPath, spineDir, checkpointDir string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logx.For("serve")

	env, err := config.LoadEnv(nil)
	if err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	opCfg, err := config.LoadOperational(operationalPath)
	if err != nil {
		return fmt.Errorf("loading operational config: %w", err)
	}
	pol, err := policy.Load(env.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading risk policy: %w", err)
	}
	log.Info().Str("policy_hash", pol.Hash).Msg("risk policy resolved")

	sp := spine.New(spineDir)
	if err := declareStreams(sp); err != nil {
		return fmt.Errorf("declaring event spine streams: %w", err)
	}

	// No second execution-side process exists in this deployment, so the
	// handshake's remote hash is always empty: this call only commits the
	// boot-time record onto titan.req.exec.policy_hash.v1 (spec §4.J).
	if err := operator.Handshake(sp, pol.Hash, ""); err != nil {
		return fmt.Errorf("policy hash handshake: %w", err)
	}

	replayStore, closeReplay := newReplayStore(env)
	defer closeReplay()

	wireCodec := codec.New(env.HMACSecret, env.ClockSkew, replayStore)

	sh := shadow.New(
		shadow.WithCheckpointDir(checkpointDir),
		shadow.WithCheckpointInterval(opCfg.CheckpointInt),
		shadow.WithCheckpointMutations(opCfg.CheckpointMut),
		shadow.WithEventSink(func(kind string, payload any) { publishShadowEvent(sp, kind, payload) }),
		shadow.WithLogger(logx.For("shadow")),
	)

	baseThresholds := breaker.Thresholds{
		DefensiveDD:      opCfg.DefensiveDD,
		HaltDD:           opCfg.HaltDD,
		DefensiveTruth:   opCfg.DefensiveTruth,
		HaltTruth:        opCfg.HaltTruth,
		DefensiveQuality: opCfg.DefensiveQuality,
		DefensiveTail:    opCfg.DefensiveTail,
		DailyLimit:       pol.DailyDrawdownLimit,
		HysteresisWindow: opCfg.HysteresisWindow,
	}
	posture := breaker.New(baseThresholds)

	ordersPerSec := float64(env.MaxOrdersPerMin) / 60.0
	registry := dispatcher.NewRegistry(ordersPerSec, 10)
	simAdapter := simvenue.NewAdapter("sim", 2.0, staticBook)
	registry.Register("sim", simAdapter)

	truth := reconcile.New(reconcile.DefaultWeights(), opCfg.DriftPctThreshold, reconcileStaleAfter)
	if ledgerRepo, closeLedger, err := maybeLedgerRepo(env); err != nil {
		log.Warn().Err(err).Msg("ledger postgres mirror disabled")
	} else if ledgerRepo != nil {
		defer closeLedger()
		go mirrorLedger(ctx, truth, ledgerRepo, log)
	}
	if err := wireFillRecorder(sp, truth, opCfg.AckWait, opCfg.MaxDeliver); err != nil {
		return fmt.Errorf("binding reconciliation fill consumer: %w", err)
	}

	signals := newSignalBoard()
	budgetAllocator := allocator.New(sp, signals.snapshot, allocator.Thresholds{LeverageCapVolatile: pol.MaxAggregateLeverage / 2},
		allocator.WithPeriod(opCfg.AllocatorPeriod),
		allocator.WithLogger(logx.For("allocator")),
	)

	nonceStore, closeNonces := newNonceStore(env)
	defer closeNonces()
	verifier := operator.NewVerifier(env.HMACSecret, nonceStore, env.ClockSkew)
	presets := buildPresetLookup(baseThresholds)
	opHandler := operator.NewHandler(posture, sh, registry, sp, pol, presets, logx.For("operator"))

	engineCtx := &coreContext{posture: posture, truth: truth, budgets: budgetAllocator, armedFn: opHandler.Armed, minTruthForNewRisk: opCfg.MinTruthForNewRisk}

	engine := lifecycle.New(sh, pol, sp, registry, engineCtx, buildExecutionPlan,
		lifecycle.WithPrepareTTL(opCfg.PrepareTTL),
		lifecycle.WithVenueMaxRetries(opCfg.VenueMaxRetries),
		lifecycle.WithAckResolveWindow(opCfg.AckResolveWindow),
		lifecycle.WithLogger(logx.For("lifecycle")),
	)

	go budgetAllocator.Run(ctx)
	go postureSweep(ctx, posture, truth, sp)

	router := transport.Router(engine, opHandler, verifier)
	transportServer := transport.New(env.SocketPath, wireCodec, opCfg.ReplayWindow, router,
		transport.WithHighWaterMark(opCfg.SendQueueHighWater),
		transport.WithLogger(logx.For("transport")),
	)

	admin := httpapi.New(env.AdminAddr, httpapi.Deps{
		Policy:  pol,
		Posture: posture,
		Spine:   sp,
		Truth:   truth,
		ArmedFn: opHandler.Armed,
	}, logx.For("httpapi"))

	errCh := make(chan error, 2)
	go func() { errCh <- transportServer.Serve(ctx) }()
	go func() {
		if err := admin.Start(); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	log.Info().Str("socket", env.SocketPath).Str("admin_addr", env.AdminAddr).Msg("titancore serving")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server loop failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	sh.Close()
	return nil
}

// declareStreams commits the compiled-in StreamSpec for every subject
// family titancore publishes to (spec §6).
func declareStreams(sp *spine.Spine) error {
	specs := []spine.StreamSpec{
		{Name: "execution", Subjects: []string{"titan.cmd.execution.", "titan.evt.execution."}, MaxAge: 7 * 24 * time.Hour, Replicas: 1, Discard: "old"},
		{Name: "operator", Subjects: []string{"titan.cmd.operator."}, MaxAge: 30 * 24 * time.Hour, Replicas: 1, Discard: "old"},
		{Name: "budget", Subjects: []string{"titan.cmd.budget."}, MaxAge: 24 * time.Hour, Replicas: 1, Discard: "old"},
		{Name: "alert", Subjects: []string{"titan.evt.alert."}, MaxAge: 7 * 24 * time.Hour, Replicas: 1, Discard: "old"},
		{Name: "risk", Subjects: []string{"titan.evt.risk."}, MaxAge: 7 * 24 * time.Hour, Replicas: 1, Discard: "old"},
		{Name: "handshake", Subjects: []string{"titan.req.exec."}, MaxAge: time.Hour, Replicas: 1, Discard: "old"},
		{Name: "dlq", Subjects: []string{"titan.dlq."}, MaxAge: 30 * 24 * time.Hour, Replicas: 1, Discard: "old"},
	}
	for _, s := range specs {
		if err := sp.Declare(s); err != nil {
			return err
		}
	}
	return nil
}

func publishShadowEvent(sp *spine.Spine, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = sp.Publish("titan.evt.execution."+kind+".v1", nil, data)
}

func newReplayStore(env *config.Env) (codec.ReplayChecker, func()) {
	if env.RedisAddr == "" {
		return replay.NewMemoryStore(), func() {}
	}
	store := replay.NewRedisStore(env.RedisAddr, "titan:replay:")
	return store, func() { _ = store.Close() }
}

func newNonceStore(env *config.Env) (operator.NonceStore, func()) {
	if env.RedisAddr == "" {
		return operator.NewMemoryNonceStore(), func() {}
	}
	store := operator.NewRedisNonceStore(env.RedisAddr, "titan:nonce:")
	return store, func() { _ = store.Close() }
}

// maybeLedgerRepo opens the optional Postgres ledger mirror when PG_DSN
// is configured; a missing DSN is not an error, just a disabled mirror
// (spec §2 component R: "optional").
func maybeLedgerRepo(env *config.Env) (*postgres.LedgerRepo, func(), error) {
	if env.PostgresDSN == "" {
		return nil, func() {}, nil
	}
	db, err := sqlx.Connect("postgres", env.PostgresDSN)
	if err != nil {
		return nil, func() {}, err
	}
	if _, err := db.Exec(postgres.Schema); err != nil {
		_ = db.Close()
		return nil, func() {}, err
	}
	return postgres.NewLedgerRepo(db, 2*time.Second), func() { _ = db.Close() }, nil
}

// mirrorLedger periodically flushes newly appended postings to the
// durable Postgres mirror. The in-memory reconcile.Ledger remains the
// store of record; this is a best-effort replica for audit/replay.
func mirrorLedger(ctx context.Context, truth *reconcile.Engine, repo *postgres.LedgerRepo, log zerolog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			postings := truth.Ledger().Since(lastSeq)
			if len(postings) == 0 {
				continue
			}
			if err := repo.InsertBatch(ctx, postings); err != nil {
				log.Error().Err(err).Msg("ledger mirror flush failed")
				continue
			}
			lastSeq = postings[len(postings)-1].Sequence
		}
	}
}

// fillEvent mirrors the payload lifecycle.Engine.publishFill writes to
// titan.evt.execution.fill.v1.
type fillEvent struct {
	IntentID string      `json:"intent_id"`
	Venue    string      `json:"venue"`
	Symbol   string      `json:"symbol"`
	Side     domain.Side `json:"side"`
	OrderID  string      `json:"order_id"`
	Price    float64     `json:"price"`
	Size     float64     `json:"size"`
	Complete bool        `json:"complete"`
}

// wireFillRecorder binds a durable consumer on the execution stream's
// fill events into the Truth Engine, keeping the observed-position view
// independent of Shadow State's own bookkeeping (spec §4.H).
func wireFillRecorder(sp *spine.Spine, truth *reconcile.Engine, ackWait time.Duration, maxDeliver int) error {
	consumer, err := sp.Consumer("execution", "truth-engine", "titan.evt.execution.fill.v1", ackWait, maxDeliver)
	if err != nil {
		return err
	}
	sp.BindWithDLQ("execution", consumer, func(rec spine.Record) error {
		var ev fillEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return err
		}
		size := ev.Size
		if ev.Side == domain.Short {
			size = -size
		}
		posting := reconcile.Posting{
			IntentID:         ev.IntentID,
			Venue:            ev.Venue,
			Instrument:       ev.Symbol,
			Side:             string(ev.Side),
			Size:             size,
			Price:            ev.Price,
			OrderID:          ev.OrderID,
			RecordedAtUnixMs: rec.Timestamp.UnixMilli(),
		}
		truth.RecordFill(posting, size, 0)
		return nil
	})
	return nil
}

// staticBook is the reference top-of-book source used until a real
// market-data feed is wired in (out of scope: spec's producers deliver
// intents with an entry zone already priced, not raw book depth).
func staticBook(symbol string) (bid, ask float64, ok bool) { return 0, 0, false }
