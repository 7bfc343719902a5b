// Package bot assembles the durable store, activity ledger, bidding engine,
// and block sync engine into one process, and provides the run-main scaffold
// used by cmd/minebot.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"minebot/bidding"
	"minebot/blocksync"
	"minebot/calc"
	"minebot/chain"
	"minebot/frame"
	"minebot/ledger"
	"minebot/metrics"
	"minebot/store"
)

// Readiness is the bot's coarse lifecycle state, surfaced on /status.
type Readiness string

const (
	ReadinessStarting        Readiness = "starting"
	ReadinessWaitingForRules Readiness = "waiting-for-rules"
	ReadinessSyncing         Readiness = "syncing"
	ReadinessReady           Readiness = "ready"
)

var readinessStates = []Readiness{ReadinessStarting, ReadinessWaitingForRules, ReadinessSyncing, ReadinessReady}

// Config collects everything the bot needs. The chain clients and account
// set are constructed by the caller, the way cmd/minebot does it, so the
// bot itself is network-agnostic.
type Config struct {
	Local   chain.Client
	Archive chain.Client

	Accounts bidding.Accounts

	// Calculator decides the bidding parameters. Leave nil to load it from
	// RulesPath instead; the bot then waits for the rules file to appear.
	Calculator calc.Calculator
	RulesPath  string

	// DataDir is the root of the durable JSON store.
	DataDir string

	// LocalRetainBlocks is how many blocks behind the head the local node
	// retains; older blocks are fetched from the archive client.
	LocalRetainBlocks uint64

	// OldestFrameID optionally bounds the backfill on first run. Nil means
	// start from the frame containing the current finalized head.
	OldestFrameID *uint64

	// PollInterval is the fallback sync poll cadence. Zero means the engine
	// default.
	PollInterval time.Duration

	// SeatMirrorInterval is how often the bidders' seat targets are mirrored
	// into the sync state document. Zero means 10 seconds.
	SeatMirrorInterval time.Duration

	// RulesPollInterval is how often a missing rules file is re-checked.
	// Zero means 5 seconds.
	RulesPollInterval time.Duration

	Logger log.Logger
}

func (cfg *Config) validate() error {
	if cfg.Local == nil {
		return fmt.Errorf("missing local chain client")
	}
	if cfg.Archive == nil {
		return fmt.Errorf("missing archive chain client")
	}
	if cfg.Accounts == nil {
		return fmt.Errorf("missing accounts")
	}
	if cfg.Calculator == nil && cfg.RulesPath == "" {
		return fmt.Errorf("missing calculator and rules path")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	if cfg.SeatMirrorInterval == 0 {
		cfg.SeatMirrorInterval = 10 * time.Second
	}
	if cfg.RulesPollInterval == 0 {
		cfg.RulesPollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	return nil
}

// Bot wires the components together in dependency order and runs them. Run
// blocks until the context is canceled or Stop is called; restart-safety
// comes entirely from the durable store, so a crash at any point resumes
// where the documents left off.
type Bot struct {
	cfg    Config
	logger log.Logger

	mu         sync.Mutex
	readiness  Readiness
	frames     frame.Config
	storage    *store.Storage
	ledger     *ledger.Ledger
	autobidder *bidding.AutoBidder
	engine     *blocksync.Engine
}

func New(cfg Config) (*Bot, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	b := &Bot{
		cfg:    cfg,
		logger: log.With(cfg.Logger, "module", "bot"),
	}
	b.setReadiness(ReadinessStarting)
	return b, nil
}

// Run resolves the frame constants, builds the components, catches the sync
// engine up to the finalized head, starts the bidding engine, and then
// follows the chain. Initial load failures are retried forever with backoff;
// only a canceled context or a Stop gets out.
func (b *Bot) Run(ctx context.Context) error {
	var frames frame.Config
	err := b.retryForever(ctx, "resolve frame config", func() error {
		var err error
		frames, err = b.cfg.Local.FrameConfig(ctx)
		if err != nil {
			return err
		}
		return frames.Validate()
	})
	if err != nil {
		return err
	}

	storage, err := store.NewStorage(b.cfg.DataDir, frames)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	lg := ledger.New(storage, b.cfg.Logger)

	engine, err := blocksync.NewEngine(blocksync.Config{
		Local:             b.cfg.Local,
		Archive:           b.cfg.Archive,
		LocalRetainBlocks: b.cfg.LocalRetainBlocks,
		Storage:           storage,
		Frames:            frames,
		Accounts:          b.cfg.Accounts,
		Logger:            b.cfg.Logger,
		OldestFrameID:     b.cfg.OldestFrameID,
		PollInterval:      b.cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("construct sync engine: %w", err)
	}
	b.mu.Lock()
	b.frames = frames
	b.storage = storage
	b.ledger = lg
	b.engine = engine
	b.mu.Unlock()

	lg.RecordStarting(b.bestEffortTick(ctx))

	b.setReadiness(ReadinessSyncing)
	lg.RecordStartedSyncing(b.bestEffortTick(ctx))
	if err := b.retryForever(ctx, "initial sync", func() error { return engine.Catchup(ctx) }); err != nil {
		return err
	}
	lg.RecordFinishedSyncing(b.bestEffortTick(ctx))

	calculator, err := b.resolveCalculator(ctx)
	if err != nil {
		return err
	}
	autobidder := bidding.NewAutoBidder(b.cfg.Local, b.cfg.Accounts, storage, lg, calculator, frames, b.cfg.Logger)
	b.mu.Lock()
	b.autobidder = autobidder
	b.mu.Unlock()

	if err := autobidder.Start(ctx); err != nil {
		lg.RecordError(b.bestEffortTick(ctx), err)
		return fmt.Errorf("start autobidder: %w", err)
	}

	b.setReadiness(ReadinessReady)
	lg.RecordReady(b.bestEffortTick(ctx))
	level.Info(b.logger).Log("msg", "ready", "data_dir", b.cfg.DataDir)

	mirrorDone := make(chan struct{})
	go b.mirrorSeats(ctx, mirrorDone)

	followErr := engine.Follow(ctx)
	close(mirrorDone)

	var result *multierror.Error
	if followErr != nil && !errors.Is(followErr, context.Canceled) {
		lg.RecordError(b.bestEffortTick(ctx), followErr)
		result = multierror.Append(result, followErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := autobidder.Stop(stopCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop autobidder: %w", err))
	}
	lg.RecordShutdown(b.bestEffortTick(stopCtx))
	storage.Close()
	level.Info(b.logger).Log("msg", "shut down")
	return result.ErrorOrNil()
}

// resolveCalculator returns the injected calculator, or waits for the rules
// file to appear and builds one from it. A present-but-invalid rules file is
// warned about and re-read, so the operator can fix it in place.
func (b *Bot) resolveCalculator(ctx context.Context) (calc.Calculator, error) {
	if b.cfg.Calculator != nil {
		return b.cfg.Calculator, nil
	}

	b.setReadiness(ReadinessWaitingForRules)
	level.Info(b.logger).Log("msg", "waiting for bidding rules", "path", b.cfg.RulesPath)
	for {
		rules, err := calc.LoadRules(b.cfg.RulesPath)
		if err == nil {
			c, err := calc.NewRuleCalculator(rules)
			if err == nil {
				return c, nil
			}
			level.Warn(b.logger).Log("msg", "bidding rules invalid", "path", b.cfg.RulesPath, "err", err)
		} else if !errors.Is(err, os.ErrNotExist) {
			level.Warn(b.logger).Log("msg", "read bidding rules", "path", b.cfg.RulesPath, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.RulesPollInterval):
		}
	}
}

// Stop makes Run return. Safe to call before Run has built the engine and
// safe to call more than once.
func (b *Bot) Stop() {
	b.mu.Lock()
	engine := b.engine
	b.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
}

// retryForever retries op with doubling backoff capped at a minute, recording
// each failure, until op succeeds or the context is canceled.
func (b *Bot) retryForever(ctx context.Context, what string, op func() error) error {
	backoff := time.Second
	for {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		level.Warn(b.logger).Log("msg", "retrying", "what", what, "err", err, "backoff", backoff)
		b.mu.Lock()
		lg := b.ledger
		b.mu.Unlock()
		if lg != nil {
			lg.RecordError(b.bestEffortTick(ctx), fmt.Errorf("%s: %w", what, err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// mirrorSeats periodically copies the running bidders' seat targets into the
// sync engine, so the sync state document reflects budget-driven seat
// reductions made by the bidding side.
func (b *Bot) mirrorSeats(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.SeatMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			autobidder, engine := b.autobidder, b.engine
			b.mu.Unlock()
			if autobidder == nil || engine == nil {
				continue
			}
			seats := autobidder.CohortSeats()
			if len(seats) == 0 {
				continue
			}
			latest := seats[len(seats)-1]
			engine.SetMaxSeats(latest.SeatsInPlay, latest.ReductionReason)
		}
	}
}

func (b *Bot) setReadiness(r Readiness) {
	b.mu.Lock()
	b.readiness = r
	b.mu.Unlock()
	for _, s := range readinessStates {
		v := 0.0
		if s == r {
			v = 1.0
		}
		metrics.ReadinessState.WithLabelValues(string(s)).Set(v)
	}
}

// Readiness returns the bot's current lifecycle state.
func (b *Bot) Readiness() Readiness {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readiness
}

func (b *Bot) bestEffortTick(ctx context.Context) uint64 {
	tick, err := b.cfg.Local.CurrentTick(ctx)
	if err == nil {
		return tick
	}
	b.mu.Lock()
	frames := b.frames
	b.mu.Unlock()
	return frames.CurrentTick(time.Now())
}

// Status is the bot's merged point-in-time state for the status surface.
type Status struct {
	Readiness     Readiness            `json:"readiness"`
	ActiveCohorts []bidding.CohortSeat `json:"activeCohorts"`
	Sync          *blocksync.State     `json:"sync,omitempty"`
}

// Status merges the readiness state, the active cohort bidders, and the sync
// engine's view into one snapshot.
func (b *Bot) Status(ctx context.Context) (Status, error) {
	b.mu.Lock()
	readiness := b.readiness
	autobidder, engine := b.autobidder, b.engine
	b.mu.Unlock()

	st := Status{Readiness: readiness, ActiveCohorts: []bidding.CohortSeat{}}
	if autobidder != nil {
		st.ActiveCohorts = autobidder.CohortSeats()
	}
	if engine != nil {
		sync, err := engine.State(ctx)
		if err != nil {
			return Status{}, err
		}
		st.Sync = &sync
	}
	return st, nil
}

// StatusHandler serves the merged status snapshot as JSON, for mounting on
// the debug server.
func (b *Bot) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := b.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(st)
	})
}
