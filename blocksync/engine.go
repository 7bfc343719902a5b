// Package blocksync ingests finalized block headers, strictly in order and
// exactly once, and folds each block's events into the durable earnings,
// bids and sync-cursor documents. Restarting the process is always safe: the
// startup gap-fill walks the chain back from the current head to the durable
// cursor, so no block is skipped no matter how long the process was down.
package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"minebot/bidding"
	"minebot/chain"
	"minebot/frame"
	"minebot/metrics"
	"minebot/store"
)

// Config assembles a sync engine. Local is the day-to-day chain source;
// Archive retains full history and serves backfill reads older than the
// local source's retention window.
type Config struct {
	Local   chain.Client
	Archive chain.Client

	// LocalRetainBlocks is how many recent blocks the local source keeps.
	// Headers deeper than this are fetched from the archive.
	LocalRetainBlocks uint64

	Storage  *store.Storage
	Frames   frame.Config
	Accounts bidding.Accounts
	Logger   log.Logger

	// OldestFrameID overrides where a fresh installation starts syncing.
	// Nil means start at the frame of the current finalized head.
	OldestFrameID *uint64

	// PollInterval is the scheduler tick between queue drains.
	PollInterval time.Duration
}

func (c Config) validate() error {
	if c.Local == nil || c.Archive == nil {
		return errors.New("blocksync: both chain sources are required")
	}
	if c.Storage == nil {
		return errors.New("blocksync: storage is required")
	}
	if c.Accounts == nil {
		return errors.New("blocksync: accounts are required")
	}
	return c.Frames.Validate()
}

// Engine is the synchronization engine. One goroutine processes headers; the
// subscription feeding the queue is the only other writer.
type Engine struct {
	cfg     Config
	logger  log.Logger
	tracker *rewardTracker

	mu           sync.Mutex
	queue        []chain.Header
	lastSeenHash chain.Hash
	stopping     bool
	done         chan struct{}

	cursor struct {
		valid       bool
		blockNumber uint64
		frameID     uint64
		tick        uint64
	}

	frameTicks struct {
		id          uint64
		first, last uint64
		valid       bool
	}

	oldestTick uint64
	latestTick uint64

	prevSnapshot *chain.CohortSnapshot

	lastRateSampleAt    time.Time
	lastRateSampleFrame uint64
	ratesSampled        bool

	maxSeats       int
	maxSeatsReason string
	haveMaxSeats   bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	owns := func(addr string) bool {
		if addr == cfg.Accounts.FundingAddress() {
			return true
		}
		_, ok := cfg.Accounts.OwnsAddress(addr)
		return ok
	}
	return &Engine{
		cfg:     cfg,
		logger:  log.With(cfg.Logger, "module", "blocksync"),
		tracker: newRewardTracker(owns),
		done:    make(chan struct{}),
	}, nil
}

// Run performs the startup protocol and then follows the chain until the
// context is canceled or Stop is called. Processing errors abort the loop
// and propagate, unless the engine is already stopping.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Catchup(ctx); err != nil {
		return err
	}
	return e.Follow(ctx)
}

// Catchup runs the startup protocol: initialize the cursor bounds, backfill
// the gap between the durable cursor and the current finalized head, and
// drain the queue. Safe to call again after a failure.
func (e *Engine) Catchup(ctx context.Context) error {
	return e.startup(ctx)
}

// Follow subscribes to newly finalized headers and processes them until the
// context is canceled or Stop is called.
func (e *Engine) Follow(ctx context.Context) error {
	headers, unsubscribe, err := e.cfg.Local.SubscribeFinalizedHeads(ctx)
	if err != nil {
		return fmt.Errorf("subscribe finalized heads: %w", err)
	}
	defer unsubscribe()

	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.done:
			return nil

		case h, ok := <-headers:
			if !ok {
				return errors.New("finalized head subscription closed")
			}
			e.enqueue(h)

		case <-timer.C:
			if err := e.SyncToLatest(ctx); err != nil {
				if e.isStopping() {
					level.Debug(e.logger).Log("msg", "ignoring error during shutdown", "err", err)
					return nil
				}
				return err
			}
			timer.Reset(e.cfg.PollInterval)
		}
	}
}

// Stop makes Run return after any in-progress block finishes. Errors raised
// after Stop are swallowed.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return
	}
	e.stopping = true
	close(e.done)
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

// startup initializes the durable cursor bounds and backfills the gap
// between the cursor and the current finalized head, then drains it.
func (e *Engine) startup(ctx context.Context) error {
	head, err := e.cfg.Local.FinalizedHead(ctx)
	if err != nil {
		return fmt.Errorf("finalized head: %w", err)
	}

	state, err := e.cfg.Storage.SyncState().Get()
	if err != nil {
		return err
	}

	oldestFrameID := state.OldestFrameIDToSync
	if oldestFrameID == 0 {
		if e.cfg.OldestFrameID != nil {
			oldestFrameID = *e.cfg.OldestFrameID
		} else {
			oldestFrameID = e.cfg.Frames.IDForTick(head.Tick)
		}
		if _, err := e.cfg.Storage.SyncState().Mutate(func(s *store.SyncState) bool {
			if s.OldestFrameIDToSync != 0 {
				return false
			}
			s.OldestFrameIDToSync = oldestFrameID
			return true
		}); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.oldestTick, _ = e.cfg.Frames.TickRange(oldestFrameID)
	e.latestTick = head.Tick
	if state.LastBlockNumber > 0 {
		e.cursor.valid = true
		e.cursor.blockNumber = state.LastBlockNumber
		e.cursor.frameID = state.CurrentFrameID
	}
	e.mu.Unlock()

	if err := e.backfill(ctx, head, state.LastBlockNumber, oldestFrameID); err != nil {
		return err
	}
	return e.SyncToLatest(ctx)
}

// backfill walks parent links backward from head, prepending headers onto
// the queue, until the queue reaches the block after the durable cursor or
// crosses below the oldest frame to sync.
func (e *Engine) backfill(ctx context.Context, head chain.Header, lastProcessed, oldestFrameID uint64) error {
	var backlog []chain.Header

	h := head
	for {
		if h.Number <= lastProcessed {
			break
		}
		if e.cfg.Frames.IDForTick(h.Tick) < oldestFrameID {
			break
		}
		backlog = append(backlog, h)
		if h.Number == lastProcessed+1 || h.Number == 0 {
			break
		}

		parent, err := e.sourceFor(head.Number, h.Number-1).Header(ctx, h.ParentHash)
		if err != nil {
			return fmt.Errorf("backfill header %d: %w", h.Number-1, err)
		}
		h = parent
	}

	for _, header := range backlog {
		e.enqueue(header)
	}
	level.Info(e.logger).Log("msg", "backfill complete", "queued", len(backlog), "head", head.Number)
	return nil
}

// sourceFor picks the chain source holding the given block: the archive if
// the block is older than the local source's retention window.
func (e *Engine) sourceFor(head, number uint64) chain.Client {
	if e.cfg.LocalRetainBlocks > 0 && head > number && head-number > e.cfg.LocalRetainBlocks {
		return e.cfg.Archive
	}
	return e.cfg.Local
}

// enqueue inserts a header into the queue in ascending block-number order,
// dropping duplicates. Subscriptions may deliver out of order.
func (e *Engine) enqueue(h chain.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.Hash == e.lastSeenHash {
		return
	}
	e.lastSeenHash = h.Hash

	for _, queued := range e.queue {
		if queued.Hash == h.Hash {
			return
		}
	}

	i := sort.Search(len(e.queue), func(i int) bool { return e.queue[i].Number >= h.Number })
	if i < len(e.queue) && e.queue[i].Number == h.Number {
		return
	}
	e.queue = append(e.queue, chain.Header{})
	copy(e.queue[i+1:], e.queue[i:])
	e.queue[i] = h

	if h.Tick > e.latestTick {
		e.latestTick = h.Tick
	}
	metrics.SyncQueueDepth.Set(float64(len(e.queue)))
}

// SyncToLatest drains the queue, processing every queued header in order.
func (e *Engine) SyncToLatest(ctx context.Context) error {
	for {
		processed, err := e.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ProcessNext processes the lowest queued header, filling any gap between it
// and the durable cursor first. It reports whether a header was consumed.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false, nil
	}
	next := e.queue[0]
	cursorValid, cursorNumber := e.cursor.valid, e.cursor.blockNumber
	e.mu.Unlock()

	// Re-check for a gap between the queue head and the cursor; the
	// subscription can skip blocks across reconnects.
	if cursorValid && next.Number > cursorNumber+1 {
		if err := e.fillGap(ctx, next, cursorNumber); err != nil {
			return false, err
		}
		e.mu.Lock()
		next = e.queue[0]
		e.mu.Unlock()
	}

	if err := e.processHeader(ctx, next); err != nil {
		metrics.BlocksProcessedTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("process block %d: %w", next.Number, err)
	}

	e.mu.Lock()
	if len(e.queue) > 0 && e.queue[0].Hash == next.Hash {
		e.queue = e.queue[1:]
	}
	metrics.SyncQueueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()
	return true, nil
}

// fillGap walks parents from the queue head down to the cursor and enqueues
// the missing headers.
func (e *Engine) fillGap(ctx context.Context, from chain.Header, cursorNumber uint64) error {
	level.Warn(e.logger).Log("msg", "filling header gap", "from", cursorNumber+1, "to", from.Number-1)

	h := from
	for h.Number > cursorNumber+1 {
		parent, err := e.sourceFor(from.Number, h.Number-1).Header(ctx, h.ParentHash)
		if err != nil {
			return fmt.Errorf("gap header %d: %w", h.Number-1, err)
		}
		e.enqueue(parent)
		h = parent
	}
	return nil
}
