package blocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"minebot/chain"
	"minebot/frame"
	"minebot/metrics"
	"minebot/store"
)

// rateSampleInterval is how long a sample stays fresh within one frame. A
// frame rollover makes a new sample due regardless.
const rateSampleInterval = time.Hour

// processHeader applies one finalized block: derives its frame, folds its
// events into the earnings and bids documents, then advances the durable
// cursor. Every mutation is guarded by the block-number monotonic check, so
// re-applying a seen block is a no-op rather than a corruption.
func (e *Engine) processHeader(ctx context.Context, h chain.Header) error {
	if h.Tick == 0 {
		// A finalized header without a tick means the frame arithmetic has
		// nothing to anchor on. Not locally recoverable.
		return fmt.Errorf("block %d: header carries no tick", h.Number)
	}

	frameID := e.cfg.Frames.IDForTick(h.Tick)
	first, last := e.refreshFrameTicks(frameID)

	source := e.sourceForCurrent(h.Number)
	events, err := source.BlockEvents(ctx, h.Hash)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}

	deltas := e.tracker.deltas(events, h.Author, frameID)

	bidsChanged, seatsFinalized, err := e.syncBidding(ctx, h, events)
	if err != nil {
		return err
	}

	rates, sampleRates := e.maybeSampleRates(ctx, frameID)

	applied, err := e.cfg.Storage.Earnings(frameID).Mutate(func(doc *store.Earnings) bool {
		if doc.LastBlockNumber >= h.Number {
			return false
		}
		if doc.FirstBlockNumber == 0 {
			doc.FirstBlockNumber = h.Number
		}
		doc.LastBlockNumber = h.Number
		doc.FrameProgress = frame.Progress(h.Tick, first, last)
		doc.FirstTick, doc.LastTick = first, last

		if sampleRates {
			doc.MicrogonToUSD = append(doc.MicrogonToUSD, store.NewBigInt(rates.USD))
			doc.MicrogonToBTC = append(doc.MicrogonToBTC, store.NewBigInt(rates.BTC))
			doc.MicrogonToMicronot = append(doc.MicrogonToMicronot, store.NewBigInt(rates.Micronot))
		}

		if doc.ByCohortActivationFrameID == nil {
			doc.ByCohortActivationFrameID = map[uint64]*store.CohortEarnings{}
		}
		for cohort, delta := range deltas {
			ce := doc.ByCohortActivationFrameID[cohort]
			if ce == nil {
				ce = &store.CohortEarnings{}
				doc.ByCohortActivationFrameID[cohort] = ce
			}
			ce.BlocksMined += delta.blocksMined
			ce.MicrogonsMined = ce.MicrogonsMined.Add(store.NewBigInt(delta.microgonsMined))
			ce.MicrogonsMinted = ce.MicrogonsMinted.Add(store.NewBigInt(delta.microgonsMinted))
			ce.MicronotsMined = ce.MicronotsMined.Add(store.NewBigInt(delta.micronotsMined))
			if delta.blocksMined > 0 {
				ce.LastBlockMinedAt = e.cfg.Frames.TickTime(h.Tick)
			}

			profit := store.NewBigInt(delta.microgonsMined).Add(store.NewBigInt(delta.microgonsMinted))
			doc.AccruedMicrogonProfits = doc.AccruedMicrogonProfits.Add(profit)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("earnings: %w", err)
	}
	if applied && sampleRates {
		e.commitRateSample(frameID)
	}
	if !applied {
		metrics.BlocksSkippedTotal.Inc()
		level.Debug(e.logger).Log("msg", "block already applied to earnings", "block", h.Number)
	}

	return e.advanceCursor(h, frameID, applied, bidsChanged, seatsFinalized)
}

// advanceCursor moves the durable sync cursor past the block, rejecting
// duplicates via the monotonic guard.
func (e *Engine) advanceCursor(h chain.Header, frameID uint64, earningsApplied, bidsChanged, seatsFinalized bool) error {
	e.mu.Lock()
	if h.Tick > e.latestTick {
		e.latestTick = h.Tick
	}
	oldestTick, latestTick := e.oldestTick, e.latestTick
	maxSeats, maxSeatsReason, haveMaxSeats := e.maxSeats, e.maxSeatsReason, e.haveMaxSeats
	queueDepth := len(e.queue)
	e.mu.Unlock()

	first, last := e.cfg.Frames.TickRange(frameID)
	frameProgress := frame.Progress(h.Tick, first, last)
	syncProgress := e.overallProgress(h.Tick, oldestTick, latestTick, queueDepth)

	applied, err := e.cfg.Storage.SyncState().Mutate(func(s *store.SyncState) bool {
		if s.LastBlockNumber >= h.Number {
			return false
		}
		s.LastBlockNumber = h.Number
		s.LastBlockHash = store.Bytes(h.Hash[:])
		s.LastFinalizedBlockNumber = h.Number
		s.CurrentFrameID = frameID
		s.CurrentFrameProgress = frameProgress
		s.SyncProgress = syncProgress
		s.QueueDepth = queueDepth
		if s.LastBlockNumberByFrameID == nil {
			s.LastBlockNumberByFrameID = map[uint64]uint64{}
		}
		s.LastBlockNumberByFrameID[frameID] = h.Number
		if earningsApplied {
			s.EarningsLastModifiedAt = time.Now().UTC()
		}
		if bidsChanged {
			s.HasMiningBids = true
			s.BidsLastModifiedAt = time.Now().UTC()
		}
		if seatsFinalized {
			s.HasMiningSeats = true
		}
		if haveMaxSeats {
			s.MaxSeatsPossible = maxSeats
			s.MaxSeatsReductionReason = maxSeatsReason
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("sync cursor: %w", err)
	}
	if !applied {
		level.Debug(e.logger).Log("msg", "cursor already past block", "block", h.Number)
		return nil
	}

	e.mu.Lock()
	e.cursor.valid = true
	e.cursor.blockNumber = h.Number
	e.cursor.frameID = frameID
	e.cursor.tick = h.Tick
	e.mu.Unlock()

	metrics.BlocksProcessedTotal.WithLabelValues("ok").Inc()
	metrics.CurrentFrameID.Set(float64(frameID))
	metrics.SyncProgress.Set(syncProgress)
	return nil
}

// overallProgress combines how far processing has come through the
// oldest-to-latest tick span with how far the queue has been filled across
// the same span. Before processing starts, only queue fill counts.
func (e *Engine) overallProgress(processedTick, oldestTick, latestTick uint64, queueDepth int) float64 {
	queueFill := 100.0
	e.mu.Lock()
	if queueDepth > 0 && len(e.queue) > 0 {
		queueFill = 100 - frame.Progress(e.queue[0].Tick, oldestTick, latestTick)
	}
	cursorValid := e.cursor.valid
	e.mu.Unlock()

	if !cursorValid && processedTick == 0 {
		return round2(queueFill)
	}
	processing := frame.Progress(processedTick, oldestTick, latestTick)
	return round2((processing + queueFill) / 2)
}

func round2(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return float64(int(v*100+0.5)) / 100
}

// refreshFrameTicks returns the frame's tick range, recomputing the cached
// copy only when the frame rolls over.
func (e *Engine) refreshFrameTicks(frameID uint64) (first, last uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frameTicks.valid || e.frameTicks.id != frameID {
		e.frameTicks.id = frameID
		e.frameTicks.first, e.frameTicks.last = e.cfg.Frames.TickRange(frameID)
		e.frameTicks.valid = true
	}
	return e.frameTicks.first, e.frameTicks.last
}

// maybeSampleRates fetches an exchange-rate sample when one is due: an hour
// since the last sample, or the frame rolled over since it. The rate-limit
// state only moves once commitRateSample confirms the sample was written, so
// a sample rejected by the earnings guard is retried on the next block.
func (e *Engine) maybeSampleRates(ctx context.Context, frameID uint64) (chain.ExchangeRates, bool) {
	e.mu.Lock()
	due := !e.ratesSampled ||
		time.Since(e.lastRateSampleAt) >= rateSampleInterval ||
		e.lastRateSampleFrame != frameID
	e.mu.Unlock()
	if !due {
		return chain.ExchangeRates{}, false
	}

	rates, err := e.cfg.Local.ExchangeRates(ctx)
	if err != nil {
		level.Warn(e.logger).Log("msg", "exchange rate sample failed", "err", err)
		return chain.ExchangeRates{}, false
	}
	return rates, true
}

func (e *Engine) commitRateSample(frameID uint64) {
	e.mu.Lock()
	e.ratesSampled = true
	e.lastRateSampleAt = time.Now()
	e.lastRateSampleFrame = frameID
	e.mu.Unlock()
}

// sourceForCurrent picks local or archive based on the engine's best known
// head.
func (e *Engine) sourceForCurrent(number uint64) chain.Client {
	e.mu.Lock()
	head := e.cursor.blockNumber
	if n := len(e.queue); n > 0 && e.queue[n-1].Number > head {
		head = e.queue[n-1].Number
	}
	e.mu.Unlock()
	return e.sourceFor(head, number)
}

// SetMaxSeats mirrors the bidding engine's current seat target into the sync
// state document on the next cursor advance.
func (e *Engine) SetMaxSeats(seats int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxSeats = seats
	e.maxSeatsReason = reason
	e.haveMaxSeats = true
}

// State is a point-in-time snapshot of sync status for the status surface.
type State struct {
	SyncState          store.SyncState `json:"syncState"`
	QueueDepth         int             `json:"queueDepth"`
	LocalBlockNumber   uint64          `json:"localBlockNumber"`
	ArchiveBlockNumber uint64          `json:"archiveBlockNumber"`
}

// State reports the durable cursor merged with live queue depth and the
// heights of both chain sources.
func (e *Engine) State(ctx context.Context) (State, error) {
	syncState, err := e.cfg.Storage.SyncState().Get()
	if err != nil {
		return State{}, err
	}

	e.mu.Lock()
	queueDepth := len(e.queue)
	e.mu.Unlock()

	out := State{SyncState: syncState, QueueDepth: queueDepth}

	if n, err := e.cfg.Local.BestBlockNumber(ctx); err == nil {
		out.LocalBlockNumber = n
	}
	if n, err := e.cfg.Archive.BestBlockNumber(ctx); err == nil {
		out.ArchiveBlockNumber = n
	}
	return out, nil
}
