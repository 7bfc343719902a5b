// Package ledger maintains the per-cohort activity log. Every notable thing
// the bot does or observes becomes one append-only entry in the cohort's
// history document.
package ledger

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"minebot/store"
)

// Ledger appends activities to the history document of the cohort currently
// being bid on. Entries recorded before any cohort is known are buffered in
// memory and flushed in one write when InitCohort names the cohort, so a
// crash before that point loses nothing that was already on disk.
type Ledger struct {
	storage *store.Storage
	logger  log.Logger

	mu                sync.Mutex
	activationFrameID uint64
	haveCohort        bool
	pending           []store.Activity
	lastTick          uint64
	seq               uint64
	lastBlockNumber   uint64
}

func New(storage *store.Storage, logger log.Logger) *Ledger {
	return &Ledger{
		storage: storage,
		logger:  logger,
	}
}

// InitCohort points the ledger at the cohort activating at the given frame
// and flushes any buffered entries into its history. Switching cohorts
// mid-run re-buffers nothing; entries always land in the cohort that was
// current when they were recorded.
func (l *Ledger) InitCohort(activationFrameID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.activationFrameID = activationFrameID
	l.haveCohort = true

	if len(l.pending) == 0 {
		return nil
	}

	pending := l.pending
	l.pending = nil
	for i := range pending {
		pending[i].FrameID = activationFrameID
	}

	_, err := l.storage.History(activationFrameID).Mutate(func(h *store.History) bool {
		h.Activities = append(h.Activities, pending...)
		return true
	})
	if err != nil {
		return fmt.Errorf("flush %d buffered activities: %w", len(pending), err)
	}
	return nil
}

// LastBlockNumber returns the highest block number the ledger has recorded
// an entry for.
func (l *Ledger) LastBlockNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlockNumber
}

func (l *Ledger) RecordStarting(tick uint64) {
	l.record(tick, 0, store.ActivityStarting, &store.LifecycleData{})
}

func (l *Ledger) RecordStartedSyncing(tick uint64) {
	l.record(tick, 0, store.ActivityStartedSyncing, &store.LifecycleData{})
}

func (l *Ledger) RecordFinishedSyncing(tick uint64) {
	l.record(tick, 0, store.ActivityFinishedSyncing, &store.LifecycleData{})
}

func (l *Ledger) RecordReady(tick uint64) {
	l.record(tick, 0, store.ActivityReady, &store.LifecycleData{})
}

func (l *Ledger) RecordShutdown(tick uint64) {
	l.record(tick, 0, store.ActivityShutdown, &store.LifecycleData{})
}

func (l *Ledger) RecordError(tick uint64, err error) {
	l.record(tick, 0, store.ActivityError, &store.ErrorData{Message: err.Error()})
}

func (l *Ledger) RecordBidsSubmitted(tick, blockNumber uint64, data store.BidsSubmittedData) {
	l.record(tick, blockNumber, store.ActivityBidsSubmitted, &data)
}

func (l *Ledger) RecordBidsRejected(tick, blockNumber uint64, data store.BidsRejectedData) {
	l.record(tick, blockNumber, store.ActivityBidsRejected, &data)
}

func (l *Ledger) RecordSeatChange(tick uint64, expansion bool, data store.SeatChangeData) {
	typ := store.ActivitySeatReduction
	if expansion {
		typ = store.ActivitySeatExpansion
	}
	l.record(tick, 0, typ, &data)
}

// RecordBidChanges compares two ranked winning-bid lists. When they differ it
// records one BidReceived entry for every entrant in the new list, so the
// full ranking can be rebuilt from the history alone, plus one entry for each
// entrant that dropped off the list entirely. Identical lists record nothing.
func (l *Ledger) RecordBidChanges(tick, blockNumber uint64, prev, next []store.WinningBid) {
	if bidListsEqual(prev, next) {
		return
	}

	type slot struct {
		position int
		bid      store.WinningBid
	}
	prevBy := make(map[string]slot, len(prev))
	for i, b := range prev {
		prevBy[b.Address] = slot{position: i, bid: b}
	}

	for i, b := range next {
		before, seen := prevBy[b.Address]
		delete(prevBy, b.Address)

		pos := i
		data := store.BidReceivedData{
			BidderAddress:    b.Address,
			MicrogonsPerSeat: b.MicrogonsBid,
			BidPosition:      &pos,
		}
		if seen {
			prevPos := before.position
			data.PreviousBidPosition = &prevPos
			if before.bid.MicrogonsBid.Cmp(b.MicrogonsBid) != 0 {
				prevAmount := before.bid.MicrogonsBid
				data.PreviousMicrogonsPerSeat = &prevAmount
			}
		}
		l.record(tick, blockNumber, store.ActivityBidReceived, &data)
	}

	// Anyone still in prevBy fell off the ranked list. Walk prev so the
	// drop entries come out in rank order.
	for i, b := range prev {
		if _, dropped := prevBy[b.Address]; !dropped {
			continue
		}
		prevAmount := b.MicrogonsBid
		prevPos := i
		l.record(tick, blockNumber, store.ActivityBidReceived, &store.BidReceivedData{
			BidderAddress:            b.Address,
			MicrogonsPerSeat:         store.BigInt{},
			BidPosition:              nil,
			PreviousMicrogonsPerSeat: &prevAmount,
			PreviousBidPosition:      &prevPos,
		})
	}
}

func bidListsEqual(prev, next []store.WinningBid) bool {
	if len(prev) != len(next) {
		return false
	}
	for i := range prev {
		if prev[i].Address != next[i].Address || prev[i].MicrogonsBid.Cmp(next[i].MicrogonsBid) != 0 {
			return false
		}
	}
	return true
}

func (l *Ledger) record(tick, blockNumber uint64, typ store.ActivityType, data store.ActivityData) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Ids must stay monotonic even if the caller's tick source stalls or
	// briefly runs backwards.
	if tick < l.lastTick {
		tick = l.lastTick
	}
	if tick == l.lastTick {
		l.seq++
	} else {
		l.lastTick = tick
		l.seq = 0
	}
	if blockNumber > l.lastBlockNumber {
		l.lastBlockNumber = blockNumber
	}

	activity := store.Activity{
		ID:          tick*10_000 + l.seq,
		Tick:        tick,
		BlockNumber: blockNumber,
		FrameID:     l.activationFrameID,
		Type:        typ,
		Data:        data,
	}

	if !l.haveCohort {
		l.pending = append(l.pending, activity)
		return
	}

	_, err := l.storage.History(l.activationFrameID).Mutate(func(h *store.History) bool {
		h.Activities = append(h.Activities, activity)
		return true
	})
	if err != nil {
		level.Warn(l.logger).Log("msg", "activity write failed", "type", typ, "err", err)
	}
}
