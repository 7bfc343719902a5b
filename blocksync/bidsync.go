package blocksync

import (
	"context"
	"fmt"
	"math/big"

	"github.com/go-kit/log/level"

	"minebot/chain"
	"minebot/frame"
	"minebot/metrics"
	"minebot/store"
)

// syncBidding mirrors the chain's auction state for the block: the ranked
// next-cohort bid list when it changed, mining-related transaction fees paid
// by this operator, and the finalized seat set when a new-miners event
// closes an auction. It reports whether any bids document changed and
// whether seats were finalized for this operator.
func (e *Engine) syncBidding(ctx context.Context, h chain.Header, events []chain.Event) (bidsChanged, seatsFinalized bool, err error) {
	snap, err := e.sourceForCurrent(h.Number).NextCohort(ctx, h.Hash)
	if err != nil {
		return false, false, fmt.Errorf("next cohort at block %d: %w", h.Number, err)
	}

	e.mu.Lock()
	prev := e.prevSnapshot
	e.mu.Unlock()

	if snap != nil && !snapshotsEqual(snap, prev) {
		changed, err := e.writeSnapshot(ctx, h, snap)
		if err != nil {
			return false, false, err
		}
		bidsChanged = bidsChanged || changed

		e.mu.Lock()
		e.prevSnapshot = snap
		e.mu.Unlock()
	}

	if fees := attributableFees(events, e.cfg.Accounts.FundingAddress()); fees.Sign() > 0 {
		target := e.feeTargetFrame(snap, h.Tick)
		applied, err := e.cfg.Storage.Bids(target).Mutate(func(doc *store.Bids) bool {
			if doc.LastBlockNumber >= h.Number {
				return false
			}
			doc.LastBlockNumber = h.Number
			doc.TransactionFees = doc.TransactionFees.Add(store.NewBigInt(fees))
			return true
		})
		if err != nil {
			return false, false, fmt.Errorf("fee attribution: %w", err)
		}
		if applied {
			level.Debug(e.logger).Log("msg", "attributed mining fees", "block", h.Number, "fees", fees)
			bidsChanged = true
		}
	}

	for _, ev := range events {
		miners, ok := ev.(chain.NewMinersEvent)
		if !ok {
			continue
		}
		won, err := e.finalizeSeats(h, miners)
		if err != nil {
			return false, false, err
		}
		bidsChanged = true
		seatsFinalized = seatsFinalized || won > 0
	}

	return bidsChanged, seatsFinalized, nil
}

// writeSnapshot records a changed ranked bid list into the cohort's bids
// document. The first write for a cohort also captures its static economics.
func (e *Engine) writeSnapshot(ctx context.Context, h chain.Header, snap *chain.CohortSnapshot) (bool, error) {
	doc := e.cfg.Storage.Bids(snap.ActivationFrameID)

	current, err := doc.Get()
	if err != nil {
		return false, err
	}

	var constants chain.CohortConstants
	captureConstants := current.MicronotsStakedPerSeat.Sign() == 0
	if captureConstants {
		constants, err = e.sourceForCurrent(h.Number).CohortConstants(ctx, h.Hash)
		if err != nil {
			return false, fmt.Errorf("cohort constants: %w", err)
		}
	}

	var biddingFirst, biddingLast uint64
	if snap.ActivationFrameID > 0 {
		biddingFirst, biddingLast = e.cfg.Frames.TickRange(snap.ActivationFrameID - 1)
	}

	winning, seatsWon, bidTotal := e.rankBids(snap.Bids)

	return doc.Mutate(func(b *store.Bids) bool {
		if b.LastBlockNumber >= h.Number {
			return false
		}
		b.LastBlockNumber = h.Number
		b.FrameBiddingProgress = frame.Progress(h.Tick, biddingFirst, biddingLast)
		b.WinningBids = winning
		b.SeatsWon = seatsWon
		b.MicrogonsBidTotal = store.NewBigInt(bidTotal)
		if captureConstants {
			b.MicronotsStakedPerSeat = store.NewBigInt(constants.MicronotsStakedPerSeat)
			b.MicrogonsToBeMinedPerBlock = store.NewBigInt(constants.MicrogonsToBeMinedPerBlock)
		}
		return true
	})
}

// finalizeSeats replaces a cohort's bids document wholesale with the
// finalized seat set from a new-miners event and returns how many seats this
// operator won.
func (e *Engine) finalizeSeats(h chain.Header, miners chain.NewMinersEvent) (int, error) {
	e.tracker.observeMiners(miners.FrameID, miners.Miners)

	winning, seatsWon, bidTotal := e.rankBids(miners.Miners)

	_, err := e.cfg.Storage.Bids(miners.FrameID).Mutate(func(b *store.Bids) bool {
		if b.LastBlockNumber > h.Number {
			return false
		}
		b.LastBlockNumber = h.Number
		b.WinningBids = winning
		b.SeatsWon = seatsWon
		b.MicrogonsBidTotal = store.NewBigInt(bidTotal)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("finalize cohort %d: %w", miners.FrameID, err)
	}

	level.Info(e.logger).Log("msg", "cohort seats finalized", "cohort", miners.FrameID, "seats_won", seatsWon, "total_seats", len(miners.Miners))
	metrics.SeatsWon.Set(float64(seatsWon))

	e.mu.Lock()
	if e.prevSnapshot != nil && e.prevSnapshot.ActivationFrameID == miners.FrameID {
		e.prevSnapshot = nil
	}
	e.mu.Unlock()
	return seatsWon, nil
}

// rankBids converts a ranked chain bid list into stored winning bids,
// marking the ones belonging to this operator and totalling their amounts.
func (e *Engine) rankBids(bids []chain.CohortBid) ([]store.WinningBid, int, *big.Int) {
	winning := make([]store.WinningBid, 0, len(bids))
	seatsWon := 0
	total := new(big.Int)

	for i, bid := range bids {
		w := store.WinningBid{
			Address:       bid.Address,
			LastBidAtTick: bid.BidAtTick,
			BidPosition:   i,
			MicrogonsBid:  store.NewBigInt(bid.MicrogonsBid),
		}
		if idx, ok := e.cfg.Accounts.OwnsAddress(bid.Address); ok {
			w.SubaccountIndex = &idx
			seatsWon++
			if bid.MicrogonsBid != nil {
				total.Add(total, bid.MicrogonsBid)
			}
		}
		winning = append(winning, w)
	}
	return winning, seatsWon, total
}

// feeTargetFrame picks which cohort's bids document absorbs attributed fees:
// the open auction if known, otherwise the cohort activating after the
// block's frame.
func (e *Engine) feeTargetFrame(snap *chain.CohortSnapshot, tick uint64) uint64 {
	if snap != nil {
		return snap.ActivationFrameID
	}
	e.mu.Lock()
	prev := e.prevSnapshot
	e.mu.Unlock()
	if prev != nil {
		return prev.ActivationFrameID
	}
	return e.cfg.Frames.IDForTick(tick) + 1
}

// attributableFees sums transaction fees paid by the funding address on
// extrinsics that are mining related: ones that produced a bid-accepted
// event, or failed with a dispatch error from the mining-slot module.
func attributableFees(events []chain.Event, fundingAddress string) *big.Int {
	feeByExtrinsic := map[int]*big.Int{}
	mining := map[int]bool{}

	for _, ev := range events {
		switch v := ev.(type) {
		case chain.TransactionFeePaidEvent:
			if v.Payer == fundingAddress && v.Fee != nil {
				feeByExtrinsic[v.ExtrinsicIndex] = v.Fee
			}
		case chain.SlotBidderAddedEvent:
			mining[v.ExtrinsicIndex] = true
		case chain.ExtrinsicFailedEvent:
			if v.Module == chain.MiningSlotModule {
				mining[v.ExtrinsicIndex] = true
			}
		case chain.BatchInterruptedEvent:
			if v.Module == chain.MiningSlotModule {
				mining[v.ExtrinsicIndex] = true
			}
		}
	}

	total := new(big.Int)
	for idx, fee := range feeByExtrinsic {
		if mining[idx] {
			total.Add(total, fee)
		}
	}
	return total
}

// snapshotsEqual compares two auction snapshots by content.
func snapshotsEqual(a, b *chain.CohortSnapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ActivationFrameID != b.ActivationFrameID || len(a.Bids) != len(b.Bids) {
		return false
	}
	for i := range a.Bids {
		x, y := a.Bids[i], b.Bids[i]
		if x.Address != y.Address || x.BidAtTick != y.BidAtTick {
			return false
		}
		xv, yv := x.MicrogonsBid, y.MicrogonsBid
		if (xv == nil) != (yv == nil) {
			return false
		}
		if xv != nil && xv.Cmp(yv) != 0 {
			return false
		}
	}
	return true
}
