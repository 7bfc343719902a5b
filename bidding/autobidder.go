package bidding

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"minebot/calc"
	"minebot/chain"
	"minebot/frame"
	"minebot/ledger"
	"minebot/store"
)

// AutoBidder watches cohort bidding windows open and close and runs one
// CohortBidder per open window. It recovers rebid continuity from the
// durable bids record, so a restart mid-window resumes with the same
// subaccounts that were already winning.
type AutoBidder struct {
	client     chain.Client
	accounts   Accounts
	storage    *store.Storage
	ledger     *ledger.Ledger
	calculator calc.Calculator
	frames     frame.Config
	logger     log.Logger

	done chan struct{}

	mu          sync.Mutex
	stopped     bool
	bidders     map[uint64]*CohortBidder
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewAutoBidder(
	client chain.Client,
	accounts Accounts,
	storage *store.Storage,
	lg *ledger.Ledger,
	calculator calc.Calculator,
	frames frame.Config,
	logger log.Logger,
) *AutoBidder {
	return &AutoBidder{
		client:     client,
		accounts:   accounts,
		storage:    storage,
		ledger:     lg,
		calculator: calculator,
		frames:     frames,
		logger:     log.With(logger, "module", "autobidder"),
		bidders:    map[uint64]*CohortBidder{},
		done:       make(chan struct{}),
	}
}

// Start registers session keys, subscribes to bidding phase changes, and if
// a window is already open when we come up, joins it immediately.
func (a *AutoBidder) Start(ctx context.Context) error {
	if err := a.client.RegisterSessionKeys(ctx); err != nil {
		return fmt.Errorf("register session keys: %w", err)
	}

	phases, unsubscribe, err := a.client.SubscribeBiddingPhase(ctx)
	if err != nil {
		return fmt.Errorf("subscribe bidding phase: %w", err)
	}
	a.mu.Lock()
	a.unsubscribe = unsubscribe
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case change, ok := <-phases:
				if !ok {
					return
				}
				if change.Open {
					a.onBiddingOpen(ctx, change.ActivationFrameID)
				} else {
					a.onBiddingClose(ctx, change.ActivationFrameID)
				}
			}
		}
	}()

	open, err := a.client.IsBiddingOpen(ctx)
	if err != nil {
		return fmt.Errorf("check bidding phase: %w", err)
	}
	if open {
		snap, err := a.client.NextCohort(ctx, chain.ZeroHash)
		if err != nil {
			return fmt.Errorf("next cohort: %w", err)
		}
		if snap != nil {
			a.onBiddingOpen(ctx, snap.ActivationFrameID)
		}
	}
	return nil
}

// Stop stops all running bidders. Each stop blocks until its window closes
// on chain, so this can take up to a frame transition.
func (a *AutoBidder) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.done)
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	bidders := make([]*CohortBidder, 0, len(a.bidders))
	for _, b := range a.bidders {
		bidders = append(bidders, b)
	}
	a.bidders = map[uint64]*CohortBidder{}
	a.mu.Unlock()

	var result *multierror.Error
	for _, b := range bidders {
		if err := b.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.wg.Wait()
	return result.ErrorOrNil()
}

// ActiveCohorts returns the activation frame ids currently being bid on.
func (a *AutoBidder) ActiveCohorts() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.bidders))
	for id := range a.bidders {
		out = append(out, id)
	}
	return out
}

// CohortSeat describes the seat target of one running cohort bidder.
type CohortSeat struct {
	ActivationFrameID uint64 `json:"activationFrameId"`
	SeatsInPlay       int    `json:"seatsInPlay"`
	ReductionReason   string `json:"reductionReason,omitempty"`
}

// CohortSeats reports the seat targets of all running bidders.
func (a *AutoBidder) CohortSeats() []CohortSeat {
	a.mu.Lock()
	bidders := make(map[uint64]*CohortBidder, len(a.bidders))
	for id, b := range a.bidders {
		bidders[id] = b
	}
	a.mu.Unlock()

	out := make([]CohortSeat, 0, len(bidders))
	for id, b := range bidders {
		seats, reason := b.SeatState()
		out = append(out, CohortSeat{ActivationFrameID: id, SeatsInPlay: seats, ReductionReason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivationFrameID < out[j].ActivationFrameID })
	return out
}

func (a *AutoBidder) onBiddingOpen(ctx context.Context, activationFrameID uint64) {
	a.mu.Lock()
	if _, running := a.bidders[activationFrameID]; running {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	logger := log.With(a.logger, "cohort", activationFrameID)

	params, err := a.cohortParams(ctx, activationFrameID)
	if errors.Is(err, calc.ErrNoBidding) {
		level.Info(logger).Log("msg", "sitting out cohort", "reason", "calculator declined")
		return
	}
	if err != nil {
		level.Error(logger).Log("msg", "bidding params", "err", err)
		a.ledger.RecordError(a.bestEffortTick(ctx), err)
		return
	}
	if params.MaxSeats == 0 {
		level.Info(logger).Log("msg", "sitting out cohort", "reason", "zero seat goal")
		return
	}

	subaccounts, err := a.allocateSubaccounts(activationFrameID, params.MaxSeats)
	if err != nil {
		level.Error(logger).Log("msg", "allocate subaccounts", "err", err)
		return
	}
	if len(subaccounts) == 0 {
		level.Info(logger).Log("msg", "sitting out cohort", "reason", "no subaccounts available")
		return
	}

	bidder, err := NewCohortBidder(a.client, a.accounts, a.ledger, a.frames, activationFrameID, subaccounts, params, a.logger)
	if err != nil {
		level.Error(logger).Log("msg", "construct bidder", "err", err)
		return
	}
	if err := bidder.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "start bidder", "err", err)
		return
	}

	a.mu.Lock()
	a.bidders[activationFrameID] = bidder
	a.mu.Unlock()

	level.Info(logger).Log("msg", "bidding opened", "seats", len(subaccounts), "max_bid", params.MaxBid)
}

func (a *AutoBidder) onBiddingClose(ctx context.Context, activationFrameID uint64) {
	a.mu.Lock()
	bidder, ok := a.bidders[activationFrameID]
	delete(a.bidders, activationFrameID)
	a.mu.Unlock()
	if !ok {
		return
	}

	if err := bidder.Stop(ctx); err != nil {
		level.Warn(a.logger).Log("msg", "bidder stop", "cohort", activationFrameID, "err", err)
	}
	level.Info(a.logger).Log("msg", "bidding closed", "cohort", activationFrameID)
}

// cohortParams asks the calculator for bidding bounds, feeding it the
// cohort's on-chain economics and the mining profit accrued over the two
// frames before the bidding frame.
func (a *AutoBidder) cohortParams(ctx context.Context, activationFrameID uint64) (calc.Params, error) {
	constants, err := a.client.CohortConstants(ctx, chain.ZeroHash)
	if err != nil {
		return calc.Params{}, fmt.Errorf("cohort constants: %w", err)
	}
	rates, err := a.client.ExchangeRates(ctx)
	if err != nil {
		return calc.Params{}, fmt.Errorf("exchange rates: %w", err)
	}

	accrued := new(big.Int)
	biddingFrameID := activationFrameID - 1
	for back := uint64(1); back <= 2 && back <= biddingFrameID; back++ {
		earnings, err := a.storage.Earnings(biddingFrameID - back).Get()
		if err != nil {
			return calc.Params{}, fmt.Errorf("earnings for frame %d: %w", biddingFrameID-back, err)
		}
		accrued.Add(accrued, earnings.AccruedMicrogonProfits.Int())
	}

	params, err := a.calculator.Params(ctx, calc.Input{
		ActivationFrameID:          activationFrameID,
		MicronotsStakedPerSeat:     constants.MicronotsStakedPerSeat,
		MicrogonsToBeMinedPerBlock: constants.MicrogonsToBeMinedPerBlock,
		AccruedMicrogonProfits:     accrued,
		ExchangeRates:              rates,
	})
	if err != nil {
		return calc.Params{}, err
	}
	if err := params.Validate(); err != nil {
		return calc.Params{}, err
	}
	return params, nil
}

// allocateSubaccounts restores slots that were already winning this cohort's
// auction as rebids, then fills up to the seat goal with fresh slots in
// ascending index order.
func (a *AutoBidder) allocateSubaccounts(activationFrameID uint64, maxSeats int) ([]Subaccount, error) {
	if max := a.accounts.MaxSubaccounts(); maxSeats > max {
		maxSeats = max
	}

	bids, err := a.storage.Bids(activationFrameID).Get()
	if err != nil {
		return nil, err
	}

	used := map[int]bool{}
	var out []Subaccount
	for _, w := range bids.WinningBids {
		idx, ok := a.accounts.OwnsAddress(w.Address)
		if !ok || used[idx] || len(out) >= maxSeats {
			continue
		}
		used[idx] = true
		out = append(out, Subaccount{Index: idx, Address: w.Address, IsRebid: true})
	}

	for i := 0; len(out) < maxSeats && i < a.accounts.MaxSubaccounts(); i++ {
		if used[i] {
			continue
		}
		s, err := a.accounts.Subaccount(i)
		if err != nil {
			return nil, err
		}
		used[i] = true
		out = append(out, s)
	}
	return out, nil
}

func (a *AutoBidder) bestEffortTick(ctx context.Context) uint64 {
	tick, err := a.client.CurrentTick(ctx)
	if err != nil {
		return a.frames.CurrentTick(time.Now())
	}
	return tick
}
