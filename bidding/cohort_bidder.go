package bidding

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/uuid"

	"minebot/calc"
	"minebot/chain"
	"minebot/frame"
	"minebot/ledger"
	"minebot/metrics"
	"minebot/store"
)

// MinIncrementMicrogons is the chain's floor on how far a new bid must clear
// the bid it displaces. It is independent of the operator-configured
// increment; a computed bid whose margin over the lowest competing bid falls
// below this floor cannot legally outbid.
const MinIncrementMicrogons = 10_000

const (
	ReasonMaxBidTooLow      = "max-bid-too-low"
	ReasonInsufficientFunds = "insufficient-funds"
	ReasonMaxBudget         = "max-budget"
)

// submitRetryDelay is the fixed backoff before re-evaluating after a
// rejected or failed submission.
const submitRetryDelay = 10 * time.Second

// CohortBidder competes for one cohort's seats while its bidding window is
// open. At most one bid submission is in flight at a time; snapshot changes
// arriving mid-flight coalesce into a single re-evaluation afterwards.
type CohortBidder struct {
	client   chain.Client
	accounts Accounts
	ledger   *ledger.Ledger
	frames   frame.Config
	logger   log.Logger

	activationFrameID uint64
	subaccounts       []Subaccount
	params            calc.Params

	done chan struct{}

	mu              sync.Mutex
	ctx             context.Context
	stopped         bool
	inFlight        bool
	needsRecheck    bool
	lastBidTick     uint64
	hasBid          bool
	lastBlockNumber uint64
	prevBids        []store.WinningBid
	seatsInPlay     int
	haveSeatCount   bool
	seatReason      string
	retry           *time.Timer
	unsubscribe     func()

	wg sync.WaitGroup
}

func NewCohortBidder(
	client chain.Client,
	accounts Accounts,
	lg *ledger.Ledger,
	frames frame.Config,
	activationFrameID uint64,
	subaccounts []Subaccount,
	params calc.Params,
	logger log.Logger,
) (*CohortBidder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(subaccounts) == 0 {
		return nil, fmt.Errorf("cohort %d: no subaccounts to bid with", activationFrameID)
	}
	return &CohortBidder{
		client:            client,
		accounts:          accounts,
		ledger:            lg,
		frames:            frames,
		logger:            log.With(logger, "module", "bidder", "cohort", activationFrameID),
		activationFrameID: activationFrameID,
		subaccounts:       subaccounts,
		params:            params,
		done:              make(chan struct{}),
	}, nil
}

// Start subscribes to auction snapshot changes and runs an immediate first
// evaluation so an already-open window is acted on without waiting for the
// next chain change.
func (b *CohortBidder) Start(ctx context.Context) error {
	snapshots, unsubscribe, err := b.client.SubscribeNextCohort(ctx)
	if err != nil {
		return fmt.Errorf("subscribe next cohort: %w", err)
	}

	b.mu.Lock()
	b.ctx = ctx
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	if err := b.ledger.InitCohort(b.activationFrameID); err != nil {
		unsubscribe()
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				b.Evaluate(ctx, snap)
			}
		}
	}()

	b.evaluateLatest(ctx)
	return nil
}

// Stop closes the bidder down without leaving the ledger ambiguous: it waits
// for the chain to report the window closed and any in-flight submission to
// land, then records a final snapshot taken at the last block of the bidding
// frame so the cohort's closing ledger entry reflects chain-confirmed state.
func (b *CohortBidder) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.done)
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.retry != nil {
		b.retry.Stop()
	}
	b.mu.Unlock()

	if err := b.awaitBiddingClosed(ctx); err != nil {
		return err
	}
	b.wg.Wait()

	return b.recordFinalState(ctx)
}

// awaitBiddingClosed waits while this cohort's window is still the open one.
// Once the chain's next cohort has moved on, any open window belongs to a
// later auction and there is nothing left to wait for.
func (b *CohortBidder) awaitBiddingClosed(ctx context.Context) error {
	for {
		snap, err := b.client.NextCohort(ctx, chain.ZeroHash)
		if err != nil {
			return fmt.Errorf("check next cohort: %w", err)
		}
		if snap == nil || snap.ActivationFrameID != b.activationFrameID {
			return nil
		}
		open, err := b.client.IsBiddingOpen(ctx)
		if err != nil {
			return fmt.Errorf("check bidding phase: %w", err)
		}
		if !open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.frames.TickDuration):
		}
	}
}

// recordFinalState walks back from the finalized head to the last block that
// still belongs to this cohort's bidding frame and records its auction state.
func (b *CohortBidder) recordFinalState(ctx context.Context) error {
	_, lastTick := b.frames.TickRange(b.activationFrameID - 1)

	header, err := b.client.FinalizedHead(ctx)
	if err != nil {
		return fmt.Errorf("finalized head: %w", err)
	}
	for header.Tick > lastTick && header.Number > 0 {
		header, err = b.client.Header(ctx, header.ParentHash)
		if err != nil {
			return fmt.Errorf("walk back to bidding frame: %w", err)
		}
	}

	snap, err := b.client.NextCohort(ctx, header.Hash)
	if err != nil {
		return fmt.Errorf("final cohort snapshot at block %d: %w", header.Number, err)
	}
	if snap == nil || snap.ActivationFrameID != b.activationFrameID {
		return nil
	}

	next := b.toWinningBids(snap.Bids)
	b.mu.Lock()
	prev := b.prevBids
	b.prevBids = next
	b.mu.Unlock()
	b.ledger.RecordBidChanges(header.Tick, header.Number, prev, next)
	return nil
}

func (b *CohortBidder) evaluateLatest(ctx context.Context) {
	snap, err := b.client.NextCohort(ctx, chain.ZeroHash)
	if err != nil {
		level.Warn(b.logger).Log("msg", "snapshot refresh failed", "err", err)
		return
	}
	if snap != nil {
		b.Evaluate(ctx, snap)
	}
}

// Evaluate runs one bidding round against an auction snapshot. It is safe to
// call concurrently; rounds serialize on the bidder's lock and at most one
// submission ever leaves it.
func (b *CohortBidder) Evaluate(ctx context.Context, snap *chain.CohortSnapshot) {
	if snap == nil || snap.ActivationFrameID != b.activationFrameID {
		return
	}

	blockNumber, err := b.client.BestBlockNumber(ctx)
	if err != nil {
		level.Warn(b.logger).Log("msg", "best block lookup failed", "err", err)
		return
	}
	tick, err := b.client.CurrentTick(ctx)
	if err != nil {
		level.Warn(b.logger).Log("msg", "current tick lookup failed", "err", err)
		return
	}

	b.mu.Lock()
	if b.stopped || blockNumber <= b.lastBlockNumber {
		b.mu.Unlock()
		return
	}
	b.lastBlockNumber = blockNumber

	next := b.toWinningBids(snap.Bids)
	prev := b.prevBids
	b.prevBids = next

	if b.inFlight {
		b.needsRecheck = true
		b.mu.Unlock()
		b.ledger.RecordBidChanges(tick, blockNumber, prev, next)
		return
	}
	b.mu.Unlock()

	b.ledger.RecordBidChanges(tick, blockNumber, prev, next)
	b.evaluateRound(ctx, snap, tick, blockNumber)
}

func (b *CohortBidder) evaluateRound(ctx context.Context, snap *chain.CohortSnapshot, tick, blockNumber uint64) {
	winning := b.winningSubaccounts(snap)

	// Rebid pacing. A round arriving before the configured delay has
	// elapsed retries one tick later instead of bidding immediately.
	b.mu.Lock()
	if b.hasBid && tick-b.lastBidTick < b.params.BidDelayTicks {
		b.scheduleRetryLocked(b.frames.TickDuration)
		b.mu.Unlock()
		metrics.BidRoundsTotal.WithLabelValues("paced").Inc()
		return
	}
	b.mu.Unlock()

	if len(winning) == len(b.subaccounts) {
		metrics.BidRoundsTotal.WithLabelValues("holding").Inc()
		return
	}

	lowest := LowestCompetingBid(snap, b.ownsAddress, b.params.BidIncrement)
	nextBid := NextBid(lowest, b.params)

	candidates := append([]Subaccount(nil), b.subaccounts...)

	attempt := chain.BidAttempt{
		Subaccounts:      addresses(candidates),
		MicrogonsPerSeat: nextBid,
		Tip:              b.params.Tip,
	}
	fee, err := b.client.EstimateBidFee(ctx, attempt)
	if err != nil {
		level.Warn(b.logger).Log("msg", "fee estimate failed", "err", err)
		b.scheduleRetry(submitRetryDelay)
		return
	}
	feePlusTip := new(big.Int).Add(fee, b.params.Tip)

	balance, err := b.client.AccountBalance(ctx, b.accounts.FundingAddress())
	if err != nil {
		level.Warn(b.logger).Log("msg", "balance lookup failed", "err", err)
		b.scheduleRetry(submitRetryDelay)
		return
	}

	// Funds locked in our outstanding winning bids come back if we are
	// displaced, so they count toward what we can spend again.
	outstanding := new(big.Int)
	for _, w := range winning {
		outstanding.Add(outstanding, w.MicrogonsBid.Int())
	}
	available := new(big.Int).Add(balance, outstanding)

	if nextBid.Cmp(lowest) < 0 || new(big.Int).Sub(nextBid, lowest).Cmp(big.NewInt(MinIncrementMicrogons)) < 0 {
		// The policy ceiling cannot legally outbid the current floor. Seats
		// already held stay in play; only further outbidding is off.
		b.setSeatsInPlay(tick, len(winning), ReasonMaxBidTooLow, available)
		metrics.BidRoundsTotal.WithLabelValues("ceiling").Inc()
		return
	}

	fromBalance := new(big.Int).Sub(available, feePlusTip)
	fromPolicy := new(big.Int).Sub(b.params.MaxBudget, feePlusTip)

	budget := fromBalance
	reason := ReasonInsufficientFunds
	if fromPolicy.Cmp(fromBalance) < 0 {
		budget = fromPolicy
		reason = ReasonMaxBudget
	}
	if budget.Sign() < 0 {
		budget = new(big.Int)
	}

	affordable := AffordableSeats(budget, nextBid, len(candidates))
	if affordable < len(candidates) {
		b.setSeatsInPlay(tick, affordable, reason, budget)
		SortForTrim(candidates, winningIndexSet(winning))
		candidates = candidates[:affordable]
	} else {
		b.setSeatsInPlay(tick, len(candidates), "", budget)
	}

	if len(candidates) <= len(winning) {
		metrics.BidRoundsTotal.WithLabelValues("settled").Inc()
		return
	}

	b.submit(ctx, chain.BidAttempt{
		Subaccounts:      addresses(candidates),
		MicrogonsPerSeat: nextBid,
		Tip:              b.params.Tip,
	}, feePlusTip, tick, blockNumber)
}

func (b *CohortBidder) submit(ctx context.Context, attempt chain.BidAttempt, feePlusTip *big.Int, tick, blockNumber uint64) {
	b.mu.Lock()
	if b.inFlight || b.stopped {
		b.needsRecheck = true
		b.mu.Unlock()
		return
	}
	b.inFlight = true
	prevBidTick, prevHasBid := b.lastBidTick, b.hasBid

	// Stamped before the network round trip so pacing holds under latency.
	b.lastBidTick = tick
	b.hasBid = true
	b.mu.Unlock()

	submissionID := uuid.Must(uuid.NewV4()).String()
	b.ledger.RecordBidsSubmitted(tick, blockNumber+1, store.BidsSubmittedData{
		SubmissionID:     submissionID,
		MicrogonsPerSeat: store.NewBigInt(attempt.MicrogonsPerSeat),
		TxFeePlusTip:     store.NewBigInt(feePlusTip),
		SubmittedCount:   len(attempt.Subaccounts),
	})
	level.Info(b.logger).Log(
		"msg", "submitting bids",
		"submission_id", submissionID,
		"seats", len(attempt.Subaccounts),
		"microgons_per_seat", attempt.MicrogonsPerSeat,
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		res, err := b.client.SubmitBids(ctx, attempt)
		if err == nil && res.Err != nil {
			err = res.Err
		}

		if err != nil {
			accepted := 0
			resTick, resBlock := tick, blockNumber
			if res != nil {
				accepted = res.Accepted
				resTick, resBlock = res.Tick, res.BlockNumber
			}

			b.mu.Lock()
			b.lastBidTick, b.hasBid = prevBidTick, prevHasBid
			b.mu.Unlock()

			b.ledger.RecordBidsRejected(resTick, resBlock, store.BidsRejectedData{
				SubmissionID:     submissionID,
				MicrogonsPerSeat: store.NewBigInt(attempt.MicrogonsPerSeat),
				SubmittedCount:   len(attempt.Subaccounts),
				RejectedCount:    len(attempt.Subaccounts) - accepted,
				Reason:           err.Error(),
			})
			level.Warn(b.logger).Log("msg", "bid batch rejected", "submission_id", submissionID, "accepted", accepted, "err", err)
			metrics.BidBatchesSubmittedTotal.WithLabelValues("rejected").Inc()
			metrics.BidsSubmittedTotal.WithLabelValues("rejected").Add(float64(len(attempt.Subaccounts) - accepted))
			metrics.BidsSubmittedTotal.WithLabelValues("accepted").Add(float64(accepted))

			b.finishFlight()
			b.scheduleRetry(submitRetryDelay)
			return
		}

		level.Info(b.logger).Log("msg", "bid batch included", "submission_id", submissionID, "block", res.BlockNumber, "accepted", res.Accepted)
		metrics.BidBatchesSubmittedTotal.WithLabelValues("accepted").Inc()
		metrics.BidsSubmittedTotal.WithLabelValues("accepted").Add(float64(res.Accepted))

		if b.finishFlight() {
			b.evaluateLatest(ctx)
		}
	}()
}

// finishFlight clears the in-flight flag and reports whether a coalesced
// re-evaluation was requested while the submission was out.
func (b *CohortBidder) finishFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	recheck := b.needsRecheck && !b.stopped
	b.needsRecheck = false
	return recheck
}

func (b *CohortBidder) scheduleRetry(after time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduleRetryLocked(after)
}

func (b *CohortBidder) scheduleRetryLocked(after time.Duration) {
	if b.stopped {
		return
	}
	if b.retry != nil {
		b.retry.Stop()
	}
	ctx := b.ctx
	b.retry = time.AfterFunc(after, func() {
		if ctx == nil || ctx.Err() != nil {
			return
		}
		b.evaluateLatest(ctx)
	})
}

func (b *CohortBidder) setSeatsInPlay(tick uint64, seats int, reason string, available *big.Int) {
	b.mu.Lock()
	if b.haveSeatCount && b.seatsInPlay == seats {
		b.mu.Unlock()
		return
	}
	prev := b.seatsInPlay
	had := b.haveSeatCount
	b.seatsInPlay = seats
	b.haveSeatCount = true
	if seats < len(b.subaccounts) {
		b.seatReason = reason
	} else {
		b.seatReason = ""
	}
	b.mu.Unlock()

	if !had {
		prev = len(b.subaccounts)
	}
	if seats == prev {
		return
	}
	if seats < prev {
		metrics.SeatReductionsTotal.WithLabelValues(reason).Inc()
	}
	b.ledger.RecordSeatChange(tick, seats > prev, store.SeatChangeData{
		Reason:             reason,
		MaxSeatsInPlay:     seats,
		PrevSeatsInPlay:    prev,
		AvailableMicrogons: store.NewBigInt(available),
	})
}

// SeatsInPlay returns the current trimmed seat target.
func (b *CohortBidder) SeatsInPlay() int {
	seats, _ := b.SeatState()
	return seats
}

// SeatState returns the current trimmed seat target together with the
// reduction reason, or an empty reason when no reduction applies.
func (b *CohortBidder) SeatState() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveSeatCount {
		return len(b.subaccounts), ""
	}
	return b.seatsInPlay, b.seatReason
}

func (b *CohortBidder) ownsAddress(addr string) bool {
	_, ok := b.accounts.OwnsAddress(addr)
	return ok
}

// winningSubaccounts returns the subset of this bidder's slots currently in
// the snapshot's ranked list, with their bid amounts.
func (b *CohortBidder) winningSubaccounts(snap *chain.CohortSnapshot) map[int]store.WinningBid {
	own := map[string]Subaccount{}
	for _, s := range b.subaccounts {
		own[s.Address] = s
	}
	winning := map[int]store.WinningBid{}
	for i, bid := range snap.Bids {
		s, ok := own[bid.Address]
		if !ok {
			continue
		}
		idx := s.Index
		winning[idx] = store.WinningBid{
			Address:         bid.Address,
			SubaccountIndex: &idx,
			LastBidAtTick:   bid.BidAtTick,
			BidPosition:     i,
			MicrogonsBid:    store.NewBigInt(bid.MicrogonsBid),
		}
	}
	return winning
}

func (b *CohortBidder) toWinningBids(bids []chain.CohortBid) []store.WinningBid {
	out := make([]store.WinningBid, 0, len(bids))
	for i, bid := range bids {
		w := store.WinningBid{
			Address:       bid.Address,
			LastBidAtTick: bid.BidAtTick,
			BidPosition:   i,
			MicrogonsBid:  store.NewBigInt(bid.MicrogonsBid),
		}
		if idx, ok := b.accounts.OwnsAddress(bid.Address); ok {
			w.SubaccountIndex = &idx
		}
		out = append(out, w)
	}
	return out
}

//
//
//

// LowestCompetingBid returns the lowest winning bid not owned by the
// operator. An auction with no competing bids yields minus the configured
// increment, so the opening bid lands exactly at the configured minimum.
func LowestCompetingBid(snap *chain.CohortSnapshot, owned func(string) bool, increment *big.Int) *big.Int {
	var lowest *big.Int
	for _, bid := range snap.Bids {
		if owned(bid.Address) {
			continue
		}
		if lowest == nil || bid.MicrogonsBid.Cmp(lowest) < 0 {
			lowest = bid.MicrogonsBid
		}
	}
	if lowest == nil {
		return new(big.Int).Neg(increment)
	}
	return new(big.Int).Set(lowest)
}

// NextBid computes lowest+increment clamped to [MinBid, MaxBid].
func NextBid(lowest *big.Int, p calc.Params) *big.Int {
	next := new(big.Int).Add(lowest, p.BidIncrement)
	if next.Cmp(p.MinBid) < 0 {
		next.Set(p.MinBid)
	}
	if next.Cmp(p.MaxBid) > 0 {
		next.Set(p.MaxBid)
	}
	return next
}

// AffordableSeats returns how many seats the budget covers at the given
// price, capped at max. A zero price affords every seat.
func AffordableSeats(budget, price *big.Int, max int) int {
	if price.Sign() <= 0 {
		return max
	}
	n := new(big.Int).Div(budget, price)
	if !n.IsInt64() || n.Int64() > int64(max) {
		return max
	}
	if n.Sign() < 0 {
		return 0
	}
	return int(n.Int64())
}

// SortForTrim orders candidate slots by retention priority: slots already
// winning in the current snapshot first, then rebids, then ascending index.
func SortForTrim(candidates []Subaccount, winning map[int]bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if winning[a.Index] != winning[b.Index] {
			return winning[a.Index]
		}
		if a.IsRebid != b.IsRebid {
			return a.IsRebid
		}
		return a.Index < b.Index
	})
}

func winningIndexSet(winning map[int]store.WinningBid) map[int]bool {
	set := make(map[int]bool, len(winning))
	for idx := range winning {
		set[idx] = true
	}
	return set
}

func addresses(subaccounts []Subaccount) []string {
	out := make([]string, len(subaccounts))
	for i, s := range subaccounts {
		out[i] = s.Address
	}
	return out
}
