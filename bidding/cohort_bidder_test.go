package bidding

import (
	"context"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"

	"minebot/calc"
	"minebot/chain"
	"minebot/frame"
	"minebot/ledger"
	"minebot/store"
)

func testFrames() frame.Config {
	return frame.Config{
		TickDuration:     time.Minute,
		TicksPerFrame:    1440,
		GenesisTick:      10_000,
		BiddingStartTick: 11_440,
	}
}

func testParams() calc.Params {
	return calc.Params{
		MinBid:        big.NewInt(0),
		MaxBid:        big.NewInt(1_000_000),
		MaxBudget:     big.NewInt(1_000_000),
		MaxSeats:      5,
		BidDelayTicks: 0,
		BidIncrement:  big.NewInt(10_000),
		Tip:           big.NewInt(200),
	}
}

func TestNextBidClamp(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name                  string
		lowest, min, max, inc int64
		want                  int64
	}{
		{"plain step", 50_000, 0, 1_000_000, 10_000, 60_000},
		{"clamped to max", 995_000, 0, 1_000_000, 10_000, 1_000_000},
		{"clamped to min", -10_000, 30_000, 1_000_000, 10_000, 30_000},
		{"empty auction opens at min", -10_000, 0, 1_000_000, 10_000, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams()
			p.MinBid = big.NewInt(tc.min)
			p.MaxBid = big.NewInt(tc.max)
			p.BidIncrement = big.NewInt(tc.inc)
			got := NextBid(big.NewInt(tc.lowest), p)
			if got.Int64() != tc.want {
				t.Errorf("got %s, want %d", got, tc.want)
			}
		})
	}

	// max(m, min(M, L+I)) must hold for arbitrary inputs.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		m := rng.Int63n(1_000_000)
		M := m + rng.Int63n(1_000_000)
		L := rng.Int63n(2_000_000) - 500_000
		I := rng.Int63n(100_000) + 1

		p := testParams()
		p.MinBid = big.NewInt(m)
		p.MaxBid = big.NewInt(M)
		p.BidIncrement = big.NewInt(I)

		got := NextBid(big.NewInt(L), p).Int64()
		want := L + I
		if want > M {
			want = M
		}
		if want < m {
			want = m
		}
		if got != want {
			t.Fatalf("L=%d I=%d m=%d M=%d: got %d, want %d", L, I, m, M, got, want)
		}
	}
}

func TestLowestCompetingBid(t *testing.T) {
	t.Parallel()

	owned := func(addr string) bool { return addr == "mine" }
	inc := big.NewInt(10_000)

	snap := &chain.CohortSnapshot{Bids: []chain.CohortBid{
		{Address: "a", MicrogonsBid: big.NewInt(80_000)},
		{Address: "mine", MicrogonsBid: big.NewInt(70_000)},
		{Address: "b", MicrogonsBid: big.NewInt(50_000)},
	}}
	if got := LowestCompetingBid(snap, owned, inc); got.Int64() != 50_000 {
		t.Errorf("got %s, want 50000", got)
	}

	// Only our own bids: no competition, lowest is minus the increment.
	onlyOurs := &chain.CohortSnapshot{Bids: []chain.CohortBid{
		{Address: "mine", MicrogonsBid: big.NewInt(70_000)},
	}}
	if got := LowestCompetingBid(onlyOurs, owned, inc); got.Int64() != -10_000 {
		t.Errorf("got %s, want -10000", got)
	}
}

func TestAffordableSeats(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name          string
		budget, price int64
		max, want     int
	}{
		{"exact", 120_000, 60_000, 5, 2},
		{"remainder discarded", 179_999, 60_000, 5, 2},
		{"capped at max", 1_000_000, 10_000, 5, 5},
		{"zero price affords all", 0, 0, 5, 5},
		{"zero budget", 0, 60_000, 5, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := AffordableSeats(big.NewInt(tc.budget), big.NewInt(tc.price), tc.max)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSortForTrimDeterministic(t *testing.T) {
	t.Parallel()

	base := []Subaccount{
		{Index: 0, Address: "s0"},
		{Index: 1, Address: "s1", IsRebid: true},
		{Index: 2, Address: "s2"},
		{Index: 3, Address: "s3", IsRebid: true},
		{Index: 4, Address: "s4"},
	}
	winning := map[int]bool{2: true, 4: true}
	want := []int{2, 4, 1, 3, 0}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		perm := append([]Subaccount(nil), base...)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })

		SortForTrim(perm, winning)
		got := make([]int, len(perm))
		for j, s := range perm {
			got[j] = s.Index
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("permutation %d (-want +got):\n%s", i, diff)
		}
	}
}

type bidderFixture struct {
	bidder    *CohortBidder
	storage   *store.Storage
	client    *chain.MockClient
	submitted chan chain.BidAttempt
}

func newBidderFixture(t *testing.T, params calc.Params, balance int64) *bidderFixture {
	t.Helper()

	storage, err := store.NewStorage(t.TempDir(), testFrames())
	if err != nil {
		t.Fatal(err)
	}
	lg := ledger.New(storage, log.NewNopLogger())
	if err := lg.InitCohort(42); err != nil {
		t.Fatal(err)
	}

	submitted := make(chan chain.BidAttempt, 1)
	client := &chain.MockClient{
		BestBlockNumberFunc: func(context.Context) (uint64, error) { return 100, nil },
		CurrentTickFunc:     func(context.Context) (uint64, error) { return 70_500, nil },
		AccountBalanceFunc: func(_ context.Context, addr string) (*big.Int, error) {
			return big.NewInt(balance), nil
		},
		EstimateBidFeeFunc: func(_ context.Context, _ chain.BidAttempt) (*big.Int, error) {
			return big.NewInt(1_000), nil
		},
		SubmitBidsFunc: func(_ context.Context, attempt chain.BidAttempt) (*chain.BidSubmission, error) {
			submitted <- attempt
			return &chain.BidSubmission{BlockNumber: 101, Tick: 70_501, Accepted: len(attempt.Subaccounts)}, nil
		},
		NextCohortFunc: func(context.Context, chain.Hash) (*chain.CohortSnapshot, error) {
			return nil, nil
		},
	}

	accounts := NewStaticAccounts("funding", []string{"s0", "s1", "s2", "s3", "s4"})
	subaccounts := make([]Subaccount, 5)
	for i := range subaccounts {
		subaccounts[i], _ = accounts.Subaccount(i)
	}

	bidder, err := NewCohortBidder(client, accounts, lg, testFrames(), 42, subaccounts, params, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &bidderFixture{bidder: bidder, storage: storage, client: client, submitted: submitted}
}

func (f *bidderFixture) waitSubmission(t *testing.T) chain.BidAttempt {
	t.Helper()
	select {
	case attempt := <-f.submitted:
		f.bidder.wg.Wait()
		return attempt
	case <-time.After(5 * time.Second):
		t.Fatal("no bid submitted")
		return chain.BidAttempt{}
	}
}

func (f *bidderFixture) activities(t *testing.T) []store.Activity {
	t.Helper()
	h, err := f.storage.History(42).Get()
	if err != nil {
		t.Fatal(err)
	}
	return h.Activities
}

// Feed a snapshot with one competitor at 50_000 and a budget that supports
// exactly 2 of 5 candidate slots: the round must trim to the top 2, record
// the reduction, and bid 60_000 for both.
func TestEvaluateTrimsToAffordableSeats(t *testing.T) {
	t.Parallel()

	f := newBidderFixture(t, testParams(), 130_000)

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids: []chain.CohortBid{
			{Address: "rival", MicrogonsBid: big.NewInt(50_000), BidAtTick: 70_000},
		},
	})

	attempt := f.waitSubmission(t)
	if attempt.MicrogonsPerSeat.Int64() != 60_000 {
		t.Errorf("price: got %s, want 60000", attempt.MicrogonsPerSeat)
	}
	if diff := cmp.Diff([]string{"s0", "s1"}, attempt.Subaccounts); diff != "" {
		t.Errorf("trimmed slots (-want +got):\n%s", diff)
	}

	var reduction *store.SeatChangeData
	for _, a := range f.activities(t) {
		if a.Type == store.ActivitySeatReduction {
			reduction = a.Data.(*store.SeatChangeData)
		}
	}
	if reduction == nil {
		t.Fatal("no seat-reduction activity recorded")
	}
	if reduction.MaxSeatsInPlay != 2 || reduction.PrevSeatsInPlay != 5 {
		t.Errorf("seat reduction: got %d from %d, want 2 from 5", reduction.MaxSeatsInPlay, reduction.PrevSeatsInPlay)
	}
	if reduction.Reason != ReasonInsufficientFunds {
		t.Errorf("reason: got %q, want %q", reduction.Reason, ReasonInsufficientFunds)
	}
}

func TestEvaluateOpensEmptyAuctionAtMinBid(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.MinBid = big.NewInt(250_000)
	params.MaxBudget = big.NewInt(2_000_000)

	f := newBidderFixture(t, params, 2_000_000)

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{ActivationFrameID: 42})

	attempt := f.waitSubmission(t)
	if attempt.MicrogonsPerSeat.Int64() != 250_000 {
		t.Errorf("opening price: got %s, want 250000", attempt.MicrogonsPerSeat)
	}
	if len(attempt.Subaccounts) != 5 {
		t.Errorf("slots: got %d, want all 5", len(attempt.Subaccounts))
	}
}

func TestEvaluateRejectsWhenCeilingTooLow(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.MaxBid = big.NewInt(100_000)

	f := newBidderFixture(t, params, 10_000_000)

	// Two slots already hold seats; the rival's price is out of reach.
	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids: []chain.CohortBid{
			{Address: "rival", MicrogonsBid: big.NewInt(500_000)},
			{Address: "s0", MicrogonsBid: big.NewInt(55_000)},
			{Address: "s1", MicrogonsBid: big.NewInt(55_000)},
		},
	})

	select {
	case <-f.submitted:
		t.Fatal("submitted a bid below the lowest competing bid")
	case <-time.After(100 * time.Millisecond):
	}

	var reduction *store.SeatChangeData
	for _, a := range f.activities(t) {
		if a.Type == store.ActivitySeatReduction && a.Data.(*store.SeatChangeData).Reason == ReasonMaxBidTooLow {
			reduction = a.Data.(*store.SeatChangeData)
		}
	}
	if reduction == nil {
		t.Fatal("no max-bid-too-low seat reduction recorded")
	}
	// Held seats stay in play and the recorded balance includes the funds
	// locked in them.
	if reduction.MaxSeatsInPlay != 2 {
		t.Errorf("seats in play: got %d, want 2", reduction.MaxSeatsInPlay)
	}
	if got := reduction.AvailableMicrogons.Int(); got.Cmp(big.NewInt(10_110_000)) != 0 {
		t.Errorf("available microgons: got %s, want 10110000", got)
	}
}

func TestEvaluateRejectsBelowIncrementFloor(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.BidIncrement = big.NewInt(5_000) // below the chain's floor

	f := newBidderFixture(t, params, 10_000_000)

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids: []chain.CohortBid{
			{Address: "rival", MicrogonsBid: big.NewInt(50_000)},
		},
	})

	select {
	case <-f.submitted:
		t.Fatal("submitted a bid with margin below the chain floor")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvaluateIgnoresStaleAndForeignSnapshots(t *testing.T) {
	t.Parallel()

	f := newBidderFixture(t, testParams(), 10_000_000)

	// Wrong cohort.
	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{ActivationFrameID: 43})
	select {
	case <-f.submitted:
		t.Fatal("reacted to a foreign cohort snapshot")
	case <-time.After(100 * time.Millisecond):
	}

	// Same best block twice: the second round is stale.
	snap := &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids:              []chain.CohortBid{{Address: "rival", MicrogonsBid: big.NewInt(50_000)}},
	}
	f.bidder.Evaluate(context.Background(), snap)
	f.waitSubmission(t)

	f.bidder.Evaluate(context.Background(), snap)
	select {
	case <-f.submitted:
		t.Fatal("reprocessed a snapshot with no newer block")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopReturnsAfterWindowRollover(t *testing.T) {
	t.Parallel()

	f := newBidderFixture(t, testParams(), 10_000_000)

	// The chain has moved on to the next cohort and its window is open.
	// Stopping the bidder for cohort 42 must not wait on it.
	f.client.NextCohortFunc = func(context.Context, chain.Hash) (*chain.CohortSnapshot, error) {
		return &chain.CohortSnapshot{ActivationFrameID: 43}, nil
	}
	f.client.IsBiddingOpenFunc = func(context.Context) (bool, error) { return true, nil }
	f.client.FinalizedHeadFunc = func(context.Context) (chain.Header, error) {
		return chain.Header{Number: 200, Tick: 71_000}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.bidder.Stop(ctx); err != nil {
		t.Fatalf("stop blocked on the next cohort's window: %v", err)
	}
}

func TestSubmissionRollbackOnRejection(t *testing.T) {
	t.Parallel()

	f := newBidderFixture(t, testParams(), 10_000_000)
	f.client.SubmitBidsFunc = func(_ context.Context, attempt chain.BidAttempt) (*chain.BidSubmission, error) {
		f.submitted <- attempt
		return &chain.BidSubmission{BlockNumber: 101, Tick: 70_501, Accepted: 1, Err: chain.ErrBatchInterrupted}, nil
	}

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids:              []chain.CohortBid{{Address: "rival", MicrogonsBid: big.NewInt(50_000)}},
	})
	f.waitSubmission(t)

	f.bidder.mu.Lock()
	hasBid := f.bidder.hasBid
	f.bidder.mu.Unlock()
	if hasBid {
		t.Error("optimistic bid timestamp not rolled back after rejection")
	}

	var rejected *store.BidsRejectedData
	for _, a := range f.activities(t) {
		if a.Type == store.ActivityBidsRejected {
			rejected = a.Data.(*store.BidsRejectedData)
		}
	}
	if rejected == nil {
		t.Fatal("no bids-rejected activity recorded")
	}
	if rejected.SubmittedCount != 5 || rejected.RejectedCount != 4 {
		t.Errorf("counts: got %d submitted, %d rejected, want 5 and 4", rejected.SubmittedCount, rejected.RejectedCount)
	}
}

func TestRebidPacing(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.BidDelayTicks = 10

	f := newBidderFixture(t, params, 10_000_000)

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids:              []chain.CohortBid{{Address: "rival", MicrogonsBid: big.NewInt(50_000)}},
	})
	f.waitSubmission(t)

	// Outbid one block later, but well inside the delay window.
	f.client.BestBlockNumberFunc = func(context.Context) (uint64, error) { return 101, nil }
	f.client.CurrentTickFunc = func(context.Context) (uint64, error) { return 70_502, nil }

	f.bidder.Evaluate(context.Background(), &chain.CohortSnapshot{
		ActivationFrameID: 42,
		Bids:              []chain.CohortBid{{Address: "rival", MicrogonsBid: big.NewInt(70_000)}},
	})
	select {
	case <-f.submitted:
		t.Fatal("rebid inside the pacing window")
	case <-time.After(100 * time.Millisecond):
	}
}
