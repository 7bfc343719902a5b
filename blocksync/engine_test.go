package blocksync

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"

	"minebot/bidding"
	"minebot/chain"
	"minebot/frame"
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

func hashOf(n uint64) chain.Hash {
	var h chain.Hash
	binary.BigEndian.PutUint64(h[:8], n)
	h[8] = 0xab
	return h
}

func header(n, tick uint64, author string) chain.Header {
	return chain.Header{
		Number:     n,
		Hash:       hashOf(n),
		ParentHash: hashOf(n - 1),
		Tick:       tick,
		Author:     author,
	}
}

type engineFixture struct {
	engine  *Engine
	storage *store.Storage
	client  *chain.MockClient

	headers map[chain.Hash]chain.Header
	events  map[chain.Hash][]chain.Event
	fetched []uint64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	storage, err := store.NewStorage(t.TempDir(), testFrames())
	if err != nil {
		t.Fatal(err)
	}

	f := &engineFixture{
		storage: storage,
		headers: map[chain.Hash]chain.Header{},
		events:  map[chain.Hash][]chain.Event{},
	}

	f.client = &chain.MockClient{
		HeaderFunc: func(_ context.Context, hash chain.Hash) (chain.Header, error) {
			h, ok := f.headers[hash]
			if !ok {
				return chain.Header{}, chain.ErrNotFound
			}
			return h, nil
		},
		BlockEventsFunc: func(_ context.Context, hash chain.Hash) ([]chain.Event, error) {
			f.fetched = append(f.fetched, f.headers[hash].Number)
			return f.events[hash], nil
		},
		NextCohortFunc: func(context.Context, chain.Hash) (*chain.CohortSnapshot, error) {
			return nil, nil
		},
		CohortConstantsFunc: func(context.Context, chain.Hash) (chain.CohortConstants, error) {
			return chain.CohortConstants{
				MicronotsStakedPerSeat:     big.NewInt(1_000_000),
				MicrogonsToBeMinedPerBlock: big.NewInt(5_000),
			}, nil
		},
		ExchangeRatesFunc: func(context.Context) (chain.ExchangeRates, error) {
			return chain.ExchangeRates{
				USD:      big.NewInt(98),
				BTC:      big.NewInt(3),
				Micronot: big.NewInt(1_050),
			}, nil
		},
		BestBlockNumberFunc: func(context.Context) (uint64, error) { return 0, nil },
	}

	accounts := bidding.NewStaticAccounts("funding", []string{"s0", "s1", "s2"})
	engine, err := NewEngine(Config{
		Local:             f.client,
		Archive:           f.client,
		LocalRetainBlocks: 256,
		Storage:           storage,
		Frames:            testFrames(),
		Accounts:          accounts,
		Logger:            log.NewNopLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.engine = engine
	return f
}

func (f *engineFixture) addHeader(h chain.Header, events ...chain.Event) chain.Header {
	f.headers[h.Hash] = h
	f.events[h.Hash] = events
	return h
}

// Block at tick T+1 carries a new-miners event awarding one seat to an
// operator address at 10_000: after the three blocks process, the cohort's
// bids document reflects exactly that finalized seat.
func TestNewMinersFinalizesSeats(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	h1 := f.addHeader(header(1, tick, "other"))
	h2 := f.addHeader(header(2, tick+1, "other"), chain.NewMinersEvent{
		FrameID: 41,
		Miners: []chain.CohortBid{
			{Address: "rival", MicrogonsBid: big.NewInt(12_000), BidAtTick: tick},
			{Address: "s0", MicrogonsBid: big.NewInt(10_000), BidAtTick: tick},
		},
		Finalized: true,
	})
	h3 := f.addHeader(header(3, tick+2, "other"))

	for _, h := range []chain.Header{h1, h2, h3} {
		f.engine.enqueue(h)
	}
	if err := f.engine.SyncToLatest(ctx); err != nil {
		t.Fatal(err)
	}

	bids, err := f.storage.Bids(41).Get()
	if err != nil {
		t.Fatal(err)
	}
	if bids.SeatsWon != 1 {
		t.Errorf("seats won: got %d, want 1", bids.SeatsWon)
	}
	if bids.MicrogonsBidTotal.Int().Uint64() != 10_000 {
		t.Errorf("bid total: got %s, want 10000", bids.MicrogonsBidTotal)
	}
	if len(bids.WinningBids) != 2 {
		t.Fatalf("winning bids: got %d, want 2", len(bids.WinningBids))
	}
	mine := bids.WinningBids[1]
	if mine.Address != "s0" || mine.BidPosition != 1 {
		t.Errorf("own bid: got %q at %d, want s0 at 1", mine.Address, mine.BidPosition)
	}
	if mine.SubaccountIndex == nil || *mine.SubaccountIndex != 0 {
		t.Errorf("own bid subaccount index: got %v, want 0", mine.SubaccountIndex)
	}

	state, err := f.storage.SyncState().Get()
	if err != nil {
		t.Fatal(err)
	}
	if state.LastBlockNumber != 3 {
		t.Errorf("cursor: got %d, want 3", state.LastBlockNumber)
	}
	if !state.HasMiningSeats {
		t.Error("HasMiningSeats not set after winning a seat")
	}
}

func TestProcessingIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	hs := []chain.Header{
		f.addHeader(header(1, tick, "s0"), chain.RewardEvent{
			Recipient: "s0",
			Microgons: big.NewInt(700),
			Micronots: big.NewInt(40),
		}),
		f.addHeader(header(2, tick+1, "other"), chain.NewMinersEvent{
			FrameID: 41,
			Miners:  []chain.CohortBid{{Address: "s0", MicrogonsBid: big.NewInt(10_000)}},
		}),
		f.addHeader(header(3, tick+2, "other"),
			chain.TransactionFeePaidEvent{ExtrinsicIndex: 0, Payer: "funding", Fee: big.NewInt(500)},
			chain.SlotBidderAddedEvent{ExtrinsicIndex: 0, Address: "s1", MicrogonsBid: big.NewInt(20_000)},
		),
	}

	run := func() {
		for _, h := range hs {
			f.engine.enqueue(h)
		}
		if err := f.engine.SyncToLatest(ctx); err != nil {
			t.Fatal(err)
		}
	}
	run()

	frameID := testFrames().IDForTick(tick)
	earningsOnce, _ := f.storage.Earnings(frameID).Get()
	bidsOnce, _ := f.storage.Bids(41).Get()
	stateOnce, _ := f.storage.SyncState().Get()

	// Feed everything again: every guarded mutation must reject.
	f.engine.mu.Lock()
	f.engine.lastSeenHash = chain.Hash{}
	f.engine.mu.Unlock()
	run()

	earningsTwice, _ := f.storage.Earnings(frameID).Get()
	bidsTwice, _ := f.storage.Bids(41).Get()
	stateTwice, _ := f.storage.SyncState().Get()

	opts := []cmp.Option{
		cmp.Comparer(func(a, b store.BigInt) bool { return a.Cmp(b) == 0 }),
		ignoreLastModified(),
	}
	if diff := cmp.Diff(earningsOnce, earningsTwice, opts...); diff != "" {
		t.Errorf("earnings changed on reprocess (-once +twice):\n%s", diff)
	}
	if diff := cmp.Diff(bidsOnce, bidsTwice, opts...); diff != "" {
		t.Errorf("bids changed on reprocess (-once +twice):\n%s", diff)
	}
	if diff := cmp.Diff(stateOnce, stateTwice, opts...); diff != "" {
		t.Errorf("sync state changed on reprocess (-once +twice):\n%s", diff)
	}

	if earningsTwice.ByCohortActivationFrameID[frameID].BlocksMined != 1 {
		t.Errorf("blocks mined double counted: got %d, want 1", earningsTwice.ByCohortActivationFrameID[frameID].BlocksMined)
	}
	if got := bidsTwice.TransactionFees.Int(); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("transaction fees double counted: got %s, want 500", got)
	}
}

func TestStartupBackfillsExactGap(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	for n := uint64(1); n <= 6; n++ {
		f.addHeader(header(n, tick+n, "other"))
	}

	// Durable cursor says blocks through 2 are done.
	if _, err := f.storage.SyncState().Mutate(func(s *store.SyncState) bool {
		s.LastBlockNumber = 2
		s.OldestFrameIDToSync = 40
		s.CurrentFrameID = 40
		return true
	}); err != nil {
		t.Fatal(err)
	}

	f.client.FinalizedHeadFunc = func(context.Context) (chain.Header, error) {
		return f.headers[hashOf(6)], nil
	}

	if err := f.engine.startup(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint64{3, 4, 5, 6}, f.fetched); diff != "" {
		t.Errorf("processed blocks (-want +got):\n%s", diff)
	}

	state, err := f.storage.SyncState().Get()
	if err != nil {
		t.Fatal(err)
	}
	if state.LastBlockNumber != 6 {
		t.Errorf("cursor after backfill: got %d, want 6", state.LastBlockNumber)
	}
}

func TestGapRefillDuringLiveOperation(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	for n := uint64(1); n <= 5; n++ {
		f.addHeader(header(n, tick+n, "other"))
	}

	f.engine.enqueue(f.headers[hashOf(1)])
	if err := f.engine.SyncToLatest(ctx); err != nil {
		t.Fatal(err)
	}

	// The subscription skipped blocks 2-4.
	f.engine.enqueue(f.headers[hashOf(5)])
	if err := f.engine.SyncToLatest(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5}, f.fetched); diff != "" {
		t.Errorf("processed blocks (-want +got):\n%s", diff)
	}
}

func TestSnapshotChangeWritesBidsDocument(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	h1 := f.addHeader(header(1, tick, "other"))

	f.client.NextCohortFunc = func(context.Context, chain.Hash) (*chain.CohortSnapshot, error) {
		return &chain.CohortSnapshot{
			ActivationFrameID: 41,
			Bids: []chain.CohortBid{
				{Address: "rival", MicrogonsBid: big.NewInt(80_000), BidAtTick: tick},
				{Address: "s1", MicrogonsBid: big.NewInt(60_000), BidAtTick: tick},
			},
		}, nil
	}

	f.engine.enqueue(h1)
	if err := f.engine.SyncToLatest(ctx); err != nil {
		t.Fatal(err)
	}

	bids, err := f.storage.Bids(41).Get()
	if err != nil {
		t.Fatal(err)
	}
	if bids.LastBlockNumber != 1 {
		t.Errorf("last block: got %d, want 1", bids.LastBlockNumber)
	}
	if bids.SeatsWon != 1 || bids.MicrogonsBidTotal.Int().Uint64() != 60_000 {
		t.Errorf("own stake: got %d seats, %s total", bids.SeatsWon, bids.MicrogonsBidTotal)
	}
	if bids.MicronotsStakedPerSeat.Int().Uint64() != 1_000_000 {
		t.Errorf("constants not captured: got %s", bids.MicronotsStakedPerSeat)
	}

	state, err := f.storage.SyncState().Get()
	if err != nil {
		t.Fatal(err)
	}
	if !state.HasMiningBids || state.BidsLastModifiedAt.IsZero() {
		t.Error("bids-modified markers not set on sync state")
	}
}

func TestAttributableFees(t *testing.T) {
	t.Parallel()

	events := []chain.Event{
		// Bid extrinsic paid by us: counts.
		chain.TransactionFeePaidEvent{ExtrinsicIndex: 1, Payer: "funding", Fee: big.NewInt(500)},
		chain.SlotBidderAddedEvent{ExtrinsicIndex: 1, Address: "s0", MicrogonsBid: big.NewInt(10_000)},
		// Unrelated transfer paid by us: ignored.
		chain.TransactionFeePaidEvent{ExtrinsicIndex: 2, Payer: "funding", Fee: big.NewInt(300)},
		// Failed mining-slot extrinsic paid by us: counts.
		chain.TransactionFeePaidEvent{ExtrinsicIndex: 3, Payer: "funding", Fee: big.NewInt(200)},
		chain.ExtrinsicFailedEvent{ExtrinsicIndex: 3, Module: chain.MiningSlotModule},
		// Someone else's bid: ignored.
		chain.TransactionFeePaidEvent{ExtrinsicIndex: 4, Payer: "rival", Fee: big.NewInt(900)},
		chain.SlotBidderAddedEvent{ExtrinsicIndex: 4, Address: "rival", MicrogonsBid: big.NewInt(11_000)},
		// Interrupted batch from the mining-slot module, paid by us: counts.
		chain.TransactionFeePaidEvent{ExtrinsicIndex: 5, Payer: "funding", Fee: big.NewInt(100)},
		chain.BatchInterruptedEvent{ExtrinsicIndex: 5, Index: 2, Module: chain.MiningSlotModule},
	}

	got := attributableFees(events, "funding")
	if got.Int64() != 800 {
		t.Errorf("attributed fees: got %s, want 800", got)
	}
}

func TestRewardTrackerAttribution(t *testing.T) {
	t.Parallel()

	owns := func(addr string) bool { return addr == "s0" || addr == "s1" }
	tr := newRewardTracker(owns)
	tr.observeMiners(40, []chain.CohortBid{{Address: "s0"}, {Address: "rival"}})

	deltas := tr.deltas([]chain.Event{
		chain.RewardEvent{Recipient: "s0", Microgons: big.NewInt(700), Micronots: big.NewInt(40)},
		chain.RewardEvent{Recipient: "s0", Microgons: big.NewInt(50), Minted: true},
		chain.RewardEvent{Recipient: "s1", Microgons: big.NewInt(30)},
		chain.RewardEvent{Recipient: "rival", Microgons: big.NewInt(999)},
	}, "s0", 44)

	// s0 is known to mine for cohort 40; s1 falls back to the block frame.
	d40 := deltas[40]
	if d40 == nil || d40.microgonsMined.Int64() != 700 || d40.microgonsMinted.Int64() != 50 || d40.micronotsMined.Int64() != 40 {
		t.Errorf("cohort 40 delta: %+v", d40)
	}
	if d40.blocksMined != 1 {
		t.Errorf("cohort 40 blocks: got %d, want 1", d40.blocksMined)
	}
	d44 := deltas[44]
	if d44 == nil || d44.microgonsMined.Int64() != 30 {
		t.Errorf("cohort 44 delta: %+v", d44)
	}
	if len(deltas) != 2 {
		t.Errorf("cohorts: got %d, want 2", len(deltas))
	}
}

func TestRateSampleCadence(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	const tick = uint64(70_000)
	frameID := testFrames().IDForTick(tick)
	samples := func(id uint64) int {
		earnings, err := f.storage.Earnings(id).Get()
		if err != nil {
			t.Fatal(err)
		}
		return len(earnings.MicrogonToUSD)
	}

	h1 := f.addHeader(header(1, tick, "other"))
	h2 := f.addHeader(header(2, tick+1, "other"))
	for _, h := range []chain.Header{h1, h2} {
		if err := f.engine.processHeader(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	if got := samples(frameID); got != 1 {
		t.Fatalf("samples after two blocks within the hour: got %d, want 1", got)
	}

	f.engine.mu.Lock()
	f.engine.lastRateSampleAt = time.Now().Add(-2 * time.Hour)
	f.engine.mu.Unlock()

	// A redelivered block is rejected by the earnings guard and must not
	// consume the pending sample.
	if err := f.engine.processHeader(ctx, h2); err != nil {
		t.Fatal(err)
	}
	if got := samples(frameID); got != 1 {
		t.Fatalf("samples after duplicate block: got %d, want 1", got)
	}

	// An hour passing inside the same frame makes a new sample due.
	h3 := f.addHeader(header(3, tick+2, "other"))
	if err := f.engine.processHeader(ctx, h3); err != nil {
		t.Fatal(err)
	}
	if got := samples(frameID); got != 2 {
		t.Fatalf("samples after an hour in the same frame: got %d, want 2", got)
	}

	// A frame rollover makes a sample due before the hour is up.
	_, last := testFrames().TickRange(frameID)
	h4 := f.addHeader(header(4, last+1, "other"))
	if err := f.engine.processHeader(ctx, h4); err != nil {
		t.Fatal(err)
	}
	if got := samples(frameID + 1); got != 1 {
		t.Fatalf("samples after frame rollover: got %d, want 1", got)
	}
}

func TestProcessingStampsEarningsModified(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	ctx := context.Background()

	h := f.addHeader(header(1, 70_000, "other"))
	if err := f.engine.processHeader(ctx, h); err != nil {
		t.Fatal(err)
	}

	state, err := f.storage.SyncState().Get()
	if err != nil {
		t.Fatal(err)
	}
	if state.EarningsLastModifiedAt.IsZero() {
		t.Error("earnings-modified stamp not set after processing a block")
	}
}

func ignoreLastModified() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		f, ok := p.Last().(cmp.StructField)
		return ok && (f.Name() == "LastModifiedAt" || f.Name() == "BidsLastModifiedAt" || f.Name() == "EarningsLastModifiedAt")
	}, cmp.Ignore())
}
