package bot

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"minebot/bidding"
	"minebot/calc"
	"minebot/chain"
	"minebot/frame"
)

func testFrames() frame.Config {
	return frame.Config{
		TickDuration:     time.Minute,
		TicksPerFrame:    1440,
		GenesisTick:      10_000,
		BiddingStartTick: 11_440,
	}
}

func testHash(n byte) chain.Hash {
	var h chain.Hash
	h[0] = n
	return h
}

func testCalculator(t *testing.T) calc.Calculator {
	t.Helper()
	c, err := calc.NewFixedCalculator(calc.Params{
		MinBid:       big.NewInt(250_000),
		MaxBid:       big.NewInt(1_000_000),
		MaxBudget:    big.NewInt(10_000_000),
		MaxSeats:     1,
		BidIncrement: big.NewInt(10_000),
		Tip:          big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	return c
}

// testClient serves a one-block chain: genesis at block 0, head at block 1.
func testClient() *chain.MockClient {
	head := chain.Header{Number: 1, Hash: testHash(1), ParentHash: testHash(0), Tick: 70_500}
	headers := map[chain.Hash]chain.Header{
		testHash(0): {Number: 0, Hash: testHash(0), Tick: 70_499},
		testHash(1): head,
	}
	return &chain.MockClient{
		FrameConfigFunc: func(context.Context) (frame.Config, error) { return testFrames(), nil },
		FinalizedHeadFunc: func(context.Context) (chain.Header, error) { return head, nil },
		HeaderFunc: func(_ context.Context, hash chain.Hash) (chain.Header, error) {
			h, ok := headers[hash]
			if !ok {
				return chain.Header{}, chain.ErrNotFound
			}
			return h, nil
		},
		SubscribeFinalizedHeadsFunc: func(context.Context) (<-chan chain.Header, func(), error) {
			return make(chan chain.Header), func() {}, nil
		},
		BlockEventsFunc: func(context.Context, chain.Hash) ([]chain.Event, error) { return nil, nil },
		NextCohortFunc:  func(context.Context, chain.Hash) (*chain.CohortSnapshot, error) { return nil, nil },
		SubscribeBiddingPhaseFunc: func(context.Context) (<-chan chain.PhaseChange, func(), error) {
			return make(chan chain.PhaseChange), func() {}, nil
		},
		IsBiddingOpenFunc:   func(context.Context) (bool, error) { return false, nil },
		BestBlockNumberFunc: func(context.Context) (uint64, error) { return 1, nil },
		CurrentTickFunc:     func(context.Context) (uint64, error) { return 70_500, nil },
		ExchangeRatesFunc: func(context.Context) (chain.ExchangeRates, error) {
			return chain.ExchangeRates{USD: big.NewInt(1), BTC: big.NewInt(1), Micronot: big.NewInt(1)}, nil
		},
		RegisterSessionKeysFunc: func(context.Context) error { return nil },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBotLifecycle(t *testing.T) {
	client := testClient()
	b, err := New(Config{
		Local:              client,
		Archive:            client,
		Accounts:           bidding.NewStaticAccounts("funding", []string{"s0"}),
		Calculator:         testCalculator(t),
		DataDir:            t.TempDir(),
		PollInterval:       20 * time.Millisecond,
		SeatMirrorInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if got := b.Readiness(); got != ReadinessStarting {
		t.Fatalf("initial readiness %q, want %q", got, ReadinessStarting)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	waitFor(t, "readiness ready", func() bool { return b.Readiness() == ReadinessReady })

	st, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Readiness != ReadinessReady {
		t.Errorf("status readiness %q, want %q", st.Readiness, ReadinessReady)
	}
	if len(st.ActiveCohorts) != 0 {
		t.Errorf("unexpected active cohorts %v", st.ActiveCohorts)
	}
	if st.Sync == nil {
		t.Fatalf("status missing sync state")
	}
	if st.Sync.SyncState.LastBlockNumber != 1 {
		t.Errorf("synced to block %d, want 1", st.Sync.SyncState.LastBlockNumber)
	}
	if st.Sync.LocalBlockNumber != 1 {
		t.Errorf("local block number %d, want 1", st.Sync.LocalBlockNumber)
	}

	b.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stop")
	}
}

func TestBotWaitsForRules(t *testing.T) {
	client := testClient()
	rulesPath := filepath.Join(t.TempDir(), "rules.json")
	b, err := New(Config{
		Local:             client,
		Archive:           client,
		Accounts:          bidding.NewStaticAccounts("funding", []string{"s0"}),
		RulesPath:         rulesPath,
		RulesPollInterval: 10 * time.Millisecond,
		DataDir:           t.TempDir(),
		PollInterval:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	waitFor(t, "waiting for rules", func() bool { return b.Readiness() == ReadinessWaitingForRules })

	rules := `{
		"minBid": "250000n",
		"maxBid": "1000000n",
		"maxBudget": "10000000n",
		"maxSeats": 1,
		"bidIncrement": "10000n",
		"tip": "0n"
	}`
	if err := os.WriteFile(rulesPath, []byte(rules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	waitFor(t, "readiness ready", func() bool { return b.Readiness() == ReadinessReady })

	b.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after stop")
	}
}

func TestConfigValidation(t *testing.T) {
	base := func() Config {
		return Config{
			Local:      testClient(),
			Archive:    testClient(),
			Accounts:   bidding.NewStaticAccounts("funding", []string{"s0"}),
			Calculator: testCalculator(t),
			DataDir:    t.TempDir(),
		}
	}

	if _, err := New(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for name, breakIt := range map[string]func(*Config){
		"no local":               func(c *Config) { c.Local = nil },
		"no archive":             func(c *Config) { c.Archive = nil },
		"no accounts":            func(c *Config) { c.Accounts = nil },
		"no calculator or rules": func(c *Config) { c.Calculator = nil; c.RulesPath = "" },
		"no data dir":            func(c *Config) { c.DataDir = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			breakIt(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}
