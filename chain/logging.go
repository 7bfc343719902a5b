package chain

import (
	"context"
	"math/big"
	"time"

	"minebot/frame"
	"minebot/metrics"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Hooks observes calls through an instrumented client. Any nil hook is
// skipped.
type Hooks struct {
	BeforeCall func(ctx context.Context, op string)
	OnSuccess  func(ctx context.Context, op string, took time.Duration)
	OnError    func(ctx context.Context, op string, took time.Duration, err error)
}

// LogHooks returns Hooks that emit structured log events: debug for call
// start and success, warn with context for errors.
func LogHooks(logger log.Logger) Hooks {
	return Hooks{
		BeforeCall: func(_ context.Context, op string) {
			level.Debug(logger).Log("chain_op", op, "state", "begin")
		},
		OnSuccess: func(_ context.Context, op string, took time.Duration) {
			level.Debug(logger).Log("chain_op", op, "state", "ok", "took", took)
		},
		OnError: func(_ context.Context, op string, took time.Duration, err error) {
			level.Warn(logger).Log("chain_op", op, "state", "error", "took", took, "err", err)
		},
	}
}

// WithLogging wraps a client so that every call is logged via LogHooks and
// observed by the op-wait metric.
func WithLogging(c Client, logger log.Logger) Client {
	return WithHooks(c, LogHooks(logger))
}

// WithHooks wraps a client with explicit before/success/error instrumentation.
func WithHooks(c Client, hooks Hooks) Client {
	return &instrumentedClient{next: c, hooks: hooks}
}

type instrumentedClient struct {
	next  Client
	hooks Hooks
}

var _ Client = (*instrumentedClient)(nil)

func (c *instrumentedClient) observe(ctx context.Context, op string) func(error) {
	if c.hooks.BeforeCall != nil {
		c.hooks.BeforeCall(ctx, op)
	}
	begin := time.Now()
	return func(err error) {
		took := time.Since(begin)
		metrics.OpWait(op, took)
		switch {
		case err != nil:
			if c.hooks.OnError != nil {
				c.hooks.OnError(ctx, op, took, err)
			}
		default:
			if c.hooks.OnSuccess != nil {
				c.hooks.OnSuccess(ctx, op, took)
			}
		}
	}
}

func (c *instrumentedClient) FinalizedHead(ctx context.Context) (_ Header, err error) {
	finish := c.observe(ctx, "FinalizedHead")
	defer func() { finish(err) }()
	return c.next.FinalizedHead(ctx)
}

func (c *instrumentedClient) Header(ctx context.Context, hash Hash) (_ Header, err error) {
	finish := c.observe(ctx, "Header")
	defer func() { finish(err) }()
	return c.next.Header(ctx, hash)
}

func (c *instrumentedClient) SubscribeFinalizedHeads(ctx context.Context) (_ <-chan Header, _ func(), err error) {
	finish := c.observe(ctx, "SubscribeFinalizedHeads")
	defer func() { finish(err) }()
	return c.next.SubscribeFinalizedHeads(ctx)
}

func (c *instrumentedClient) BlockEvents(ctx context.Context, hash Hash) (_ []Event, err error) {
	finish := c.observe(ctx, "BlockEvents")
	defer func() { finish(err) }()
	return c.next.BlockEvents(ctx, hash)
}

func (c *instrumentedClient) NextCohort(ctx context.Context, at Hash) (_ *CohortSnapshot, err error) {
	finish := c.observe(ctx, "NextCohort")
	defer func() { finish(err) }()
	return c.next.NextCohort(ctx, at)
}

func (c *instrumentedClient) SubscribeNextCohort(ctx context.Context) (_ <-chan *CohortSnapshot, _ func(), err error) {
	finish := c.observe(ctx, "SubscribeNextCohort")
	defer func() { finish(err) }()
	return c.next.SubscribeNextCohort(ctx)
}

func (c *instrumentedClient) SubscribeBiddingPhase(ctx context.Context) (_ <-chan PhaseChange, _ func(), err error) {
	finish := c.observe(ctx, "SubscribeBiddingPhase")
	defer func() { finish(err) }()
	return c.next.SubscribeBiddingPhase(ctx)
}

func (c *instrumentedClient) IsBiddingOpen(ctx context.Context) (_ bool, err error) {
	finish := c.observe(ctx, "IsBiddingOpen")
	defer func() { finish(err) }()
	return c.next.IsBiddingOpen(ctx)
}

func (c *instrumentedClient) BestBlockNumber(ctx context.Context) (_ uint64, err error) {
	finish := c.observe(ctx, "BestBlockNumber")
	defer func() { finish(err) }()
	return c.next.BestBlockNumber(ctx)
}

func (c *instrumentedClient) CurrentTick(ctx context.Context) (_ uint64, err error) {
	finish := c.observe(ctx, "CurrentTick")
	defer func() { finish(err) }()
	return c.next.CurrentTick(ctx)
}

func (c *instrumentedClient) AccountBalance(ctx context.Context, addr string) (_ *big.Int, err error) {
	finish := c.observe(ctx, "AccountBalance")
	defer func() { finish(err) }()
	return c.next.AccountBalance(ctx, addr)
}

func (c *instrumentedClient) CohortConstants(ctx context.Context, at Hash) (_ CohortConstants, err error) {
	finish := c.observe(ctx, "CohortConstants")
	defer func() { finish(err) }()
	return c.next.CohortConstants(ctx, at)
}

func (c *instrumentedClient) ExchangeRates(ctx context.Context) (_ ExchangeRates, err error) {
	finish := c.observe(ctx, "ExchangeRates")
	defer func() { finish(err) }()
	return c.next.ExchangeRates(ctx)
}

func (c *instrumentedClient) FrameConfig(ctx context.Context) (_ frame.Config, err error) {
	finish := c.observe(ctx, "FrameConfig")
	defer func() { finish(err) }()
	return c.next.FrameConfig(ctx)
}

func (c *instrumentedClient) EstimateBidFee(ctx context.Context, attempt BidAttempt) (_ *big.Int, err error) {
	finish := c.observe(ctx, "EstimateBidFee")
	defer func() { finish(err) }()
	return c.next.EstimateBidFee(ctx, attempt)
}

func (c *instrumentedClient) SubmitBids(ctx context.Context, attempt BidAttempt) (_ *BidSubmission, err error) {
	finish := c.observe(ctx, "SubmitBids")
	defer func() { finish(err) }()
	return c.next.SubmitBids(ctx, attempt)
}

func (c *instrumentedClient) RegisterSessionKeys(ctx context.Context) (err error) {
	finish := c.observe(ctx, "RegisterSessionKeys")
	defer func() { finish(err) }()
	return c.next.RegisterSessionKeys(ctx)
}
