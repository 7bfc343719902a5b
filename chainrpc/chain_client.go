package chainrpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/go-kit/log/level"

	"minebot/chain"
	"minebot/frame"
	"minebot/store"
)

var _ chain.Client = (*Client)(nil)

func (c *Client) FinalizedHead(ctx context.Context) (chain.Header, error) {
	var w wireHeader
	if err := c.call(ctx, "chain_finalizedHead", nil, &w); err != nil {
		return chain.Header{}, err
	}
	return w.header()
}

func (c *Client) Header(ctx context.Context, hash chain.Hash) (chain.Header, error) {
	var w wireHeader
	if err := c.call(ctx, "chain_header", []any{hashArg(hash)}, &w); err != nil {
		return chain.Header{}, err
	}
	return w.header()
}

func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (<-chan chain.Header, func(), error) {
	raw, cancel, err := c.subscribe(ctx, "chain_subscribeFinalizedHeads", "chain_unsubscribeFinalizedHeads", nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan chain.Header, cap(raw))
	go func() {
		defer close(out)
		for buf := range raw {
			var w wireHeader
			if err := json.Unmarshal(buf, &w); err != nil {
				level.Warn(c.logger).Log("msg", "bad finalized head notification", "err", err)
				continue
			}
			h, err := w.header()
			if err != nil {
				level.Warn(c.logger).Log("msg", "bad finalized head notification", "err", err)
				continue
			}
			out <- h
		}
	}()
	return out, cancel, nil
}

func (c *Client) BlockEvents(ctx context.Context, hash chain.Hash) ([]chain.Event, error) {
	var ws []wireEvent
	if err := c.call(ctx, "mining_blockEvents", []any{hashArg(hash)}, &ws); err != nil {
		return nil, err
	}
	var out []chain.Event
	for _, w := range ws {
		if e := w.event(); e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Client) NextCohort(ctx context.Context, at chain.Hash) (*chain.CohortSnapshot, error) {
	var w *wireSnapshot
	if err := c.call(ctx, "mining_nextCohort", []any{hashArg(at)}, &w); err != nil {
		return nil, err
	}
	return w.snapshot(), nil
}

func (c *Client) SubscribeNextCohort(ctx context.Context) (<-chan *chain.CohortSnapshot, func(), error) {
	raw, cancel, err := c.subscribe(ctx, "mining_subscribeNextCohort", "mining_unsubscribeNextCohort", nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *chain.CohortSnapshot, cap(raw))
	go func() {
		defer close(out)
		for buf := range raw {
			var w *wireSnapshot
			if err := json.Unmarshal(buf, &w); err != nil {
				level.Warn(c.logger).Log("msg", "bad cohort notification", "err", err)
				continue
			}
			out <- w.snapshot()
		}
	}()
	return out, cancel, nil
}

func (c *Client) SubscribeBiddingPhase(ctx context.Context) (<-chan chain.PhaseChange, func(), error) {
	raw, cancel, err := c.subscribe(ctx, "mining_subscribeBiddingPhase", "mining_unsubscribeBiddingPhase", nil)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan chain.PhaseChange, cap(raw))
	go func() {
		defer close(out)
		for buf := range raw {
			var w wirePhaseChange
			if err := json.Unmarshal(buf, &w); err != nil {
				level.Warn(c.logger).Log("msg", "bad phase notification", "err", err)
				continue
			}
			out <- chain.PhaseChange{ActivationFrameID: w.ActivationFrameID, Open: w.Open}
		}
	}()
	return out, cancel, nil
}

func (c *Client) IsBiddingOpen(ctx context.Context) (bool, error) {
	var open bool
	err := c.call(ctx, "mining_isBiddingOpen", nil, &open)
	return open, err
}

func (c *Client) BestBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "chain_bestBlockNumber", nil, &n)
	return n, err
}

func (c *Client) CurrentTick(ctx context.Context) (uint64, error) {
	var tick uint64
	err := c.call(ctx, "mining_currentTick", nil, &tick)
	return tick, err
}

func (c *Client) AccountBalance(ctx context.Context, addr string) (*big.Int, error) {
	var balance store.BigInt
	if err := c.call(ctx, "account_balance", []any{addr}, &balance); err != nil {
		return nil, err
	}
	return balance.Int(), nil
}

func (c *Client) CohortConstants(ctx context.Context, at chain.Hash) (chain.CohortConstants, error) {
	var w wireConstants
	if err := c.call(ctx, "mining_cohortConstants", []any{hashArg(at)}, &w); err != nil {
		return chain.CohortConstants{}, err
	}
	return chain.CohortConstants{
		MicronotsStakedPerSeat:     w.MicronotsStakedPerSeat.Int(),
		MicrogonsToBeMinedPerBlock: w.MicrogonsToBeMinedPerBlock.Int(),
	}, nil
}

func (c *Client) ExchangeRates(ctx context.Context) (chain.ExchangeRates, error) {
	var w wireRates
	if err := c.call(ctx, "mining_exchangeRates", nil, &w); err != nil {
		return chain.ExchangeRates{}, err
	}
	return chain.ExchangeRates{
		USD:      w.USD.Int(),
		BTC:      w.BTC.Int(),
		Micronot: w.Micronot.Int(),
	}, nil
}

func (c *Client) FrameConfig(ctx context.Context) (frame.Config, error) {
	var w wireFrameConfig
	if err := c.call(ctx, "mining_frameConfig", nil, &w); err != nil {
		return frame.Config{}, err
	}
	return frame.Config{
		TickDuration:     durationFromMillis(w.TickDurationMillis),
		TicksPerFrame:    w.TicksPerFrame,
		GenesisTick:      w.GenesisTick,
		BiddingStartTick: w.BiddingStartTick,
	}, nil
}

func (c *Client) EstimateBidFee(ctx context.Context, attempt chain.BidAttempt) (*big.Int, error) {
	var fee store.BigInt
	if err := c.call(ctx, "mining_estimateBidFee", []any{bidAttemptArg(attempt)}, &fee); err != nil {
		return nil, err
	}
	return fee.Int(), nil
}

func (c *Client) SubmitBids(ctx context.Context, attempt chain.BidAttempt) (*chain.BidSubmission, error) {
	var w wireSubmission
	if err := c.call(ctx, "mining_submitBids", []any{bidAttemptArg(attempt)}, &w); err != nil {
		return nil, err
	}
	return w.submission()
}

func (c *Client) RegisterSessionKeys(ctx context.Context) error {
	return c.call(ctx, "mining_registerSessionKeys", nil, nil)
}
