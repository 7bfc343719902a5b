// Package calc decides how aggressively to bid for a cohort. A Calculator
// turns the cohort's on-chain economics into concrete bidding parameters
// before the auction engine starts competing.
package calc

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"minebot/chain"
)

var ErrNoBidding = errors.New("calculator opted out of bidding")

// Input carries everything known about a cohort when its bidding window
// opens.
type Input struct {
	ActivationFrameID          uint64
	MicronotsStakedPerSeat     *big.Int
	MicrogonsToBeMinedPerBlock *big.Int

	// AccruedMicrogonProfits is the mining profit accumulated over the two
	// frames before the bidding frame, available to roll into new bids.
	AccruedMicrogonProfits *big.Int

	ExchangeRates chain.ExchangeRates
}

// Params bounds one cohort's bidding. All amounts are microgons.
type Params struct {
	// MinBid and MaxBid bound the per-seat price the engine will offer.
	MinBid *big.Int
	MaxBid *big.Int

	// MaxBudget caps total spend across seats, fees and tip included.
	MaxBudget *big.Int

	// MaxSeats caps how many seats to compete for. Zero means sit this
	// cohort out.
	MaxSeats int

	// BidDelayTicks postpones the first bid past the window opening, to
	// avoid telegraphing intent at tick zero.
	BidDelayTicks uint64

	// BidIncrement is how far above the lowest winning bid to step when
	// outbid. The engine enforces its own floor on top of this.
	BidIncrement *big.Int

	// Tip is the per-submission priority tip.
	Tip *big.Int
}

func (p Params) Validate() error {
	if p.MinBid == nil || p.MaxBid == nil || p.MaxBudget == nil || p.BidIncrement == nil || p.Tip == nil {
		return errors.New("params: all amounts must be set")
	}
	if p.MinBid.Sign() < 0 {
		return fmt.Errorf("params: min bid %s is negative", p.MinBid)
	}
	if p.MinBid.Cmp(p.MaxBid) > 0 {
		return fmt.Errorf("params: min bid %s exceeds max bid %s", p.MinBid, p.MaxBid)
	}
	if p.MaxSeats < 0 {
		return fmt.Errorf("params: max seats %d is negative", p.MaxSeats)
	}
	if p.BidIncrement.Sign() <= 0 {
		return fmt.Errorf("params: bid increment %s must be positive", p.BidIncrement)
	}
	if p.Tip.Sign() < 0 {
		return fmt.Errorf("params: tip %s is negative", p.Tip)
	}
	return nil
}

// Calculator produces bidding parameters for one cohort. Returning
// ErrNoBidding skips the cohort without treating it as a failure.
type Calculator interface {
	Params(ctx context.Context, in Input) (Params, error)
}

// CalculatorFunc adapts a function to the Calculator interface.
type CalculatorFunc func(ctx context.Context, in Input) (Params, error)

func (f CalculatorFunc) Params(ctx context.Context, in Input) (Params, error) { return f(ctx, in) }

//
//
//

// FixedCalculator bids with the same operator-configured parameters for
// every cohort.
type FixedCalculator struct {
	params Params
}

var _ Calculator = (*FixedCalculator)(nil)

func NewFixedCalculator(p Params) (*FixedCalculator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &FixedCalculator{params: p}, nil
}

func (c *FixedCalculator) Params(_ context.Context, _ Input) (Params, error) {
	return c.params, nil
}

//
//
//

// YieldCalculator derives the max bid from the seat's expected mining
// revenue, holding back a profit margin, and rolls accrued profits from
// recent frames into the budget. The operator's configured params act as
// hard outer bounds.
type YieldCalculator struct {
	bounds Params

	// ExpectedBlocksPerSeat is how many blocks one seat is expected to
	// author over its cohort's lifetime.
	ExpectedBlocksPerSeat uint64

	// MarginBasisPoints is the slice of expected revenue to keep as
	// profit rather than spend on the bid. 2000 keeps 20%.
	MarginBasisPoints uint64
}

var _ Calculator = (*YieldCalculator)(nil)

func NewYieldCalculator(bounds Params, expectedBlocksPerSeat, marginBasisPoints uint64) (*YieldCalculator, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if marginBasisPoints > 10_000 {
		return nil, fmt.Errorf("margin %d basis points exceeds 10000", marginBasisPoints)
	}
	return &YieldCalculator{
		bounds:                bounds,
		ExpectedBlocksPerSeat: expectedBlocksPerSeat,
		MarginBasisPoints:     marginBasisPoints,
	}, nil
}

func (c *YieldCalculator) Params(_ context.Context, in Input) (Params, error) {
	if in.MicrogonsToBeMinedPerBlock == nil {
		return Params{}, errors.New("yield calculator: microgons per block unknown")
	}

	revenue := new(big.Int).Mul(in.MicrogonsToBeMinedPerBlock, new(big.Int).SetUint64(c.ExpectedBlocksPerSeat))
	keep := new(big.Int).Mul(revenue, new(big.Int).SetUint64(c.MarginBasisPoints))
	keep.Div(keep, big.NewInt(10_000))
	maxBid := new(big.Int).Sub(revenue, keep)

	if maxBid.Cmp(c.bounds.MaxBid) > 0 {
		maxBid = new(big.Int).Set(c.bounds.MaxBid)
	}
	if maxBid.Cmp(c.bounds.MinBid) < 0 {
		// The economics do not support even the minimum bid.
		return Params{}, ErrNoBidding
	}

	budget := new(big.Int).Set(c.bounds.MaxBudget)
	if in.AccruedMicrogonProfits != nil && in.AccruedMicrogonProfits.Sign() > 0 {
		budget.Add(budget, in.AccruedMicrogonProfits)
	}

	out := c.bounds
	out.MaxBid = maxBid
	out.MaxBudget = budget
	return out, nil
}
