// Package chain defines the boundary to the mining network's RPC and account
// layer. Everything the rest of the service knows about the chain goes
// through the Client interface; concrete transports live outside this module.
package chain

import (
	"context"
	"errors"
	"math/big"

	"minebot/frame"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrBatchInterrupted = errors.New("bid batch interrupted")
	ErrBatchFailed      = errors.New("bid batch failed")
)

type Client interface {
	// FinalizedHead returns the most recent finalized header.
	FinalizedHead(ctx context.Context) (Header, error)

	// Header returns the header with the given hash.
	Header(ctx context.Context, hash Hash) (Header, error)

	// SubscribeFinalizedHeads delivers newly finalized headers until the
	// returned cancel func is called. Delivery order is not guaranteed.
	SubscribeFinalizedHeads(ctx context.Context) (<-chan Header, func(), error)

	// BlockEvents returns the typed events emitted by the block with the
	// given hash.
	BlockEvents(ctx context.Context, hash Hash) ([]Event, error)

	// NextCohort returns the bidding snapshot for the next cohort as of the
	// given block hash, or as of the best block if hash is zero.
	NextCohort(ctx context.Context, at Hash) (*CohortSnapshot, error)

	// SubscribeNextCohort delivers a snapshot whenever the next cohort's bid
	// list or frame id changes.
	SubscribeNextCohort(ctx context.Context) (<-chan *CohortSnapshot, func(), error)

	// SubscribeBiddingPhase delivers cohort bidding open/close transitions.
	SubscribeBiddingPhase(ctx context.Context) (<-chan PhaseChange, func(), error)

	// IsBiddingOpen reports whether the next cohort's auction is open.
	IsBiddingOpen(ctx context.Context) (bool, error)

	BestBlockNumber(ctx context.Context) (uint64, error)
	CurrentTick(ctx context.Context) (uint64, error)

	// AccountBalance returns the free microgon balance of an address.
	AccountBalance(ctx context.Context, addr string) (*big.Int, error)

	// CohortConstants returns the static economics of the next cohort as of
	// the given block hash.
	CohortConstants(ctx context.Context, at Hash) (CohortConstants, error)

	// ExchangeRates returns current microgon quotes.
	ExchangeRates(ctx context.Context) (ExchangeRates, error)

	// FrameConfig resolves the network's tick/frame constants.
	FrameConfig(ctx context.Context) (frame.Config, error)

	// EstimateBidFee dry-runs a bid batch and returns the estimated fee,
	// excluding tip.
	EstimateBidFee(ctx context.Context, attempt BidAttempt) (*big.Int, error)

	// SubmitBids submits a batched bid transaction and waits for inclusion.
	// A full or partial on-chain rejection is reported in BidSubmission.Err
	// (wrapping ErrBatchFailed or ErrBatchInterrupted); the returned error
	// covers transport failures only.
	SubmitBids(ctx context.Context, attempt BidAttempt) (*BidSubmission, error)

	// RegisterSessionKeys registers the operator's session keys with the
	// network. Performed once before bidding starts.
	RegisterSessionKeys(ctx context.Context) error
}

// CohortSnapshot is the chain's current view of the next cohort's auction:
// the activation frame id and the ranked list of winning bids, highest first.
type CohortSnapshot struct {
	ActivationFrameID uint64
	Bids              []CohortBid
}

type CohortBid struct {
	Address      string
	MicrogonsBid *big.Int
	BidAtTick    uint64
}

// PhaseChange signals that bidding for a cohort opened or closed.
type PhaseChange struct {
	ActivationFrameID uint64
	Open              bool
}

// CohortConstants is the static per-seat economics of a cohort.
type CohortConstants struct {
	MicronotsStakedPerSeat     *big.Int
	MicrogonsToBeMinedPerBlock *big.Int
}

// ExchangeRates quotes one microgon in external units, scaled fixed-point.
type ExchangeRates struct {
	USD      *big.Int
	BTC      *big.Int
	Micronot *big.Int
}

// BidAttempt is one batched bid transaction: the same price for every listed
// subaccount address.
type BidAttempt struct {
	Subaccounts      []string
	MicrogonsPerSeat *big.Int
	Tip              *big.Int
}

// BidSubmission is the outcome of an included bid batch.
type BidSubmission struct {
	BlockNumber uint64
	Tick        uint64

	// Accepted is how many bids of the batch were applied before any
	// interruption. Equal to the batch size on full success.
	Accepted int

	// Err is non-nil when the batch was rejected in whole or in part.
	Err error
}
