package chain

import (
	"context"
	"math/big"

	"minebot/frame"
)

type MockClient struct {
	FinalizedHeadFunc           func(ctx context.Context) (Header, error)
	HeaderFunc                  func(ctx context.Context, hash Hash) (Header, error)
	SubscribeFinalizedHeadsFunc func(ctx context.Context) (<-chan Header, func(), error)
	BlockEventsFunc             func(ctx context.Context, hash Hash) ([]Event, error)
	NextCohortFunc              func(ctx context.Context, at Hash) (*CohortSnapshot, error)
	SubscribeNextCohortFunc     func(ctx context.Context) (<-chan *CohortSnapshot, func(), error)
	SubscribeBiddingPhaseFunc   func(ctx context.Context) (<-chan PhaseChange, func(), error)
	IsBiddingOpenFunc           func(ctx context.Context) (bool, error)
	BestBlockNumberFunc         func(ctx context.Context) (uint64, error)
	CurrentTickFunc             func(ctx context.Context) (uint64, error)
	AccountBalanceFunc          func(ctx context.Context, addr string) (*big.Int, error)
	CohortConstantsFunc         func(ctx context.Context, at Hash) (CohortConstants, error)
	ExchangeRatesFunc           func(ctx context.Context) (ExchangeRates, error)
	FrameConfigFunc             func(ctx context.Context) (frame.Config, error)
	EstimateBidFeeFunc          func(ctx context.Context, attempt BidAttempt) (*big.Int, error)
	SubmitBidsFunc              func(ctx context.Context, attempt BidAttempt) (*BidSubmission, error)
	RegisterSessionKeysFunc     func(ctx context.Context) error
}

var _ Client = (*MockClient)(nil)

func NewMockClientErr(err error) *MockClient {
	return &MockClient{
		FinalizedHeadFunc: func(ctx context.Context) (Header, error) {
			return Header{}, err
		},
		HeaderFunc: func(ctx context.Context, hash Hash) (Header, error) {
			return Header{}, err
		},
		SubscribeFinalizedHeadsFunc: func(ctx context.Context) (<-chan Header, func(), error) {
			return nil, nil, err
		},
		BlockEventsFunc: func(ctx context.Context, hash Hash) ([]Event, error) {
			return nil, err
		},
		NextCohortFunc: func(ctx context.Context, at Hash) (*CohortSnapshot, error) {
			return nil, err
		},
		SubscribeNextCohortFunc: func(ctx context.Context) (<-chan *CohortSnapshot, func(), error) {
			return nil, nil, err
		},
		SubscribeBiddingPhaseFunc: func(ctx context.Context) (<-chan PhaseChange, func(), error) {
			return nil, nil, err
		},
		IsBiddingOpenFunc: func(ctx context.Context) (bool, error) {
			return false, err
		},
		BestBlockNumberFunc: func(ctx context.Context) (uint64, error) {
			return 0, err
		},
		CurrentTickFunc: func(ctx context.Context) (uint64, error) {
			return 0, err
		},
		AccountBalanceFunc: func(ctx context.Context, addr string) (*big.Int, error) {
			return nil, err
		},
		CohortConstantsFunc: func(ctx context.Context, at Hash) (CohortConstants, error) {
			return CohortConstants{}, err
		},
		ExchangeRatesFunc: func(ctx context.Context) (ExchangeRates, error) {
			return ExchangeRates{}, err
		},
		FrameConfigFunc: func(ctx context.Context) (frame.Config, error) {
			return frame.Config{}, err
		},
		EstimateBidFeeFunc: func(ctx context.Context, attempt BidAttempt) (*big.Int, error) {
			return nil, err
		},
		SubmitBidsFunc: func(ctx context.Context, attempt BidAttempt) (*BidSubmission, error) {
			return nil, err
		},
		RegisterSessionKeysFunc: func(ctx context.Context) error {
			return err
		},
	}
}

func (m *MockClient) FinalizedHead(ctx context.Context) (Header, error) {
	return m.FinalizedHeadFunc(ctx)
}

func (m *MockClient) Header(ctx context.Context, hash Hash) (Header, error) {
	return m.HeaderFunc(ctx, hash)
}

func (m *MockClient) SubscribeFinalizedHeads(ctx context.Context) (<-chan Header, func(), error) {
	return m.SubscribeFinalizedHeadsFunc(ctx)
}

func (m *MockClient) BlockEvents(ctx context.Context, hash Hash) ([]Event, error) {
	return m.BlockEventsFunc(ctx, hash)
}

func (m *MockClient) NextCohort(ctx context.Context, at Hash) (*CohortSnapshot, error) {
	return m.NextCohortFunc(ctx, at)
}

func (m *MockClient) SubscribeNextCohort(ctx context.Context) (<-chan *CohortSnapshot, func(), error) {
	return m.SubscribeNextCohortFunc(ctx)
}

func (m *MockClient) SubscribeBiddingPhase(ctx context.Context) (<-chan PhaseChange, func(), error) {
	return m.SubscribeBiddingPhaseFunc(ctx)
}

func (m *MockClient) IsBiddingOpen(ctx context.Context) (bool, error) {
	return m.IsBiddingOpenFunc(ctx)
}

func (m *MockClient) BestBlockNumber(ctx context.Context) (uint64, error) {
	return m.BestBlockNumberFunc(ctx)
}

func (m *MockClient) CurrentTick(ctx context.Context) (uint64, error) {
	return m.CurrentTickFunc(ctx)
}

func (m *MockClient) AccountBalance(ctx context.Context, addr string) (*big.Int, error) {
	return m.AccountBalanceFunc(ctx, addr)
}

func (m *MockClient) CohortConstants(ctx context.Context, at Hash) (CohortConstants, error) {
	return m.CohortConstantsFunc(ctx, at)
}

func (m *MockClient) ExchangeRates(ctx context.Context) (ExchangeRates, error) {
	return m.ExchangeRatesFunc(ctx)
}

func (m *MockClient) FrameConfig(ctx context.Context) (frame.Config, error) {
	return m.FrameConfigFunc(ctx)
}

func (m *MockClient) EstimateBidFee(ctx context.Context, attempt BidAttempt) (*big.Int, error) {
	return m.EstimateBidFeeFunc(ctx, attempt)
}

func (m *MockClient) SubmitBids(ctx context.Context, attempt BidAttempt) (*BidSubmission, error) {
	return m.SubmitBidsFunc(ctx, attempt)
}

func (m *MockClient) RegisterSessionKeys(ctx context.Context) error {
	return m.RegisterSessionKeysFunc(ctx)
}
