package calc

import (
	"encoding/json"
	"fmt"
	"os"

	"minebot/store"
)

// Rules is the operator-authored bidding policy, loaded from a JSON file.
// Amounts use the store's BigInt token form, so a rules file reads the same
// way as the durable documents.
type Rules struct {
	MinBid        store.BigInt `json:"minBid"`
	MaxBid        store.BigInt `json:"maxBid"`
	MaxBudget     store.BigInt `json:"maxBudget"`
	MaxSeats      int          `json:"maxSeats"`
	BidDelayTicks uint64       `json:"bidDelayTicks"`
	BidIncrement  store.BigInt `json:"bidIncrement"`
	Tip           store.BigInt `json:"tip"`

	// BaseOnYield switches from fixed bounds to yield-derived max bids. The
	// bounds above then act as hard outer limits.
	BaseOnYield           bool   `json:"baseOnYield"`
	ExpectedBlocksPerSeat uint64 `json:"expectedBlocksPerSeat"`
	MarginBasisPoints     uint64 `json:"marginBasisPoints"`
}

// LoadRules reads and decodes a rules file.
func LoadRules(path string) (Rules, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, err
	}
	var r Rules
	if err := json.Unmarshal(buf, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return r, nil
}

// Params converts the rules into validated bidding parameters.
func (r Rules) Params() (Params, error) {
	p := Params{
		MinBid:        r.MinBid.Int(),
		MaxBid:        r.MaxBid.Int(),
		MaxBudget:     r.MaxBudget.Int(),
		MaxSeats:      r.MaxSeats,
		BidDelayTicks: r.BidDelayTicks,
		BidIncrement:  r.BidIncrement.Int(),
		Tip:           r.Tip.Int(),
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// NewRuleCalculator builds the calculator the rules describe: a fixed
// calculator by default, a yield calculator when BaseOnYield is set.
func NewRuleCalculator(r Rules) (Calculator, error) {
	p, err := r.Params()
	if err != nil {
		return nil, err
	}
	if !r.BaseOnYield {
		return NewFixedCalculator(p)
	}
	return NewYieldCalculator(p, r.ExpectedBlocksPerSeat, r.MarginBasisPoints)
}
