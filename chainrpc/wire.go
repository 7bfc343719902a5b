package chainrpc

import (
	"fmt"
	"strings"
	"time"

	"minebot/chain"
	"minebot/store"
)

// Wire shapes for the gateway's JSON-RPC surface. Amounts use the same
// "<digits>n" big-integer tokens as the durable documents, and hashes are
// hex strings with an optional 0x prefix.

type wireHeader struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Tick       uint64 `json:"tick"`
	Author     string `json:"author,omitempty"`
}

func (w wireHeader) header() (chain.Header, error) {
	hash, err := parseHash(w.Hash)
	if err != nil {
		return chain.Header{}, fmt.Errorf("block %d hash: %w", w.Number, err)
	}
	parent, err := parseHash(w.ParentHash)
	if err != nil {
		return chain.Header{}, fmt.Errorf("block %d parent hash: %w", w.Number, err)
	}
	return chain.Header{
		Number:     w.Number,
		Hash:       hash,
		ParentHash: parent,
		Tick:       w.Tick,
		Author:     w.Author,
	}, nil
}

func parseHash(s string) (chain.Hash, error) {
	return chain.ParseHash(strings.TrimPrefix(s, "0x"))
}

func hashArg(h chain.Hash) any {
	if h.IsZero() {
		return nil
	}
	return "0x" + h.String()
}

type wireBid struct {
	Address      string       `json:"address"`
	MicrogonsBid store.BigInt `json:"microgonsBid"`
	BidAtTick    uint64       `json:"bidAtTick"`
}

func (w wireBid) bid() chain.CohortBid {
	return chain.CohortBid{
		Address:      w.Address,
		MicrogonsBid: w.MicrogonsBid.Int(),
		BidAtTick:    w.BidAtTick,
	}
}

type wireSnapshot struct {
	ActivationFrameID uint64    `json:"cohortActivationFrameId"`
	Bids              []wireBid `json:"bids"`
}

func (w *wireSnapshot) snapshot() *chain.CohortSnapshot {
	if w == nil {
		return nil
	}
	snap := &chain.CohortSnapshot{ActivationFrameID: w.ActivationFrameID}
	for _, b := range w.Bids {
		snap.Bids = append(snap.Bids, b.bid())
	}
	return snap
}

type wirePhaseChange struct {
	ActivationFrameID uint64 `json:"cohortActivationFrameId"`
	Open              bool   `json:"open"`
}

type wireEvent struct {
	Type string `json:"type"`

	FrameID   uint64    `json:"frameId,omitempty"`
	Miners    []wireBid `json:"miners,omitempty"`
	Finalized bool      `json:"finalized,omitempty"`

	ExtrinsicIndex int    `json:"extrinsicIndex,omitempty"`
	Index          int    `json:"index,omitempty"`
	Address        string `json:"address,omitempty"`
	Payer          string `json:"payer,omitempty"`
	Module         string `json:"module,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Minted         bool   `json:"minted,omitempty"`

	MicrogonsBid store.BigInt `json:"microgonsBid,omitempty"`
	Fee          store.BigInt `json:"fee,omitempty"`
	Microgons    store.BigInt `json:"microgons,omitempty"`
	Micronots    store.BigInt `json:"micronots,omitempty"`
}

// event maps the wire form to the typed event set. Event kinds this service
// does not react to decode to nil and are skipped.
func (w wireEvent) event() chain.Event {
	switch w.Type {
	case "newMiners":
		e := chain.NewMinersEvent{FrameID: w.FrameID, Finalized: w.Finalized}
		for _, m := range w.Miners {
			e.Miners = append(e.Miners, m.bid())
		}
		return e
	case "slotBidderAdded":
		return chain.SlotBidderAddedEvent{
			ExtrinsicIndex: w.ExtrinsicIndex,
			Address:        w.Address,
			MicrogonsBid:   w.MicrogonsBid.Int(),
		}
	case "transactionFeePaid":
		return chain.TransactionFeePaidEvent{
			ExtrinsicIndex: w.ExtrinsicIndex,
			Payer:          w.Payer,
			Fee:            w.Fee.Int(),
		}
	case "extrinsicFailed":
		return chain.ExtrinsicFailedEvent{
			ExtrinsicIndex: w.ExtrinsicIndex,
			Module:         w.Module,
		}
	case "batchInterrupted":
		return chain.BatchInterruptedEvent{
			ExtrinsicIndex: w.ExtrinsicIndex,
			Index:          w.Index,
			Module:         w.Module,
		}
	case "reward":
		return chain.RewardEvent{
			Recipient: w.Recipient,
			Microgons: w.Microgons.Int(),
			Micronots: w.Micronots.Int(),
			Minted:    w.Minted,
		}
	default:
		return nil
	}
}

type wireConstants struct {
	MicronotsStakedPerSeat     store.BigInt `json:"micronotsStakedPerSeat"`
	MicrogonsToBeMinedPerBlock store.BigInt `json:"microgonsToBeMinedPerBlock"`
}

type wireRates struct {
	USD      store.BigInt `json:"usd"`
	BTC      store.BigInt `json:"btc"`
	Micronot store.BigInt `json:"micronot"`
}

type wireFrameConfig struct {
	TickDurationMillis uint64 `json:"tickDurationMillis"`
	TicksPerFrame      uint64 `json:"ticksPerFrame"`
	GenesisTick        uint64 `json:"genesisTick"`
	BiddingStartTick   uint64 `json:"biddingStartTick"`
}

type wireBidAttempt struct {
	Subaccounts      []string     `json:"subaccounts"`
	MicrogonsPerSeat store.BigInt `json:"microgonsPerSeat"`
	Tip              store.BigInt `json:"tip"`
}

func bidAttemptArg(a chain.BidAttempt) wireBidAttempt {
	return wireBidAttempt{
		Subaccounts:      a.Subaccounts,
		MicrogonsPerSeat: store.NewBigInt(a.MicrogonsPerSeat),
		Tip:              store.NewBigInt(a.Tip),
	}
}

type wireSubmission struct {
	BlockNumber uint64 `json:"blockNumber"`
	Tick        uint64 `json:"tick"`
	Accepted    int    `json:"accepted"`
	Failure     string `json:"failure,omitempty"` // "interrupted" or "failed"
	Message     string `json:"message,omitempty"`
}

func (w wireSubmission) submission() (*chain.BidSubmission, error) {
	out := &chain.BidSubmission{
		BlockNumber: w.BlockNumber,
		Tick:        w.Tick,
		Accepted:    w.Accepted,
	}
	switch w.Failure {
	case "":
	case "interrupted":
		out.Err = fmt.Errorf("%w: %s", chain.ErrBatchInterrupted, w.Message)
	case "failed":
		out.Err = fmt.Errorf("%w: %s", chain.ErrBatchFailed, w.Message)
	default:
		return nil, fmt.Errorf("unknown submission failure kind %q", w.Failure)
	}
	return out, nil
}

func durationFromMillis(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
