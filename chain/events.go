package chain

import "math/big"

// MiningSlotModule is the pallet that owns seat auctions. Dispatch errors
// from this module mark an extrinsic as mining-related for fee attribution.
const MiningSlotModule = "miningSlot"

// Event is a typed block event. The set is closed: every variant this service
// reacts to is defined here, and consumers switch exhaustively on the
// concrete types.
type Event interface {
	event()
}

// NewMinersEvent finalizes a cohort's seat set: the auction for the given
// activation frame is over and Miners is the complete winning set, ranked.
type NewMinersEvent struct {
	FrameID   uint64
	Miners    []CohortBid
	Finalized bool // true when emitted in the block's finalization phase
}

// SlotBidderAddedEvent records a bid accepted into the next cohort's auction
// by the extrinsic at ExtrinsicIndex.
type SlotBidderAddedEvent struct {
	ExtrinsicIndex int
	Address        string
	MicrogonsBid   *big.Int
}

// TransactionFeePaidEvent records the fee charged to Payer by the extrinsic
// at ExtrinsicIndex.
type TransactionFeePaidEvent struct {
	ExtrinsicIndex int
	Payer          string
	Fee            *big.Int
}

// ExtrinsicFailedEvent records a dispatch error, attributed to the pallet
// module that raised it.
type ExtrinsicFailedEvent struct {
	ExtrinsicIndex int
	Module         string
}

// BatchInterruptedEvent records a partial batch failure: items before Index
// were applied, the item at Index failed with an error from Module.
type BatchInterruptedEvent struct {
	ExtrinsicIndex int
	Index          int
	Module         string
}

// RewardEvent records microgons/micronots credited to Recipient for mining
// or minting in this block.
type RewardEvent struct {
	Recipient string
	Microgons *big.Int
	Micronots *big.Int
	Minted    bool // minted rather than mined
}

func (NewMinersEvent) event()           {}
func (SlotBidderAddedEvent) event()     {}
func (TransactionFeePaidEvent) event()  {}
func (ExtrinsicFailedEvent) event()     {}
func (BatchInterruptedEvent) event()    {}
func (RewardEvent) event()              {}
