package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncState is the singleton durable cursor of the sync engine. The
// last-processed block number is monotonically non-decreasing; mutations that
// would re-apply a seen block are rejected as no-ops by the sync engine.
type SyncState struct {
	HasMiningBids            bool              `json:"hasMiningBids"`
	HasMiningSeats           bool              `json:"hasMiningSeats"`
	BidsLastModifiedAt       time.Time         `json:"bidsLastModifiedAt"`
	EarningsLastModifiedAt   time.Time         `json:"earningsLastModifiedAt"`
	LastBlockNumber          uint64            `json:"lastBlockNumber"`
	LastBlockHash            Bytes             `json:"lastBlockHash"`
	LastFinalizedBlockNumber uint64            `json:"lastFinalizedBlockNumber"`
	OldestFrameIDToSync      uint64            `json:"oldestFrameIdToSync"`
	CurrentFrameID           uint64            `json:"currentFrameId"`
	CurrentFrameProgress     float64           `json:"currentFrameProgress"`
	SyncProgress             float64           `json:"syncProgress"`
	QueueDepth               int               `json:"queueDepth"`
	MaxSeatsPossible         int               `json:"maxSeatsPossible"`
	MaxSeatsReductionReason  string            `json:"maxSeatsReductionReason"`
	LastBlockNumberByFrameID map[uint64]uint64 `json:"lastBlockNumberByFrameId"`
	LastModifiedAt           time.Time         `json:"lastModifiedAt"`
}

func (s *SyncState) SetLastModifiedAt(t time.Time) { s.LastModifiedAt = t }

// Earnings accumulates block-level mining outcomes for one frame. Block
// counters only ever grow; duplicate block application is guarded by
// LastBlockNumber.
type Earnings struct {
	FrameID                   uint64                     `json:"frameId"`
	FrameProgress             float64                    `json:"frameProgress"`
	FirstTick                 uint64                     `json:"firstTick"`
	LastTick                  uint64                     `json:"lastTick"`
	FirstBlockNumber          uint64                     `json:"firstBlockNumber"`
	LastBlockNumber           uint64                     `json:"lastBlockNumber"`
	MicrogonToUSD             []BigInt                   `json:"microgonToUsd"`
	MicrogonToBTC             []BigInt                   `json:"microgonToBtc"`
	MicrogonToMicronot        []BigInt                   `json:"microgonToMicronot"`
	AccruedMicrogonProfits    BigInt                     `json:"accruedMicrogonProfits"`
	ByCohortActivationFrameID map[uint64]*CohortEarnings `json:"byCohortActivationFrameId"`
	LastModifiedAt            time.Time                  `json:"lastModifiedAt"`
}

func (e *Earnings) SetLastModifiedAt(t time.Time) { e.LastModifiedAt = t }

type CohortEarnings struct {
	LastBlockMinedAt time.Time `json:"lastBlockMinedAt"`
	BlocksMined      int       `json:"blocksMined"`
	MicrogonsMined   BigInt    `json:"microgonsMined"`
	MicrogonsMinted  BigInt    `json:"microgonsMinted"`
	MicronotsMined   BigInt    `json:"micronotsMined"`
}

// Bids is the auction snapshot for one cohort's bidding window, keyed by the
// (bidding frame, activation frame) pair. WinningBids mirrors chain bid rank
// as of LastBlockNumber until a new-miners finalization event replaces it
// with the finalized seat set.
type Bids struct {
	BiddingFrameID             uint64       `json:"cohortBiddingFrameId"`
	ActivationFrameID          uint64       `json:"cohortActivationFrameId"`
	FrameBiddingProgress       float64      `json:"frameBiddingProgress"`
	LastBlockNumber            uint64       `json:"lastBlockNumber"`
	MicrogonsBidTotal          BigInt       `json:"microgonsBidTotal"`
	TransactionFees            BigInt       `json:"transactionFees"`
	MicronotsStakedPerSeat     BigInt       `json:"micronotsStakedPerSeat"`
	MicrogonsToBeMinedPerBlock BigInt       `json:"microgonsToBeMinedPerBlock"`
	SeatsWon                   int          `json:"seatsWon"`
	WinningBids                []WinningBid `json:"winningBids"`
	LastModifiedAt             time.Time    `json:"lastModifiedAt"`
}

func (b *Bids) SetLastModifiedAt(t time.Time) { b.LastModifiedAt = t }

type WinningBid struct {
	Address         string `json:"address"`
	SubaccountIndex *int   `json:"subAccountIndex,omitempty"`
	LastBidAtTick   uint64 `json:"lastBidAtTick,omitempty"`
	BidPosition     int    `json:"bidPosition"`
	MicrogonsBid    BigInt `json:"microgonsBid"`
}

// History is the append-only activity log for one cohort. Entries are never
// mutated or removed after append.
type History struct {
	Activities     []Activity `json:"activities"`
	LastModifiedAt time.Time  `json:"lastModifiedAt"`
}

func (h *History) SetLastModifiedAt(t time.Time) { h.LastModifiedAt = t }

//
//
//

type ActivityType string

const (
	ActivityStarting        ActivityType = "Starting"
	ActivityStartedSyncing  ActivityType = "StartedSyncing"
	ActivityFinishedSyncing ActivityType = "FinishedSyncing"
	ActivityReady           ActivityType = "Ready"
	ActivityError           ActivityType = "Error"
	ActivityShutdown        ActivityType = "Shutdown"
	ActivityBidsSubmitted   ActivityType = "BidsSubmitted"
	ActivityBidsRejected    ActivityType = "BidsRejected"
	ActivityBidReceived     ActivityType = "BidReceived"
	ActivitySeatReduction   ActivityType = "SeatReduction"
	ActivitySeatExpansion   ActivityType = "SeatExpansion"
)

// Activity is one typed ledger entry. ID is the entry's tick times 10000
// plus a per-tick sequence counter, so ids are unique and ordered within and
// across ticks.
type Activity struct {
	ID          uint64       `json:"id"`
	Tick        uint64       `json:"tick"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	FrameID     uint64       `json:"frameId"`
	Type        ActivityType `json:"type"`
	Data        ActivityData `json:"data"`
}

// ActivityData is the closed set of per-type payloads.
type ActivityData interface {
	isActivityData()
}

type LifecycleData struct{}

type ErrorData struct {
	Message string `json:"message"`
}

type BidsSubmittedData struct {
	SubmissionID     string `json:"submissionId"`
	MicrogonsPerSeat BigInt `json:"microgonsPerSeat"`
	TxFeePlusTip     BigInt `json:"txFeePlusTip"`
	SubmittedCount   int    `json:"submittedCount"`
}

type BidsRejectedData struct {
	SubmissionID     string `json:"submissionId"`
	MicrogonsPerSeat BigInt `json:"microgonsPerSeat"`
	SubmittedCount   int    `json:"submittedCount"`
	RejectedCount    int    `json:"rejectedCount"`
	Reason           string `json:"reason,omitempty"`
}

// BidReceivedData records one entrant's change in the ranked bid list. A nil
// BidPosition means the entrant dropped out.
type BidReceivedData struct {
	BidderAddress            string  `json:"bidderAddress"`
	MicrogonsPerSeat         BigInt  `json:"microgonsPerSeat"`
	BidPosition              *int    `json:"bidPosition"`
	PreviousMicrogonsPerSeat *BigInt `json:"previousMicrogonsPerSeat,omitempty"`
	PreviousBidPosition      *int    `json:"previousBidPosition,omitempty"`
}

type SeatChangeData struct {
	Reason             string `json:"reason"`
	MaxSeatsInPlay     int    `json:"maxSeatsInPlay"`
	PrevSeatsInPlay    int    `json:"prevSeatsInPlay"`
	AvailableMicrogons BigInt `json:"availableMicrogons"`
}

func (*LifecycleData) isActivityData()     {}
func (*ErrorData) isActivityData()         {}
func (*BidsSubmittedData) isActivityData() {}
func (*BidsRejectedData) isActivityData()  {}
func (*BidReceivedData) isActivityData()   {}
func (*SeatChangeData) isActivityData()    {}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var shadow struct {
		ID          uint64          `json:"id"`
		Tick        uint64          `json:"tick"`
		BlockNumber uint64          `json:"blockNumber"`
		FrameID     uint64          `json:"frameId"`
		Type        ActivityType    `json:"type"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}

	a.ID = shadow.ID
	a.Tick = shadow.Tick
	a.BlockNumber = shadow.BlockNumber
	a.FrameID = shadow.FrameID
	a.Type = shadow.Type

	decode := func(v ActivityData) error {
		if len(shadow.Data) == 0 {
			a.Data = v
			return nil
		}
		if err := json.Unmarshal(shadow.Data, v); err != nil {
			return fmt.Errorf("decode %s data: %w", shadow.Type, err)
		}
		a.Data = v
		return nil
	}

	switch shadow.Type {
	case ActivityStarting, ActivityStartedSyncing, ActivityFinishedSyncing, ActivityReady, ActivityShutdown:
		return decode(&LifecycleData{})
	case ActivityError:
		return decode(&ErrorData{})
	case ActivityBidsSubmitted:
		return decode(&BidsSubmittedData{})
	case ActivityBidsRejected:
		return decode(&BidsRejectedData{})
	case ActivityBidReceived:
		return decode(&BidReceivedData{})
	case ActivitySeatReduction, ActivitySeatExpansion:
		return decode(&SeatChangeData{})
	default:
		return fmt.Errorf("unknown activity type %q", shadow.Type)
	}
}
