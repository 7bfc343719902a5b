package store

import (
	"fmt"
	"os"
	"path/filepath"

	"minebot/frame"
)

// Storage lays the bot's documents out under a base directory.
//
//	<base>/sync-state.json
//	<base>/bids/frame-<activationFrameId>.json
//	<base>/earnings/frame-<frameId>.json
//	<base>/history/frame-<activationFrameId>.json
//
// One handle exists per path at a time, so mutations on the same document
// are serialized.
type Storage struct {
	base   string
	frames frame.Config

	syncState *Doc[SyncState]
	bids      *handleCache[*Doc[Bids]]
	earnings  *handleCache[*Doc[Earnings]]
	history   *handleCache[*Doc[History]]
}

func NewStorage(base string, frames frame.Config) (*Storage, error) {
	for _, dir := range []string{base, filepath.Join(base, "bids"), filepath.Join(base, "earnings"), filepath.Join(base, "history")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Storage{
		base:      base,
		frames:    frames,
		syncState: NewDoc(filepath.Join(base, "sync-state.json"), "sync_state", func() SyncState { return defaultSyncState() }),
		bids:      newHandleCache[*Doc[Bids]](64),
		earnings:  newHandleCache[*Doc[Earnings]](64),
		history:   newHandleCache[*Doc[History]](64),
	}, nil
}

func (s *Storage) Base() string { return s.base }

func (s *Storage) Frames() frame.Config { return s.frames }

// Close releases the cached document handles. Document mutations persist
// synchronously, so there is nothing left to flush.
func (s *Storage) Close() {
	s.bids.purge()
	s.earnings.purge()
	s.history.purge()
}

func (s *Storage) SyncState() *Doc[SyncState] { return s.syncState }

// Bids returns the auction snapshot document for the cohort that activates
// at the given frame. Its bidding window is the frame before.
func (s *Storage) Bids(activationFrameID uint64) *Doc[Bids] {
	path := filepath.Join(s.base, "bids", fmt.Sprintf("frame-%d.json", activationFrameID))
	return s.bids.get(path, func() *Doc[Bids] {
		return NewDoc(path, "bids", func() Bids { return defaultBids(activationFrameID) })
	})
}

func (s *Storage) Earnings(frameID uint64) *Doc[Earnings] {
	path := filepath.Join(s.base, "earnings", fmt.Sprintf("frame-%d.json", frameID))
	return s.earnings.get(path, func() *Doc[Earnings] {
		return NewDoc(path, "earnings", func() Earnings { return s.defaultEarnings(frameID) })
	})
}

func (s *Storage) History(activationFrameID uint64) *Doc[History] {
	path := filepath.Join(s.base, "history", fmt.Sprintf("frame-%d.json", activationFrameID))
	return s.history.get(path, func() *Doc[History] {
		return NewDoc(path, "history", func() History { return History{} })
	})
}

func defaultSyncState() SyncState {
	return SyncState{
		LastBlockNumberByFrameID: map[uint64]uint64{},
	}
}

func defaultBids(activationFrameID uint64) Bids {
	biddingFrameID := uint64(0)
	if activationFrameID > 0 {
		biddingFrameID = activationFrameID - 1
	}
	return Bids{
		BiddingFrameID:    biddingFrameID,
		ActivationFrameID: activationFrameID,
		WinningBids:       []WinningBid{},
	}
}

func (s *Storage) defaultEarnings(frameID uint64) Earnings {
	first, last := s.frames.TickRange(frameID)
	return Earnings{
		FrameID:                   frameID,
		FirstTick:                 first,
		LastTick:                  last,
		ByCohortActivationFrameID: map[uint64]*CohortEarnings{},
	}
}
