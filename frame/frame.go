// Package frame implements the tick and frame arithmetic of the mining
// network. A tick is the chain's native clock unit, a fixed duration since
// genesis. A frame is a fixed span of ticks identified by an integer id, the
// unit of cohort rotation: the cohort activating at frame N is auctioned
// during frame N-1.
//
// Frames are never stored; they are always recomputed from the Config, which
// is resolved once from chain constants at startup and threaded explicitly
// through constructors.
package frame

import (
	"fmt"
	"time"
)

// Config holds the network constants that frame arithmetic depends on.
type Config struct {
	// TickDuration is the wall-clock length of one tick.
	TickDuration time.Duration

	// TicksPerFrame is the number of ticks in one frame.
	TicksPerFrame uint64

	// GenesisTick is the tick at chain genesis.
	GenesisTick uint64

	// BiddingStartTick is the tick at which frame 0 began, i.e. genesis plus
	// the slot-bidding activation delay.
	BiddingStartTick uint64
}

func (c Config) Validate() error {
	if c.TickDuration <= 0 {
		return fmt.Errorf("tick duration must be positive")
	}
	if c.TicksPerFrame == 0 {
		return fmt.Errorf("ticks per frame must be positive")
	}
	if c.BiddingStartTick < c.GenesisTick {
		return fmt.Errorf("bidding start tick %d before genesis tick %d", c.BiddingStartTick, c.GenesisTick)
	}
	return nil
}

// IDForTick returns the frame id containing the given tick. Ticks before the
// bidding start belong to frame 0.
func (c Config) IDForTick(tick uint64) uint64 {
	if tick <= c.BiddingStartTick {
		return 0
	}
	return (tick - c.BiddingStartTick) / c.TicksPerFrame
}

// TickRange returns the first and last tick of the given frame, inclusive.
func (c Config) TickRange(frameID uint64) (first, last uint64) {
	first = c.BiddingStartTick + frameID*c.TicksPerFrame
	last = first + c.TicksPerFrame - 1
	return first, last
}

// CurrentTick derives the tick for a wall-clock instant.
func (c Config) CurrentTick(now time.Time) uint64 {
	return uint64(now.UnixMilli() / c.TickDuration.Milliseconds())
}

// TickTime returns the wall-clock instant at which a tick began.
func (c Config) TickTime(tick uint64) time.Time {
	return time.UnixMilli(int64(tick) * c.TickDuration.Milliseconds()).UTC()
}

// Progress reports how far tick is through [first, last] as a percentage
// rounded to two decimal places, clamped to [0, 100].
func Progress(tick, first, last uint64) float64 {
	if tick == 0 || last <= first {
		return 0
	}
	if tick <= first {
		return 0
	}
	if tick >= last {
		return 100
	}
	p := float64(tick-first) / float64(last-first)
	return float64(int(p*10000+0.5)) / 100
}
