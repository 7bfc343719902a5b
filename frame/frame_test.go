package frame

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testConfig() Config {
	return Config{
		TickDuration:     time.Minute,
		TicksPerFrame:    1440,
		GenesisTick:      29_000_000,
		BiddingStartTick: 29_001_440,
	}
}

func TestIDForTick(t *testing.T) {
	c := testConfig()

	for _, tc := range []struct {
		tick uint64
		want uint64
	}{
		{c.BiddingStartTick, 0},
		{c.BiddingStartTick + 1, 0},
		{c.BiddingStartTick + c.TicksPerFrame - 1, 0},
		{c.BiddingStartTick + c.TicksPerFrame, 1},
		{c.BiddingStartTick + 10*c.TicksPerFrame + 7, 10},
		{c.GenesisTick, 0}, // pre-bidding ticks collapse to frame 0
	} {
		if have := c.IDForTick(tc.tick); have != tc.want {
			t.Errorf("IDForTick(%d): have %d, want %d", tc.tick, have, tc.want)
		}
	}
}

func TestTickRangeRoundTrip(t *testing.T) {
	c := testConfig()

	for _, frameID := range []uint64{0, 1, 17, 5000} {
		first, last := c.TickRange(frameID)

		if want := c.TicksPerFrame; last-first+1 != want {
			t.Errorf("frame %d: span %d, want %d", frameID, last-first+1, want)
		}
		if have := c.IDForTick(first + 1); have != frameID {
			t.Errorf("frame %d: first+1 maps to %d", frameID, have)
		}
		if have := c.IDForTick(last); have != frameID {
			t.Errorf("frame %d: last maps to %d", frameID, have)
		}
	}
}

func TestProgress(t *testing.T) {
	for _, tc := range []struct {
		name              string
		tick, first, last uint64
		want              float64
	}{
		{"zero tick", 0, 100, 200, 0},
		{"before range", 50, 100, 200, 0},
		{"at start", 100, 100, 200, 0},
		{"midway", 150, 100, 200, 50},
		{"at end", 200, 100, 200, 100},
		{"past end", 300, 100, 200, 100},
		{"rounding", 101, 100, 103, 33.33},
	} {
		t.Run(tc.name, func(t *testing.T) {
			have := Progress(tc.tick, tc.first, tc.last)
			if diff := cmp.Diff(have, tc.want); diff != "" {
				t.Fatalf("mismatch: %s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := testConfig()
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := good
	bad.TicksPerFrame = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero ticks per frame accepted")
	}

	bad = good
	bad.BiddingStartTick = good.GenesisTick - 1
	if err := bad.Validate(); err == nil {
		t.Fatal("bidding start before genesis accepted")
	}
}
