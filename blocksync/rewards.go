package blocksync

import (
	"math/big"

	"minebot/chain"
)

// rewardDelta is one block's mining outcome for one cohort.
type rewardDelta struct {
	blocksMined     int
	microgonsMined  *big.Int
	microgonsMinted *big.Int
	micronotsMined  *big.Int
}

func newRewardDelta() *rewardDelta {
	return &rewardDelta{
		microgonsMined:  new(big.Int),
		microgonsMinted: new(big.Int),
		micronotsMined:  new(big.Int),
	}
}

// rewardTracker attributes block rewards to the cohort that earned them. It
// learns which cohort an address mines for from new-miners finalization
// events; rewards to an address seen before that mapping is known fall back
// to the block's own frame.
type rewardTracker struct {
	owns     func(string) bool
	cohortOf map[string]uint64
}

func newRewardTracker(owns func(string) bool) *rewardTracker {
	return &rewardTracker{
		owns:     owns,
		cohortOf: map[string]uint64{},
	}
}

// observeMiners records the cohort membership finalized for a frame.
func (t *rewardTracker) observeMiners(activationFrameID uint64, miners []chain.CohortBid) {
	for _, m := range miners {
		if t.owns(m.Address) {
			t.cohortOf[m.Address] = activationFrameID
		}
	}
}

// deltas folds a block's reward events and author into per-cohort outcome
// deltas for addresses this operator controls.
func (t *rewardTracker) deltas(events []chain.Event, author string, blockFrameID uint64) map[uint64]*rewardDelta {
	out := map[uint64]*rewardDelta{}

	get := func(addr string) *rewardDelta {
		cohort, ok := t.cohortOf[addr]
		if !ok {
			cohort = blockFrameID
		}
		d, ok := out[cohort]
		if !ok {
			d = newRewardDelta()
			out[cohort] = d
		}
		return d
	}

	if t.owns(author) {
		get(author).blocksMined++
	}

	for _, ev := range events {
		reward, ok := ev.(chain.RewardEvent)
		if !ok || !t.owns(reward.Recipient) {
			continue
		}
		d := get(reward.Recipient)
		if reward.Microgons != nil {
			if reward.Minted {
				d.microgonsMinted.Add(d.microgonsMinted, reward.Microgons)
			} else {
				d.microgonsMined.Add(d.microgonsMined, reward.Microgons)
			}
		}
		if reward.Micronots != nil {
			d.micronotsMined.Add(d.micronotsMined, reward.Micronots)
		}
	}
	return out
}
