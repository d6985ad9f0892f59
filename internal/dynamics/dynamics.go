// Package dynamics computes edge weight decay and reinforcement.
//
// Weights are evaluated lazily: an edge stores the weight it had at its
// reference time (last traversal, or creation if never traversed) and the
// effective weight at any later instant is derived from it here. Nothing in
// this package keeps state or runs on a timer.
//
//	w' = w * rate^(elapsed / halfLife)
//
// Pinned edges never decay. A boost adds a fixed increment, capped at 1.
package dynamics

import (
	"math"
	"time"
)

// Params holds the tunables shared by every decay and boost evaluation.
type Params struct {
	DecayRate      float64       // fraction kept after one half-life, e.g. 0.5
	HalfLife       time.Duration // time for one application of DecayRate
	PruneFloor     float64       // below this an edge is eligible for deletion
	BoostIncrement float64       // added on each traversal
}

// DefaultParams returns a 30-day half-life, 0.05 floor and 0.1 boost.
func DefaultParams() Params {
	return Params{
		DecayRate:      0.5,
		HalfLife:       30 * 24 * time.Hour,
		PruneFloor:     0.05,
		BoostIncrement: 0.1,
	}
}

// Clamp bounds a weight to [0, 1]. NaN maps to 0.
func Clamp(w float64) float64 {
	switch {
	case math.IsNaN(w), w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}

// Decay returns the weight at now for an edge whose stored weight was set at
// ref, and whether the result is below the prune floor. Pinned edges are
// returned unchanged and are never prunable.
func (p Params) Decay(weight float64, ref, now time.Time, pinned bool) (float64, bool) {
	weight = Clamp(weight)
	if pinned {
		return weight, false
	}

	elapsed := now.Sub(ref)
	if elapsed > 0 && p.HalfLife > 0 && p.DecayRate > 0 && p.DecayRate < 1 {
		weight = Clamp(weight * math.Pow(p.DecayRate, float64(elapsed)/float64(p.HalfLife)))
	}
	return weight, weight < p.PruneFloor
}

// Boost applies one traversal reinforcement.
func (p Params) Boost(weight float64) float64 {
	return Clamp(math.Min(Clamp(weight)+p.BoostIncrement, 1.0))
}

// Prunable reports whether a weight has fallen below the floor.
func (p Params) Prunable(weight float64) bool {
	return weight < p.PruneFloor
}
