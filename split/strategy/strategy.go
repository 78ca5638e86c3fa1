// Package strategy implements the six split-instruction strategies
// (spec §4.D): MIN_ID, MAX_ID, ROUND_ROBIN, RANDOM_UNIFORM,
// WEIGHTED_RANDOM, BATCHED_WEIGHTED_RANDOM.
package strategy

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/instruction"
	"github.com/cvsouth/splitcore/split/splitkind"
)

// Name identifies one of the six strategies, parsed from the
// SplitStrategy configuration option.
type Name int

const (
	MinID Name = iota
	MaxID
	RoundRobin
	RandomUniform
	WeightedRandom
	BatchedWeightedRandom
)

func (n Name) String() string {
	switch n {
	case MinID:
		return "MIN_ID"
	case MaxID:
		return "MAX_ID"
	case RoundRobin:
		return "ROUND_ROBIN"
	case RandomUniform:
		return "RANDOM_UNIFORM"
	case WeightedRandom:
		return "WEIGHTED_RANDOM"
	case BatchedWeightedRandom:
		return "BATCHED_WEIGHTED_RANDOM"
	default:
		return "UNKNOWN"
	}
}

// ParseName maps a SplitStrategy configuration string to a Name.
func ParseName(s string) (Name, error) {
	switch s {
	case "MIN_ID":
		return MinID, nil
	case "MAX_ID":
		return MaxID, nil
	case "ROUND_ROBIN":
		return RoundRobin, nil
	case "RANDOM_UNIFORM":
		return RandomUniform, nil
	case "WEIGHTED_RANDOM":
		return WeightedRandom, nil
	case "BATCHED_WEIGHTED_RANDOM":
		return BatchedWeightedRandom, nil
	default:
		return 0, fmt.Errorf("%w: unknown split strategy %q", splitkind.ErrProtocol, s)
	}
}

// Membership reports the ADDED sub-circuit IDs available to a strategy,
// decoupling this package from split/subcirc to avoid an import cycle.
// MaxIndex is -1 if no sub-circuit is currently ADDED.
type Membership interface {
	MaxIndex() int
	ContainsID(id split.SubcircID) bool
}

// State carries the WR/BWR "same weights for one page load" contract
// (spec §4.D, §9 "Deferred strategy state"). UsePrev selects whether a
// fresh Dirichlet draw is taken (false) or Prev is reused (true); Prev
// is always written back with the θ actually used, so the caller can
// persist it across instruction regenerations within one page load.
type State struct {
	UsePrev bool
	Prev    [split.MaxSubcircs]float64
}

// Next produces one full-payload instruction (spec §4.D: "All strategies
// target the current set of ADDED sub-circuits ... they never emit an ID
// not present in SCL"). state may be nil for strategies that carry no
// state (all but WR/BWR).
func Next(name Name, m Membership, payloadCap int, state *State) ([]split.SubcircID, error) {
	if m.MaxIndex() < 0 {
		return nil, fmt.Errorf("%w: no ADDED sub-circuits", splitkind.ErrProtocol)
	}
	maxID := split.SubcircID(m.MaxIndex())
	num := instruction.MaxCount(widthFor(maxID), payloadCap)
	if num <= 0 {
		return nil, fmt.Errorf("%w: payload too small for any id", splitkind.ErrCapacityExceeded)
	}

	switch name {
	case MinID:
		return fill(num, 0), nil
	case MaxID:
		return fill(num, maxID), nil
	case RoundRobin:
		return roundRobin(m, maxID, num), nil
	case RandomUniform:
		return randomUniform(m, maxID, num)
	case WeightedRandom:
		return weightedRandom(m, maxID, num, state)
	case BatchedWeightedRandom:
		return batchedWeightedRandom(m, maxID, num, state)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %v", splitkind.ErrProtocol, name)
	}
}

func widthFor(maxID split.SubcircID) uint8 {
	if maxID == 0 {
		return 1
	}
	var w uint8
	for maxID != 0 {
		maxID >>= 1
		w++
	}
	return w
}

func fill(num int, id split.SubcircID) []split.SubcircID {
	out := make([]split.SubcircID, num)
	for i := range out {
		out[i] = id
	}
	return out
}

func roundRobin(m Membership, maxID split.SubcircID, num int) []split.SubcircID {
	out := make([]split.SubcircID, num)
	current := split.SubcircID(0)
	for pos := 0; pos < num; pos++ {
		out[pos] = current
		for {
			current = (current + 1) % (maxID + 1)
			if m.ContainsID(current) {
				break
			}
		}
	}
	return out
}

func cryptoUint(boundExclusive int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(boundExclusive))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return n.Int64(), nil
}

func randomUniform(m Membership, maxID split.SubcircID, num int) ([]split.SubcircID, error) {
	out := make([]split.SubcircID, num)
	for pos := 0; pos < num; pos++ {
		var current split.SubcircID
		for {
			r, err := cryptoUint(int64(maxID) + 1)
			if err != nil {
				return nil, err
			}
			current = split.SubcircID(r)
			if m.ContainsID(current) {
				break
			}
		}
		out[pos] = current
	}
	return out, nil
}

// buildWeightedPaths draws (or reuses) a Dirichlet(1,...,1) vector theta
// over the number_of_paths = maxID+1 ADDED ids and turns it into a
// 100-bucket lookup table mapping a uniform draw in [0,100) to an id.
//
// Open Question resolution (spec §9 "WR bucket rounding"): the source
// rounds 100*theta[j] to nearest per bucket and can overshoot the fixed
// 100-slot array when the roundings sum past 100. This implementation
// renormalizes the rounded per-id bucket counts so they sum to exactly
// 100 before building the table, instead of reproducing the overshoot.
func buildWeightedPaths(maxID split.SubcircID, state *State) ([100]split.SubcircID, error) {
	numberOfPaths := int(maxID) + 1

	var theta []float64
	if state != nil && state.UsePrev {
		theta = make([]float64, numberOfPaths)
		copy(theta, state.Prev[:numberOfPaths])
	} else {
		alpha := make([]float64, numberOfPaths)
		for i := range alpha {
			alpha[i] = 1
		}
		theta = Dirichlet(alpha)
		if state != nil {
			copy(state.Prev[:numberOfPaths], theta)
			state.UsePrev = true
		}
	}

	counts := make([]int, numberOfPaths)
	total := 0
	for j, t := range theta {
		counts[j] = int(math.Round(100 * t))
		total += counts[j]
	}
	// Renormalize so the bucket counts sum to exactly 100, fixing the
	// rounding overshoot/undershoot the original left unhandled.
	for total != 100 {
		if total > 100 {
			// Shrink the largest bucket first.
			idx := argmax(counts)
			if counts[idx] == 0 {
				break
			}
			counts[idx]--
			total--
		} else {
			idx := argmax(counts)
			counts[idx]++
			total++
		}
	}

	var paths [100]split.SubcircID
	pos := 0
	for j, c := range counts {
		for g := 0; g < c && pos < 100; g++ {
			paths[pos] = split.SubcircID(j)
			pos++
		}
	}
	// Any leftover slack (only possible if every count hit zero, which
	// cannot happen once total==100 with numberOfPaths>=1) falls back to
	// the last id.
	for ; pos < 100; pos++ {
		paths[pos] = split.SubcircID(numberOfPaths - 1)
	}
	return paths, nil
}

func argmax(v []int) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func weightedRandom(m Membership, maxID split.SubcircID, num int, state *State) ([]split.SubcircID, error) {
	paths, err := buildWeightedPaths(maxID, state)
	if err != nil {
		return nil, err
	}
	out := make([]split.SubcircID, num)
	for pos := 0; pos < num; pos++ {
		var current split.SubcircID
		for {
			r, err := cryptoUint(100)
			if err != nil {
				return nil, err
			}
			current = paths[r]
			if m.ContainsID(current) {
				break
			}
		}
		out[pos] = current
	}
	return out, nil
}

func batchedWeightedRandom(m Membership, maxID split.SubcircID, num int, state *State) ([]split.SubcircID, error) {
	paths, err := buildWeightedPaths(maxID, state)
	if err != nil {
		return nil, err
	}

	draw := func() (split.SubcircID, error) {
		for {
			r, err := cryptoUint(100)
			if err != nil {
				return 0, err
			}
			id := paths[r]
			if m.ContainsID(id) {
				return id, nil
			}
		}
	}

	current, err := draw()
	if err != nil {
		return nil, err
	}
	batchSizeRemaining, err := cryptoUint(int64(split.CMax - split.CMin))
	if err != nil {
		return nil, err
	}
	batchSizeRemaining += split.CMin

	out := make([]split.SubcircID, num)
	for pos := 0; pos < num; pos++ {
		if batchSizeRemaining <= 0 {
			current, err = draw()
			if err != nil {
				return nil, err
			}
			batchSizeRemaining, err = cryptoUint(int64(split.CMax - split.CMin))
			if err != nil {
				return nil, err
			}
			batchSizeRemaining += split.CMin
		}
		out[pos] = current
		batchSizeRemaining--
	}
	return out, nil
}
