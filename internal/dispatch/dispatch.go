// Package dispatch picks one key per iteration from a weighted set so that,
// over many iterations, each key is chosen in proportion to its share.
package dispatch

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
)

// tolerance absorbs float error when shares are derived from rates.
const tolerance = 1e-9

var (
	ErrShareRange = errors.New("dispatch: share must be in (0,1]")
	ErrShareSum   = errors.New("dispatch: shares sum to more than 1")
)

type interval[K comparable] struct {
	key   K
	share float64
	upper float64
}

// Table is a cumulative partition of [0,1). Mass not assigned to any key
// is idle.
type Table[K comparable] struct {
	parts []interval[K]
	total float64
}

// NewTable builds the partition with keys sorted by cmp so that the same
// weight vector always yields the same intervals. Zero shares are dropped.
func NewTable[K comparable](weights map[K]float64, cmp func(a, b K) int) (*Table[K], error) {
	keys := make([]K, 0, len(weights))
	for k, w := range weights {
		if w == 0 {
			continue
		}
		if math.IsNaN(w) || w < 0 || w > 1+tolerance {
			return nil, fmt.Errorf("%w: %v=%g", ErrShareRange, k, w)
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp)

	t := &Table[K]{parts: make([]interval[K], 0, len(keys))}
	for _, k := range keys {
		t.total += weights[k]
		t.parts = append(t.parts, interval[K]{key: k, share: weights[k], upper: t.total})
	}
	if t.total > 1+tolerance {
		return nil, fmt.Errorf("%w: %g", ErrShareSum, t.total)
	}
	return t, nil
}

// Normalize scales weights so they sum to 1. All-zero input gives every key
// an equal share.
func Normalize[K comparable](weights map[K]float64) map[K]float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	out := make(map[K]float64, len(weights))
	for k, w := range weights {
		if sum == 0 {
			out[k] = 1 / float64(len(weights))
		} else {
			out[k] = w / sum
		}
	}
	return out
}

// Pick draws one uniform value from rng and returns the key whose interval
// contains it. ok is false when the draw landed in idle mass.
func (t *Table[K]) Pick(rng *rand.Rand) (key K, ok bool) {
	return t.Locate(rng.Float64())
}

// Locate returns the key owning u, for u in [0,1).
func (t *Table[K]) Locate(u float64) (key K, ok bool) {
	for _, p := range t.parts {
		if u < p.upper {
			return p.key, true
		}
	}
	return key, false
}

// Weights returns the configured share per key.
func (t *Table[K]) Weights() map[K]float64 {
	out := make(map[K]float64, len(t.parts))
	for _, p := range t.parts {
		out[p.key] = p.share
	}
	return out
}

// Idle is the probability that a draw selects nothing.
func (t *Table[K]) Idle() float64 {
	if t.total >= 1 {
		return 0
	}
	return 1 - t.total
}
