package dispatch

import (
	"cmp"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickMatchesShares(t *testing.T) {
	weights := map[string]float64{"registry": 0.1, "artifact": 0.1, "secrets": 0.4, "identity": 0.4}
	table, err := NewTable(weights, cmp.Compare[string])
	require.NoError(t, err)

	const draws = 100_000
	rng := rand.New(rand.NewSource(42))
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		k, ok := table.Pick(rng)
		require.True(t, ok)
		counts[k]++
	}

	for k, w := range weights {
		got := float64(counts[k]) / draws
		assert.InDelta(t, w, got, 0.01, "share of %s", k)
	}
}

func TestIdleMass(t *testing.T) {
	table, err := NewTable(map[string]float64{"a": 0.25, "b": 0.25}, cmp.Compare[string])
	require.NoError(t, err)
	assert.InDelta(t, 0.5, table.Idle(), 1e-12)

	const draws = 50_000
	rng := rand.New(rand.NewSource(7))
	idle := 0
	for i := 0; i < draws; i++ {
		if _, ok := table.Pick(rng); !ok {
			idle++
		}
	}
	assert.InDelta(t, 0.5, float64(idle)/draws, 0.01)
}

func TestLocateIsDeterministic(t *testing.T) {
	weights := map[string]float64{"b": 0.5, "a": 0.3, "c": 0.2}
	t1, err := NewTable(weights, cmp.Compare[string])
	require.NoError(t, err)
	t2, err := NewTable(weights, cmp.Compare[string])
	require.NoError(t, err)

	// sorted keys: a [0,0.3) b [0.3,0.8) c [0.8,1)
	cases := map[float64]string{0: "a", 0.29: "a", 0.3: "b", 0.79: "b", 0.8: "c", 0.999: "c"}
	for u, want := range cases {
		k1, ok1 := t1.Locate(u)
		k2, ok2 := t2.Locate(u)
		assert.True(t, ok1)
		assert.True(t, ok2)
		assert.Equal(t, want, k1, "u=%g", u)
		assert.Equal(t, k1, k2)
	}
}

func TestSameSeedSameSequence(t *testing.T) {
	table, err := NewTable(map[int]float64{1: 0.2, 2: 0.3, 3: 0.5}, cmp.Compare[int])
	require.NoError(t, err)

	a := rand.New(rand.NewSource(99))
	b := rand.New(rand.NewSource(99))
	for i := 0; i < 1000; i++ {
		ka, _ := table.Pick(a)
		kb, _ := table.Pick(b)
		require.Equal(t, ka, kb)
	}
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(map[string]float64{"a": -0.1}, cmp.Compare[string])
	assert.ErrorIs(t, err, ErrShareRange)

	_, err = NewTable(map[string]float64{"a": 1.5}, cmp.Compare[string])
	assert.ErrorIs(t, err, ErrShareRange)

	_, err = NewTable(map[string]float64{"a": 0.6, "b": 0.6}, cmp.Compare[string])
	assert.ErrorIs(t, err, ErrShareSum)

	_, err = NewTable(map[string]float64{"a": math.NaN()}, cmp.Compare[string])
	assert.ErrorIs(t, err, ErrShareRange)

	_, err = NewTable(map[string]float64{"a": math.Inf(1)}, cmp.Compare[string])
	assert.ErrorIs(t, err, ErrShareRange)

	table, err := NewTable(map[string]float64{"a": 0, "b": 1}, cmp.Compare[string])
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"b": 1}, table.Weights())

	// rate-derived shares may overshoot by float error
	third := 1.0 / 3
	_, err = NewTable(map[string]float64{"a": third, "b": third, "c": third}, cmp.Compare[string])
	assert.NoError(t, err)
}

func TestEmptyTableAlwaysIdle(t *testing.T) {
	table, err := NewTable(map[string]float64{}, cmp.Compare[string])
	require.NoError(t, err)
	_, ok := table.Locate(0)
	assert.False(t, ok)
	assert.Equal(t, 1.0, table.Idle())
}

func TestNormalize(t *testing.T) {
	out := Normalize(map[string]float64{"a": 25, "b": 75})
	assert.InDelta(t, 0.25, out["a"], 1e-12)
	assert.InDelta(t, 0.75, out["b"], 1e-12)

	eq := Normalize(map[string]float64{"a": 0, "b": 0})
	assert.Equal(t, 0.5, eq["a"])

	sum := 0.0
	for _, v := range Normalize(map[string]float64{"x": 3, "y": 7, "z": 11}) {
		sum += v
	}
	assert.True(t, math.Abs(sum-1) < 1e-12)
}
