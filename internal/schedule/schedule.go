// Package schedule turns a list of time-phased stages into the target
// arrival rate and service mix at any point of a run.
package schedule

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/dispatch"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

var (
	ErrEmpty            = errors.New("schedule: no stages")
	ErrNegativeDuration = errors.New("schedule: negative stage duration")
	ErrNegativeTarget   = errors.New("schedule: negative target rate")
	ErrNonFiniteTarget  = errors.New("schedule: target rate must be finite")
)

// Weights is the share of iterations each service receives within a stage.
type Weights map[probe.Kind]float64

// Stage is a contiguous window with a constant target rate. Weights may be
// nil, in which case the schedule's default weights apply.
type Stage struct {
	Duration time.Duration
	Target   float64
	Weights  Weights
}

// FromRates builds a stage from absolute per-service rates. When target is
// zero it becomes the sum of the rates; a larger target leaves idle mass.
func FromRates(d time.Duration, target float64, rates map[probe.Kind]float64) Stage {
	sum := 0.0
	for _, r := range rates {
		sum += r
	}
	if target == 0 {
		target = sum
	}
	w := make(Weights, len(rates))
	for k, r := range rates {
		if target > 0 {
			w[k] = r / target
		}
	}
	return Stage{Duration: d, Target: target, Weights: w}
}

// Ramp expands a linear change from one rate to another into steps short
// constant stages. The engine itself never interpolates.
func Ramp(from, to float64, over time.Duration, steps int, w Weights) []Stage {
	if steps < 1 {
		steps = 1
	}
	out := make([]Stage, 0, steps)
	step := over / time.Duration(steps)
	for i := 0; i < steps; i++ {
		d := step
		if i == steps-1 {
			d = over - step*time.Duration(steps-1)
		}
		rate := from + (to-from)*float64(i+1)/float64(steps)
		out = append(out, Stage{Duration: d, Target: rate, Weights: w})
	}
	return out
}

// Schedule is immutable once built.
type Schedule struct {
	stages []Stage
	ends   []time.Duration
	tables []*dispatch.Table[probe.Kind]
}

// New validates stages and resolves each stage's dispatch table. Stages
// without weights use defaults, except zero-target stages, which stay idle.
func New(stages []Stage, defaults Weights) (*Schedule, error) {
	if len(stages) == 0 {
		return nil, ErrEmpty
	}

	s := &Schedule{
		stages: make([]Stage, len(stages)),
		ends:   make([]time.Duration, len(stages)),
		tables: make([]*dispatch.Table[probe.Kind], len(stages)),
	}
	var end time.Duration
	for i, st := range stages {
		if st.Duration < 0 {
			return nil, fmt.Errorf("%w: stage %d (%s)", ErrNegativeDuration, i, st.Duration)
		}
		if math.IsNaN(st.Target) || math.IsInf(st.Target, 0) {
			return nil, fmt.Errorf("%w: stage %d (%g)", ErrNonFiniteTarget, i, st.Target)
		}
		if st.Target < 0 {
			return nil, fmt.Errorf("%w: stage %d (%g)", ErrNegativeTarget, i, st.Target)
		}
		w := st.Weights
		if len(w) == 0 && st.Target > 0 {
			w = defaults
		}
		table, err := dispatch.NewTable(w, probe.Compare)
		if err != nil {
			return nil, fmt.Errorf("schedule: stage %d: %w", i, err)
		}

		st.Weights = maps.Clone(w)
		end += st.Duration
		s.stages[i] = st
		s.ends[i] = end
		s.tables[i] = table
	}
	return s, nil
}

// StageAt returns the index and definition of the stage active at elapsed.
// Past the end the last stage stays active.
func (s *Schedule) StageAt(elapsed time.Duration) (int, Stage) {
	for i, end := range s.ends {
		if elapsed < end {
			return i, s.stages[i]
		}
	}
	last := len(s.stages) - 1
	return last, s.stages[last]
}

// RateAt returns the target arrival rate (iterations/s) at elapsed. Negative
// elapsed is treated as zero.
func (s *Schedule) RateAt(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	_, st := s.StageAt(elapsed)
	return st.Target
}

// Table returns the dispatch table for stage i.
func (s *Schedule) Table(i int) *dispatch.Table[probe.Kind] {
	return s.tables[i]
}

// Total is the sum of all stage durations.
func (s *Schedule) Total() time.Duration {
	return s.ends[len(s.ends)-1]
}

func (s *Schedule) Len() int {
	return len(s.stages)
}

// Stages returns a copy of the stage list.
func (s *Schedule) Stages() []Stage {
	out := make([]Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// Services lists every service that receives traffic in some stage.
func (s *Schedule) Services() []probe.Kind {
	seen := map[probe.Kind]bool{}
	for _, t := range s.tables {
		for k := range t.Weights() {
			seen[k] = true
		}
	}
	var out []probe.Kind
	for _, k := range probe.Kinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}
