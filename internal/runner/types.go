package runner

import (
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

type Config struct {
	// Worker pool size. Each worker runs one iteration at a time; arrivals
	// that find every worker busy are dropped.
	VUs int

	// Per-invocation cap on top of each probe's own request timeouts.
	Timeout time.Duration

	// How long in-flight iterations may finish after the schedule ends.
	// An abort never waits.
	GracefulStop time.Duration

	// Seed for the per-worker dispatch RNGs. Zero picks one from the clock.
	Seed int64

	// P95 latency limits reported in the summary.
	Thresholds map[probe.Kind]time.Duration

	PaceInterval   time.Duration
	UpdateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.VUs <= 0 {
		c.VUs = 1
	}
	if c.PaceInterval <= 0 {
		c.PaceInterval = 100 * time.Millisecond
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 200 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// StatsSnapshot is sent over the channel
type StatsSnapshot struct {
	Elapsed    time.Duration
	Duration   time.Duration
	Stage      int
	TargetRate float64

	Overall  stats.Counters
	Services map[probe.Kind]stats.Counters
	Inflight int64
	Idle     uint64
	Skipped  uint64
	Dropped  uint64

	Budget  budget.Snapshot
	Aborted bool
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot

// Outcome is everything a finished run leaves behind.
type Outcome struct {
	ID       string
	Started  time.Time
	Finished time.Time

	// Aborted is set when the global error budget tripped. Interrupted is
	// set when the caller cancelled the run.
	Aborted     bool
	Interrupted bool
	Reason      string

	// Arrivals that drew idle mass, drew an aborted service, or found no
	// free worker.
	Idle    uint64
	Skipped uint64
	Dropped uint64

	Summary summary.Summary
	Results []probe.Result
}
