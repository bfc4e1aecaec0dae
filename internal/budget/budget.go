// Package budget tracks failure rates per service and across the run, and
// decides when a scope is degraded or must be aborted.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

// State is the health of one scope. Transitions only move forward.
type State int

const (
	Healthy State = iota
	Degraded
	Aborted
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "degraded":
		*s = Degraded
	case "aborted":
		*s = Aborted
	default:
		return fmt.Errorf("budget: unknown state %q", b)
	}
	return nil
}

// Scope decides which trackers are allowed to abort.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeService Scope = "service"
	ScopeBoth    Scope = "both"
)

var ErrInvalidConfig = errors.New("budget: invalid config")

type Config struct {
	Warn  float64       `mapstructure:"warn"`
	Abort float64       `mapstructure:"abort"`
	Grace time.Duration `mapstructure:"grace"`

	// Window is the number of most recent results the rate is computed
	// over. Zero means every result since the start of the run.
	Window     int `mapstructure:"window"`
	MinSamples int `mapstructure:"min_samples"`

	// Inclusive treats a rate equal to a threshold as a breach.
	Inclusive bool  `mapstructure:"inclusive"`
	Scope     Scope `mapstructure:"scope"`
}

func DefaultConfig() Config {
	return Config{
		Warn:       0.1,
		Abort:      0.5,
		Grace:      10 * time.Second,
		MinSamples: 10,
		Inclusive:  true,
		Scope:      ScopeGlobal,
	}
}

func (c Config) Validate() error {
	switch {
	case !inUnit(c.Warn):
		return fmt.Errorf("%w: warn %g outside [0,1]", ErrInvalidConfig, c.Warn)
	case !inUnit(c.Abort):
		return fmt.Errorf("%w: abort %g outside [0,1]", ErrInvalidConfig, c.Abort)
	case c.Warn > c.Abort:
		return fmt.Errorf("%w: warn %g above abort %g", ErrInvalidConfig, c.Warn, c.Abort)
	case c.Grace < 0:
		return fmt.Errorf("%w: negative grace", ErrInvalidConfig)
	case c.Window < 0 || c.MinSamples < 0:
		return fmt.Errorf("%w: negative window or min_samples", ErrInvalidConfig)
	}
	switch c.Scope {
	case ScopeGlobal, ScopeService, ScopeBoth:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidConfig, c.Scope)
	}
	return nil
}

// inUnit reports whether x is a finite value in [0,1]. NaN fails every
// comparison, so it is checked explicitly.
func inUnit(x float64) bool {
	return !math.IsNaN(x) && x >= 0 && x <= 1
}

func (c Config) breaches(rate, threshold float64) bool {
	if c.Inclusive {
		return rate >= threshold
	}
	return rate > threshold
}

// ScopeState is the error budget of one scope at a point in time.
type ScopeState struct {
	Scope       string    `json:"scope"`
	Total       int64     `json:"total"`
	Failures    int64     `json:"failures"`
	Rate        float64   `json:"rolling_failure_rate"`
	State       State     `json:"state"`
	BreachSince time.Time `json:"breach_since,omitzero"`
	AbortedAt   time.Time `json:"aborted_at,omitzero"`
}

// Transition reports a state change of one scope. Service is only
// meaningful when Global is false.
type Transition struct {
	Scope   string
	Global  bool
	Service probe.Kind
	From    State
	To      State
	Rate    float64
	At      time.Time
}

// Snapshot is the state of every scope.
type Snapshot struct {
	Config   Config                    `json:"-"`
	Global   ScopeState                `json:"global"`
	Services map[probe.Kind]ScopeState `json:"services"`
}

// tracker is the rolling counter and state machine for one scope.
type tracker struct {
	mu       sync.Mutex
	name     string
	canAbort bool

	total    int64
	failures int64

	ring   []bool
	next   int
	filled int
	inRing int

	state       State
	breachSince time.Time
	abortedAt   time.Time
}

func newTracker(name string, window int, canAbort bool) *tracker {
	t := &tracker{name: name, canAbort: canAbort}
	if window > 0 {
		t.ring = make([]bool, window)
	}
	return t
}

// rate returns the failure rate and the sample count it is based on.
func (t *tracker) rate() (float64, int64) {
	if t.ring != nil {
		if t.filled == 0 {
			return 0, 0
		}
		return float64(t.inRing) / float64(t.filled), int64(t.filled)
	}
	if t.total == 0 {
		return 0, 0
	}
	return float64(t.failures) / float64(t.total), t.total
}

func (t *tracker) push(failed bool) {
	t.total++
	if failed {
		t.failures++
	}
	if t.ring == nil {
		return
	}
	if t.filled == len(t.ring) {
		if t.ring[t.next] {
			t.inRing--
		}
	} else {
		t.filled++
	}
	t.ring[t.next] = failed
	if failed {
		t.inRing++
	}
	t.next = (t.next + 1) % len(t.ring)
}

func (t *tracker) observe(cfg Config, failed bool, at time.Time) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.push(failed)
	if t.state == Aborted {
		return Transition{}, false
	}
	rate, n := t.rate()
	if n < int64(cfg.MinSamples) {
		return Transition{}, false
	}

	from := t.state
	if t.state == Healthy && cfg.breaches(rate, cfg.Warn) {
		t.state = Degraded
	}
	if cfg.breaches(rate, cfg.Abort) {
		if t.canAbort {
			if t.breachSince.IsZero() {
				t.breachSince = at
			}
			if at.Sub(t.breachSince) >= cfg.Grace {
				t.state = Aborted
				t.abortedAt = at
			}
		}
	} else {
		t.breachSince = time.Time{}
	}

	if t.state == from {
		return Transition{}, false
	}
	return Transition{Scope: t.name, From: from, To: t.state, Rate: rate, At: at}, true
}

func (t *tracker) snapshot() ScopeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rate, _ := t.rate()
	return ScopeState{
		Scope:       t.name,
		Total:       t.total,
		Failures:    t.failures,
		Rate:        rate,
		State:       t.state,
		BreachSince: t.breachSince,
		AbortedAt:   t.abortedAt,
	}
}

func (t *tracker) current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Monitor owns one tracker per service plus a global one. It is safe for
// concurrent use; each scope has its own lock.
type Monitor struct {
	cfg      Config
	global   *tracker
	services map[probe.Kind]*tracker
}

func New(cfg Config) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		global:   newTracker(string(ScopeGlobal), cfg.Window, cfg.Scope != ScopeService),
		services: make(map[probe.Kind]*tracker, len(probe.Kinds)),
	}
	for _, k := range probe.Kinds {
		m.services[k] = newTracker(k.String(), cfg.Window, cfg.Scope != ScopeGlobal)
	}
	return m
}

func (m *Monitor) Config() Config {
	return m.cfg
}

// Observe folds one result into its service scope and the global scope and
// returns any state changes, service first.
func (m *Monitor) Observe(r probe.Result) []Transition {
	var out []Transition
	failed := !r.Success
	if t, ok := m.services[r.Service]; ok {
		if tr, changed := t.observe(m.cfg, failed, r.Timestamp); changed {
			tr.Service = r.Service
			out = append(out, tr)
		}
	}
	if tr, changed := m.global.observe(m.cfg, failed, r.Timestamp); changed {
		tr.Global = true
		out = append(out, tr)
	}
	return out
}

// Service returns the current state of one service scope.
func (m *Monitor) Service(k probe.Kind) State {
	t, ok := m.services[k]
	if !ok {
		return Healthy
	}
	return t.current()
}

// Global returns the current state of the run-wide scope.
func (m *Monitor) Global() State {
	return m.global.current()
}

func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		Config:   m.cfg,
		Global:   m.global.snapshot(),
		Services: make(map[probe.Kind]ScopeState, len(m.services)),
	}
	for k, t := range m.services {
		s.Services[k] = t.snapshot()
	}
	return s
}
