// Package summary folds the results of a run and its final error budget
// into the end-of-run report.
package summary

import (
	"cmp"
	"slices"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
)

// AggregateScope names the run-wide entry.
const AggregateScope = "all"

type Latency struct {
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

type CheckStats struct {
	Name     string  `json:"name"`
	Passed   int64   `json:"passed"`
	Failed   int64   `json:"failed"`
	PassRate float64 `json:"pass_rate"`
}

// Scope is the report for one service or for the aggregate. Rates and
// latencies are nil when the scope saw no results.
type Scope struct {
	Name        string                      `json:"name"`
	Count       int64                       `json:"count"`
	Successes   int64                       `json:"successes"`
	Failures    int64                       `json:"failures"`
	NoData      bool                        `json:"no_data,omitempty"`
	SuccessRate *float64                    `json:"success_rate"`
	Throughput  *float64                    `json:"throughput_per_sec"`
	LatencyMs   *Latency                    `json:"latency_ms"`
	Bytes       int64                       `json:"bytes"`
	ByFailure   map[probe.FailureKind]int64 `json:"failures_by_kind,omitempty"`
	ByStatus    map[int]int64               `json:"status_codes,omitempty"`
	Checks      []CheckStats                `json:"checks,omitempty"`
	Budget      budget.ScopeState           `json:"budget"`
}

// Verdict is the outcome of one latency threshold. Thresholds flag, they
// never abort.
type Verdict struct {
	Service  string   `json:"service"`
	Metric   string   `json:"metric"`
	LimitMs  float64  `json:"limit_ms"`
	ActualMs *float64 `json:"actual_ms"`
	Passed   bool     `json:"passed"`
}

type Summary struct {
	Services        []Scope   `json:"services"`
	Aggregate       Scope     `json:"aggregate"`
	Aborted         bool      `json:"aborted"`
	AbortedServices []string  `json:"aborted_services,omitempty"`
	Thresholds      []Verdict `json:"thresholds,omitempty"`
}

type Options struct {
	// Services are reported even when they produced no results.
	Services []probe.Kind

	// P95 latency limit per service.
	P95 map[probe.Kind]time.Duration
}

type accumulator struct {
	count, ok, bytes int64
	first, last      time.Time
	hist             *hdrhistogram.Histogram
	failures         map[probe.FailureKind]int64
	statuses         map[int]int64
	checks           map[string]*CheckStats
}

func newAccumulator() *accumulator {
	return &accumulator{
		hist:     stats.NewHistogram(),
		failures: map[probe.FailureKind]int64{},
		statuses: map[int]int64{},
		checks:   map[string]*CheckStats{},
	}
}

func (a *accumulator) add(r probe.Result) {
	a.count++
	if r.Success {
		a.ok++
	} else {
		a.failures[r.Failure]++
	}
	if r.HTTPStatus != 0 {
		a.statuses[r.HTTPStatus]++
	}
	a.bytes += r.Bytes
	stats.RecordLatency(a.hist, r.Latency)

	start := r.Timestamp.Add(-r.Latency)
	if a.first.IsZero() || start.Before(a.first) {
		a.first = start
	}
	if r.Timestamp.After(a.last) {
		a.last = r.Timestamp
	}

	for _, c := range r.Checks {
		cs, ok := a.checks[c.Name]
		if !ok {
			cs = &CheckStats{Name: c.Name}
			a.checks[c.Name] = cs
		}
		if c.Passed {
			cs.Passed++
		} else {
			cs.Failed++
		}
	}
}

func (a *accumulator) scope(name string, state budget.ScopeState) Scope {
	s := Scope{
		Name:      name,
		Count:     a.count,
		Successes: a.ok,
		Failures:  a.count - a.ok,
		Bytes:     a.bytes,
		Budget:    state,
	}
	if a.count == 0 {
		s.NoData = true
		return s
	}

	rate := float64(a.ok) / float64(a.count)
	s.SuccessRate = &rate
	if span := a.last.Sub(a.first); span > 0 {
		tp := float64(a.count) / span.Seconds()
		s.Throughput = &tp
	}
	s.LatencyMs = &Latency{
		P50:  stats.Ms(a.hist.ValueAtQuantile(50)),
		P95:  stats.Ms(a.hist.ValueAtQuantile(95)),
		P99:  stats.Ms(a.hist.ValueAtQuantile(99)),
		Mean: a.hist.Mean() / 1000.0,
		Max:  stats.Ms(a.hist.Max()),
	}
	if len(a.failures) > 0 {
		s.ByFailure = a.failures
	}
	if len(a.statuses) > 0 {
		s.ByStatus = a.statuses
	}
	for _, cs := range a.checks {
		c := *cs
		c.PassRate = float64(c.Passed) / float64(c.Passed+c.Failed)
		s.Checks = append(s.Checks, c)
	}
	slices.SortFunc(s.Checks, func(a, b CheckStats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return s
}

// Build is a pure function of its inputs. Services appear in Kind order;
// a service shows up when it is listed in opts or produced results.
func Build(results []probe.Result, state budget.Snapshot, opts Options) Summary {
	total := newAccumulator()
	per := map[probe.Kind]*accumulator{}
	for _, k := range opts.Services {
		per[k] = newAccumulator()
	}
	for k := range opts.P95 {
		if per[k] == nil {
			per[k] = newAccumulator()
		}
	}
	for _, r := range results {
		total.add(r)
		acc := per[r.Service]
		if acc == nil {
			acc = newAccumulator()
			per[r.Service] = acc
		}
		acc.add(r)
	}

	var s Summary
	for _, k := range probe.Kinds {
		acc, ok := per[k]
		if !ok {
			continue
		}
		sc := acc.scope(k.String(), state.Services[k])
		s.Services = append(s.Services, sc)
		if sc.Budget.State == budget.Aborted {
			s.AbortedServices = append(s.AbortedServices, sc.Name)
		}

		if limit, ok := opts.P95[k]; ok {
			v := Verdict{Service: sc.Name, Metric: "p95", LimitMs: stats.Ms(limit.Microseconds()), Passed: true}
			if sc.LatencyMs != nil {
				actual := sc.LatencyMs.P95
				v.ActualMs = &actual
				v.Passed = actual < v.LimitMs
			}
			s.Thresholds = append(s.Thresholds, v)
		}
	}

	s.Aggregate = total.scope(AggregateScope, state.Global)
	s.Aborted = state.Global.State == budget.Aborted
	return s
}

// Service returns the scope for k, if reported.
func (s Summary) Service(k probe.Kind) (Scope, bool) {
	for _, sc := range s.Services {
		if sc.Name == k.String() {
			return sc, true
		}
	}
	return Scope{}, false
}
