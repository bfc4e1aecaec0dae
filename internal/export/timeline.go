package export

import (
	"math"
	"slices"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

// Point is one second of one scope. Results are bucketed by completion
// time relative to the start of the run.
type Point struct {
	Second   int     `json:"second"`
	Scope    string  `json:"scope"`
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	MaxMs    float64 `json:"max_ms"`
}

// bucket keeps raw latencies; a second holds few results, and a histogram
// per (second, scope) would dwarf them.
type bucket struct {
	count, failures int64
	latencies       []time.Duration
}

func (b *bucket) add(r probe.Result) {
	b.count++
	if !r.Success {
		b.failures++
	}
	b.latencies = append(b.latencies, r.Latency)
}

// quantile returns the nearest-rank q-th percentile of sorted.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted)) / 100))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func durationMs(d time.Duration) float64 {
	return stats.Ms(d.Microseconds())
}

type key struct {
	second int
	scope  string
}

// Timeline returns per-second points for every service plus the aggregate,
// ordered by second and then scope.
func Timeline(results []probe.Result, started time.Time) []Point {
	buckets := map[key]*bucket{}
	get := func(k key) *bucket {
		b, ok := buckets[k]
		if !ok {
			b = &bucket{}
			buckets[k] = b
		}
		return b
	}
	for _, r := range results {
		sec := int(r.Timestamp.Sub(started) / time.Second)
		if sec < 0 {
			sec = 0
		}
		get(key{sec, r.Service.String()}).add(r)
		get(key{sec, summary.AggregateScope}).add(r)
	}

	out := make([]Point, 0, len(buckets))
	for k, b := range buckets {
		slices.Sort(b.latencies)
		out = append(out, Point{
			Second:   k.second,
			Scope:    k.scope,
			Count:    b.count,
			Failures: b.failures,
			P50Ms:    durationMs(quantile(b.latencies, 50)),
			P95Ms:    durationMs(quantile(b.latencies, 95)),
			MaxMs:    durationMs(quantile(b.latencies, 100)),
		})
	}
	slices.SortFunc(out, func(a, b Point) int {
		if a.Second != b.Second {
			return a.Second - b.Second
		}
		switch {
		case a.Scope == b.Scope:
			return 0
		case a.Scope == summary.AggregateScope:
			return 1
		case b.Scope == summary.AggregateScope:
			return -1
		case a.Scope < b.Scope:
			return -1
		}
		return 1
	})
	return out
}
