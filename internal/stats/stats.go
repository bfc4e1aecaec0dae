package stats

import (
	"sync/atomic"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

// Stats holds real-time aggregated metrics for one service or the run
type Stats struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64

	// Probe latency including auth and retries
	Latency *SafeHistogram
}

func NewStats() *Stats {
	return &Stats{Latency: NewSafeHistogram()}
}

func (s *Stats) Add(success bool, bytes int64, latency time.Duration) {
	atomic.AddUint64(&s.Requests, 1)
	if success {
		atomic.AddUint64(&s.Success, 1)
	} else {
		atomic.AddUint64(&s.Fail, 1)
	}
	if bytes > 0 {
		atomic.AddUint64(&s.Bytes, uint64(bytes))
	}
	s.Latency.Record(latency)
}

// ErrorRate is the failed share of requests as a percentage.
func (s *Stats) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&s.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&s.Fail)
	return (float64(fails) / float64(reqs)) * 100
}

// Counters is a point-in-time copy of a Stats, cheap to send to the UI.
type Counters struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64

	P50Ms float64
	P90Ms float64
	P99Ms float64
	MaxMs float64
}

func (s *Stats) Snapshot() Counters {
	return Counters{
		Requests: atomic.LoadUint64(&s.Requests),
		Success:  atomic.LoadUint64(&s.Success),
		Fail:     atomic.LoadUint64(&s.Fail),
		Bytes:    atomic.LoadUint64(&s.Bytes),
		P50Ms:    s.Latency.QuantileMs(50),
		P90Ms:    s.Latency.QuantileMs(90),
		P99Ms:    s.Latency.QuantileMs(99),
		MaxMs:    s.Latency.MaxMs(),
	}
}

// Set keeps one Stats per service plus the run total. The service map is
// fixed at construction so lookups need no lock.
type Set struct {
	Total    *Stats
	services map[probe.Kind]*Stats

	// Iterations whose draw landed in idle mass, iterations that drew a
	// service whose budget was already aborted, and arrivals that found no
	// free worker.
	Idle    uint64
	Skipped uint64
	Dropped uint64
}

func NewSet() *Set {
	s := &Set{Total: NewStats(), services: make(map[probe.Kind]*Stats, len(probe.Kinds))}
	for _, k := range probe.Kinds {
		s.services[k] = NewStats()
	}
	return s
}

func (s *Set) Add(r probe.Result) {
	s.Total.Add(r.Success, r.Bytes, r.Latency)
	if st, ok := s.services[r.Service]; ok {
		st.Add(r.Success, r.Bytes, r.Latency)
	}
}

func (s *Set) Service(k probe.Kind) *Stats {
	return s.services[k]
}

func (s *Set) AddIdle() {
	atomic.AddUint64(&s.Idle, 1)
}

func (s *Set) AddSkipped() {
	atomic.AddUint64(&s.Skipped, 1)
}

func (s *Set) AddDropped() {
	atomic.AddUint64(&s.Dropped, 1)
}
