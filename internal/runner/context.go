package runner

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/metrics"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
)

// RunContext owns every piece of state shared by the workers of one run:
// the result log, the live counters and the error budget. It is created at
// start, finalized into an Outcome and then discarded.
type RunContext struct {
	ID       string
	Schedule *schedule.Schedule
	Probes   map[probe.Kind]probe.Probe
	Budget   *budget.Monitor
	Stats    *stats.Set

	// Optional
	Metrics *metrics.Sink

	logger *zap.Logger

	mu      sync.Mutex
	results []probe.Result

	started  time.Time
	inflight atomic.Int64

	aborted        atomic.Bool
	reason         atomic.Value
	serviceAborted map[probe.Kind]*atomic.Bool
	onAbort        func()
	onDrained      func()
}

func NewRunContext(sched *schedule.Schedule, probes map[probe.Kind]probe.Probe, monitor *budget.Monitor, logger *zap.Logger) *RunContext {
	rc := &RunContext{
		ID:             uuid.NewString(),
		Schedule:       sched,
		Probes:         probes,
		Budget:         monitor,
		Stats:          stats.NewSet(),
		logger:         logger,
		serviceAborted: make(map[probe.Kind]*atomic.Bool, len(probe.Kinds)),
	}
	for _, k := range probe.Kinds {
		rc.serviceAborted[k] = new(atomic.Bool)
	}
	return rc
}

// Aborted reports whether the global budget has tripped. Workers read it at
// the top of every iteration.
func (rc *RunContext) Aborted() bool {
	return rc.aborted.Load()
}

func (rc *RunContext) ServiceAborted(k probe.Kind) bool {
	b, ok := rc.serviceAborted[k]
	return ok && b.Load()
}

func (rc *RunContext) Reason() string {
	s, _ := rc.reason.Load().(string)
	return s
}

// Results returns a copy of the ingested results.
func (rc *RunContext) Results() []probe.Result {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]probe.Result, len(rc.results))
	copy(out, rc.results)
	return out
}

// ingest records one result and applies any budget transition it causes.
func (rc *RunContext) ingest(res probe.Result) {
	rc.mu.Lock()
	rc.results = append(rc.results, res)
	rc.mu.Unlock()

	rc.Stats.Add(res)
	if rc.Metrics != nil {
		rc.Metrics.Observe(res)
	}

	for _, tr := range rc.Budget.Observe(res) {
		rc.transition(tr)
	}

	if !res.Success {
		rc.logFailure(res)
	}
}

func (rc *RunContext) logFailure(res probe.Result) {
	fields := []zap.Field{
		zap.Stringer("service", res.Service),
		zap.String("failure", string(res.Failure)),
		zap.Int("status", res.HTTPStatus),
		zap.String("detail", res.Detail),
		zap.Int("attempts", res.Attempts),
	}
	if rc.Budget.Service(res.Service) != budget.Healthy || rc.Budget.Global() != budget.Healthy {
		rc.logger.Warn("probe failed", fields...)
		return
	}
	rc.logger.Debug("probe failed", fields...)
}

func (rc *RunContext) transition(tr budget.Transition) {
	fields := []zap.Field{
		zap.String("scope", tr.Scope),
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Float64("failure_rate", tr.Rate),
	}
	if rc.Metrics != nil {
		rc.Metrics.SetBudget(rc.Budget.Snapshot())
	}

	switch {
	case tr.To != budget.Aborted:
		rc.logger.Warn("error budget degraded", fields...)
	case tr.Global:
		rc.abort(fmt.Sprintf("global failure rate %.3f breached abort threshold %.3f", tr.Rate, rc.Budget.Config().Abort))
	default:
		rc.serviceAborted[tr.Service].Store(true)
		rc.logger.Warn("service removed from dispatch", fields...)
		if rc.allServicesAborted() && rc.onDrained != nil {
			rc.onDrained()
		}
	}
}

// abort flips the run-state flag once and cancels the workers.
func (rc *RunContext) abort(reason string) {
	if !rc.aborted.CompareAndSwap(false, true) {
		return
	}
	rc.reason.Store(reason)
	rc.logger.Error("run aborted", zap.String("reason", reason))
	if rc.onAbort != nil {
		rc.onAbort()
	}
}

func (rc *RunContext) allServicesAborted() bool {
	for _, k := range rc.Schedule.Services() {
		if !rc.ServiceAborted(k) {
			return false
		}
	}
	return true
}
