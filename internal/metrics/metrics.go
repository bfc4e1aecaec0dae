// Package metrics exports live run metrics to Prometheus, either scraped
// from an HTTP listener or pushed to a Pushgateway.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

const namespace = "stackload"

// Sink owns a private registry so several runs in one process (tests) never
// collide on the default one.
type Sink struct {
	reg *prometheus.Registry

	// ProbesTotal counts invocations.
	// Labels: service, outcome (success|transport|protocol|validation)
	ProbesTotal *prometheus.CounterVec

	// ProbeDuration is wall-clock latency including auth and retries.
	// Labels: service
	ProbeDuration *prometheus.HistogramVec

	// ChecksTotal counts secondary checks.
	// Labels: service, check, result (pass|fail)
	ChecksTotal *prometheus.CounterVec

	TargetRate prometheus.Gauge

	// Labels: scope (global or a service name)
	BudgetFailureRate *prometheus.GaugeVec
	BudgetState       *prometheus.GaugeVec

	pusher *push.Pusher
}

func New() *Sink {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Sink{
		reg: reg,
		ProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probe invocations by service and outcome.",
		}, []string{"service", "outcome"}),
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Probe latency including authentication and retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"service"}),
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Secondary checks by service, name and result.",
		}, []string{"service", "check", "result"}),
		TargetRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_rate",
			Help:      "Scheduled arrival rate in iterations per second.",
		}),
		BudgetFailureRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_failure_rate",
			Help:      "Rolling failure rate per error budget scope.",
		}, []string{"scope"}),
		BudgetState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_state",
			Help:      "Error budget state per scope (0 healthy, 1 degraded, 2 aborted).",
		}, []string{"scope"}),
	}
}

func (s *Sink) Registry() *prometheus.Registry {
	return s.reg
}

func outcome(r probe.Result) string {
	if r.Success {
		return "success"
	}
	return string(r.Failure)
}

// Observe records one probe result.
func (s *Sink) Observe(r probe.Result) {
	svc := r.Service.String()
	s.ProbesTotal.WithLabelValues(svc, outcome(r)).Inc()
	s.ProbeDuration.WithLabelValues(svc).Observe(r.Latency.Seconds())
	for _, c := range r.Checks {
		result := "pass"
		if !c.Passed {
			result = "fail"
		}
		s.ChecksTotal.WithLabelValues(svc, c.Name, result).Inc()
	}
}

func (s *Sink) SetTargetRate(rate float64) {
	s.TargetRate.Set(rate)
}

// SetBudget mirrors a budget snapshot into the gauges.
func (s *Sink) SetBudget(snap budget.Snapshot) {
	s.setScope(snap.Global)
	for _, st := range snap.Services {
		if st.Total == 0 {
			continue
		}
		s.setScope(st)
	}
}

func (s *Sink) setScope(st budget.ScopeState) {
	s.BudgetFailureRate.WithLabelValues(st.Scope).Set(st.Rate)
	s.BudgetState.WithLabelValues(st.Scope).Set(float64(st.State))
}

func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

// Serve exposes /metrics on addr until ctx is done.
func (s *Sink) Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// EnablePush configures a Pushgateway target. Series are grouped by runID
// so concurrent runs do not overwrite each other.
func (s *Sink) EnablePush(url, job, runID string) {
	s.pusher = push.New(url, job).Gatherer(s.reg).Grouping("run_id", runID)
}

// Push sends the current values once. It is a no-op without EnablePush.
func (s *Sink) Push(ctx context.Context) error {
	if s.pusher == nil {
		return nil
	}
	return s.pusher.PushContext(ctx)
}

// PushEvery pushes on every tick until ctx is done. Failures are logged and
// do not stop the run.
func (s *Sink) PushEvery(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if s.pusher == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Push(ctx); err != nil {
				logger.Warn("metrics push failed", zap.Error(err))
			}
		}
	}
}
