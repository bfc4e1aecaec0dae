package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

func TestObserve(t *testing.T) {
	s := New()
	s.Observe(probe.Result{Service: probe.Registry, Success: true, Latency: 40 * time.Millisecond,
		Checks: []probe.Check{{Name: "layer", Passed: true}}})
	s.Observe(probe.Result{Service: probe.Registry, Success: true, Latency: 60 * time.Millisecond,
		Checks: []probe.Check{{Name: "layer", Passed: false}}})
	s.Observe(probe.Result{Service: probe.Identity, Failure: probe.FailureTransport, Latency: time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(s.ProbesTotal.WithLabelValues("registry", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.ProbesTotal.WithLabelValues("identity", "transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.ChecksTotal.WithLabelValues("registry", "layer", "fail")))
	assert.Equal(t, 2, testutil.CollectAndCount(s.ProbeDuration))
}

func TestSetBudget(t *testing.T) {
	s := New()
	s.SetTargetRate(250)
	s.SetBudget(budget.Snapshot{
		Global: budget.ScopeState{Scope: "global", Total: 10, Rate: 0.3, State: budget.Degraded},
		Services: map[probe.Kind]budget.ScopeState{
			probe.SecretStore: {Scope: "secrets", Total: 10, Rate: 0.3, State: budget.Degraded},
			probe.Registry:    {Scope: "registry"},
		},
	})

	assert.Equal(t, 250.0, testutil.ToFloat64(s.TargetRate))
	assert.Equal(t, 0.3, testutil.ToFloat64(s.BudgetFailureRate.WithLabelValues("global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.BudgetState.WithLabelValues("secrets")))
	assert.Equal(t, 2, testutil.CollectAndCount(s.BudgetState), "services without traffic are not exported")
}

func TestHandlerExposesSeries(t *testing.T) {
	s := New()
	s.Observe(probe.Result{Service: probe.ArtifactRepo, Success: true, Latency: time.Millisecond})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `stackload_probes_total{outcome="success",service="artifact"} 1`)
}

func TestPush(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	s := New()
	require.NoError(t, s.Push(context.Background()), "push without a target is a no-op")

	s.EnablePush(gw.URL, "stackload", "run-1")
	s.SetTargetRate(10)
	require.NoError(t, s.Push(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/stackload/run_id/run-1", path)
	assert.Contains(t, body, "stackload_target_rate")
}
