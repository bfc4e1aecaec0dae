package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleResults() []probe.Result {
	return []probe.Result{
		{Service: probe.SecretStore, Success: true, HTTPStatus: 200, Latency: 20 * time.Millisecond,
			Timestamp: t0.Add(500 * time.Millisecond), Bytes: 120, Attempts: 1,
			Checks: []probe.Check{{Name: "vault status is 200", Passed: true}}},
		{Service: probe.Identity, Success: false, HTTPStatus: 401, Latency: 40 * time.Millisecond,
			Timestamp: t0.Add(800 * time.Millisecond), Failure: probe.FailureProtocol, Detail: "invalid_grant", Attempts: 3},
		{Service: probe.SecretStore, Success: true, HTTPStatus: 200, Latency: 30 * time.Millisecond,
			Timestamp: t0.Add(1500 * time.Millisecond), Bytes: 80, Attempts: 1},
	}
}

func sampleReport(t *testing.T) Report {
	t.Helper()
	sched, err := schedule.New([]schedule.Stage{{Duration: 2 * time.Second, Target: 10}},
		schedule.Weights{probe.SecretStore: 0.5, probe.Identity: 0.5})
	require.NoError(t, err)

	results := sampleResults()
	out := &runner.Outcome{
		ID:       "run-1",
		Started:  t0,
		Finished: t0.Add(2 * time.Second),
		Dropped:  4,
		Results:  results,
		Summary: summary.Build(results, budget.Snapshot{}, summary.Options{
			Services: sched.Services(),
			P95:      map[probe.Kind]time.Duration{probe.SecretStore: 10 * time.Millisecond},
		}),
	}
	return NewReport(out, sched, 8)
}

func TestNewReport(t *testing.T) {
	r := sampleReport(t)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, 2.0, r.Elapsed)
	assert.Equal(t, uint64(4), r.Dropped)
	require.Len(t, r.Stages, 1)
	assert.Equal(t, "2s", r.Stages[0].Duration)
	assert.Equal(t, map[string]float64{"secrets": 0.5, "identity": 0.5}, r.Stages[0].Weights)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResults(), 8))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, CSVHeader, rows[0])

	ok := rows[1]
	assert.Equal(t, "480", ok[0][len(ok[0])-3:], "timeStamp is the invocation start")
	assert.Equal(t, "20", ok[1])
	assert.Equal(t, "secrets", ok[2])
	assert.Equal(t, "200", ok[3])
	assert.Equal(t, "OK", ok[4])
	assert.Equal(t, "true", ok[7])
	assert.Equal(t, "", ok[8])
	assert.Equal(t, "8", ok[11])

	failed := rows[2]
	assert.Equal(t, "401", failed[3])
	assert.Equal(t, "Unauthorized", failed[4])
	assert.Equal(t, "false", failed[7])
	assert.Equal(t, "protocol: invalid_grant", failed[8])
}

func TestTimeline(t *testing.T) {
	points := Timeline(sampleResults(), t0)
	require.Len(t, points, 5)

	assert.Equal(t, 0, points[0].Second)
	assert.Equal(t, "identity", points[0].Scope)
	assert.Equal(t, int64(1), points[0].Failures)
	assert.InDelta(t, 40.0, points[0].MaxMs, 0.1)
	assert.Equal(t, "secrets", points[1].Scope)
	assert.Equal(t, summary.AggregateScope, points[2].Scope)
	assert.Equal(t, int64(2), points[2].Count)
	assert.Equal(t, int64(1), points[2].Failures)

	assert.Equal(t, 1, points[3].Second)
	assert.Equal(t, "secrets", points[3].Scope)
	assert.InDelta(t, 30.0, points[3].P95Ms, 0.1)
	assert.Equal(t, summary.AggregateScope, points[4].Scope)
}

func TestTimelineLongRunStaysSmall(t *testing.T) {
	// 900 seconds of four services, four results per second.
	results := make([]probe.Result, 0, 3600)
	for i := range 3600 {
		results = append(results, probe.Result{
			Service:   probe.Kinds[i%len(probe.Kinds)],
			Success:   i%7 != 0,
			Latency:   time.Duration(1+i%50) * time.Millisecond,
			Timestamp: t0.Add(time.Duration(i) * 250 * time.Millisecond),
		})
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	points := Timeline(results, t0)
	runtime.ReadMemStats(&after)

	assert.Len(t, points, 900*5)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestTimelinePercentiles(t *testing.T) {
	var results []probe.Result
	for i := 1; i <= 20; i++ {
		results = append(results, probe.Result{
			Service:   probe.SecretStore,
			Success:   true,
			Latency:   time.Duration(i) * time.Millisecond,
			Timestamp: t0.Add(500 * time.Millisecond),
		})
	}
	points := Timeline(results, t0)
	require.Len(t, points, 2)
	assert.InDelta(t, 10.0, points[0].P50Ms, 0.001)
	assert.InDelta(t, 19.0, points[0].P95Ms, 0.001)
	assert.InDelta(t, 20.0, points[0].MaxMs, 0.001)
}

func TestWriteText(t *testing.T) {
	r := sampleReport(t)
	r.Aborted = true
	r.Reason = "global failure rate 0.60 held above 0.50"

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, r))
	out := buf.String()

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "ABORTED: global failure rate")
	assert.Contains(t, out, "secrets")
	assert.Contains(t, out, "identity")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "vault status is 200")
}

func TestFiles(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run")
	r := sampleReport(t)

	written, err := Files(prefix, r, sampleResults())
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "_summary.json", prefix + "_raw.csv", prefix + "_timeline.json"}, written)

	data, err := os.ReadFile(prefix + "_summary.json")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Contains(t, decoded, "summary")

	data, err = os.ReadFile(prefix + "_timeline.json")
	require.NoError(t, err)
	var points []Point
	require.NoError(t, json.Unmarshal(data, &points))
	assert.Len(t, points, 5)
}
