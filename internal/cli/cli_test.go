package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----]", progressBar(0, 4))
	assert.Equal(t, "[██--]", progressBar(0.5, 4))
	assert.Equal(t, "[████]", progressBar(1.7, 4))
}

func TestLine(t *testing.T) {
	line := Line(runner.StatsSnapshot{
		Elapsed:    5 * time.Second,
		Duration:   10 * time.Second,
		Stage:      1,
		TargetRate: 20,
		Overall:    stats.Counters{Requests: 100, Success: 90, Fail: 10},
		Dropped:    3,
		Budget:     budget.Snapshot{Global: budget.ScopeState{State: budget.Degraded}},
	})
	assert.Contains(t, line, " 50%")
	assert.Contains(t, line, "5s/10s")
	assert.Contains(t, line, "stage 2 @ 20/s")
	assert.Contains(t, line, "It/s: 20.0")
	assert.Contains(t, line, "Err: 10")
	assert.Contains(t, line, "Drop: 3")
	assert.True(t, strings.HasSuffix(line, "degraded"))
}

func TestPrintHeader(t *testing.T) {
	sched, err := schedule.New([]schedule.Stage{
		{Duration: 30 * time.Second, Target: 10},
		{Duration: time.Minute, Target: 0},
	}, schedule.Weights{probe.Registry: 0.5, probe.Identity: 0.5})
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintHeader(&buf, "run-1", sched, 16)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "1m30s in 2 stage(s)")
	assert.Contains(t, out, "registry, identity")
	assert.Contains(t, out, "Workers    : 16")
}

func TestProgressStopsWithContext(t *testing.T) {
	updates := make(runner.StatsUpdateChan, 1)
	updates <- runner.StatsSnapshot{Duration: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		Progress(ctx, &buf, updates)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(updates) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Contains(t, buf.String(), "\r[")
}
