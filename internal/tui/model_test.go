package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
)

func snapshot(elapsed time.Duration, reqs uint64) runner.StatsSnapshot {
	return runner.StatsSnapshot{
		Elapsed:    elapsed,
		Duration:   10 * time.Second,
		TargetRate: 20,
		Overall:    stats.Counters{Requests: reqs, Success: reqs - 1, Fail: 1},
		Services: map[probe.Kind]stats.Counters{
			probe.SecretStore: {Requests: reqs, Success: reqs - 1, Fail: 1},
		},
		Budget: budget.Snapshot{
			Global:   budget.ScopeState{Scope: "global", State: budget.Degraded, Rate: 0.2},
			Services: map[probe.Kind]budget.ScopeState{probe.SecretStore: {State: budget.Degraded, Rate: 0.2}},
		},
	}
}

func TestStatsUpdateLiveView(t *testing.T) {
	updates := make(runner.StatsUpdateChan, 1)
	var m tea.Model = NewModel(updates, nil)

	m, cmd := m.Update(StatsMsg(snapshot(time.Second, 10)))
	assert.NotNil(t, cmd, "keeps listening for updates")
	m, _ = m.Update(StatsMsg(snapshot(2*time.Second, 30)))

	model := m.(Model)
	assert.Equal(t, []float64{10, 20}, model.Live.RateLine.Data)
	assert.Equal(t, []float64{20, 20}, model.Live.FailLine.Data)

	view := m.View()
	assert.Contains(t, view, "secrets")
	assert.Contains(t, view, "degraded")
}

func TestQuitCancelsRun(t *testing.T) {
	cancelled := false
	var m tea.Model = NewModel(make(runner.StatsUpdateChan), func() { cancelled = true })

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, cancelled)
	assert.True(t, m.(Model).Quitting)
}

func TestDoneShowsReport(t *testing.T) {
	cancelled := false
	var m tea.Model = NewModel(make(runner.StatsUpdateChan), func() { cancelled = true })

	m, _ = m.Update(DoneMsg{Report: export.Report{RunID: "run-42"}})
	assert.Contains(t, m.View(), "run-42")

	m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.False(t, cancelled, "a finished run is not cancelled again")
}
