package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func item(i int) HistoryItem {
	return NewHistoryItem(export.Report{
		RunID:   fmt.Sprintf("run-%d", i),
		Started: time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		VUs:     i,
	})
}

func TestSaveAndList(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Save(item(i)))
	}

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "run-5", all[0].ID, "newest first")
	assert.Equal(t, "run-1", all[4].ID)

	some, err := s.List(2)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "run-4", some[1].ID)
}

func TestSaveSameIDReplaces(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Save(item(1)))

	updated := item(1)
	updated.Report.Aborted = true
	require.NoError(t, s.Save(updated))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Report.Aborted)
}

func TestGet(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Save(item(3)))

	got, err := s.Get("run-3")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Report.VUs)
	assert.True(t, got.Timestamp.Equal(item(3).Timestamp))

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(item(7)))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "run-7", all[0].ID)
}

func TestBudgetStatesSurviveStorage(t *testing.T) {
	s := openStore(t)
	it := item(4)
	it.Report.Aborted = true
	it.Report.Summary = summary.Summary{
		Services: []summary.Scope{
			{Name: "secrets", Budget: budget.ScopeState{Scope: "secrets", State: budget.Aborted}},
		},
		Aggregate: summary.Scope{
			Name:   summary.AggregateScope,
			Budget: budget.ScopeState{Scope: "global", Total: 40, Failures: 12, State: budget.Degraded},
		},
	}
	require.NoError(t, s.Save(it))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, budget.Degraded, all[0].Report.Summary.Aggregate.Budget.State)

	got, err := s.Get("run-4")
	require.NoError(t, err)
	require.Len(t, got.Report.Summary.Services, 1)
	assert.Equal(t, budget.Aborted, got.Report.Summary.Services[0].Budget.State)
	assert.Equal(t, int64(12), got.Report.Summary.Aggregate.Budget.Failures)
}
