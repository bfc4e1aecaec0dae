package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/components"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/styles"
)

type Model struct {
	Stats    runner.StatsSnapshot
	Progress progress.Model

	RateLine components.Sparkline
	FailLine components.Sparkline

	LastElapsed time.Duration
	LastReqs    uint64

	Width  int
	Height int
}

func NewModel() Model {
	fail := components.NewSparkline(40, "Failure rate", "%.1f%%", styles.Warn)
	fail.Ceiling = 100

	return Model{
		Progress: progress.New(progress.WithDefaultGradient()),
		RateLine: components.NewSparkline(40, "Achieved it/s", "%.1f", styles.Active),
		FailLine: fail,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		// Rate over the interval since the previous snapshot, on the run's
		// own clock.
		dt := (msg.Elapsed - m.LastElapsed).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}
		m.RateLine.Add(float64(msg.Overall.Requests-m.LastReqs) / dt)
		m.FailLine.Add(msg.Budget.Global.Rate * 100)

		m.Stats = msg
		m.LastReqs = msg.Overall.Requests
		m.LastElapsed = msg.Elapsed

		pct := 1.0
		if msg.Duration > 0 {
			pct = min(float64(msg.Elapsed)/float64(msg.Duration), 1.0)
		}
		return m, m.Progress.SetPercent(pct)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4

		half := max((msg.Width/2)-6, 10)
		m.RateLine.Width = half
		m.FailLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) header() string {
	st := m.Stats
	state := st.Budget.Global.State
	return fmt.Sprintf("stage %d  target %.1f it/s  %s / %s  budget %s",
		st.Stage+1, st.TargetRate,
		st.Elapsed.Round(time.Second), st.Duration,
		styles.State(state).Render(state.String()),
	)
}

func (m Model) services() string {
	rows := make([][]string, 0, len(m.Stats.Services))
	states := make([]budget.State, 0, len(m.Stats.Services))
	for _, k := range probe.Kinds {
		c, ok := m.Stats.Services[k]
		if !ok {
			continue
		}
		bs := m.Stats.Budget.Services[k]
		states = append(states, bs.State)
		rows = append(rows, []string{
			k.String(),
			fmt.Sprint(c.Requests),
			fmt.Sprint(c.Fail),
			fmt.Sprintf("%.1f", c.P50Ms),
			fmt.Sprintf("%.1f", c.P90Ms),
			fmt.Sprintf("%.1f", c.P99Ms),
			fmt.Sprintf("%.1f%%", bs.Rate*100),
			bs.State.String(),
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.ColorBorder)).
		Headers("SERVICE", "REQ", "FAIL", "P50", "P90", "P99", "WINDOW", "BUDGET").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 || row >= len(rows) || col != 7 {
				return lipgloss.NewStyle().Padding(0, 1)
			}
			return styles.State(states[row]).Padding(0, 1)
		}).
		String()
}

func (m Model) View() string {
	s := strings.Builder{}
	st := m.Stats

	s.WriteString(m.header())
	s.WriteString("\n")

	errColor := styles.Active
	switch {
	case st.Overall.Requests > 0 && float64(st.Overall.Fail)/float64(st.Overall.Requests) > 0.05:
		errColor = styles.Error
	case st.Overall.Fail > 0:
		errColor = styles.Warn
	}

	col1 := fmt.Sprintf("REQ: %d\nINF: %d", st.Overall.Requests, st.Inflight)
	col2 := fmt.Sprintf("OK: %d\nFAIL: %d", st.Overall.Success, st.Overall.Fail)
	col3 := fmt.Sprintf("DROPPED: %d\nIDLE: %d  SKIP: %d", st.Dropped, st.Idle, st.Skipped)
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(errColor.Render(col2)),
		styles.Box.Render(col3),
	))
	s.WriteString("\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RateLine.View()),
		styles.Box.Render(m.FailLine.View()),
	))
	s.WriteString("\n")

	s.WriteString(m.services())
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	return s.String()
}
