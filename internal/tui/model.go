package tui

import (
	"bytes"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/banner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/live"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/styles"
)

type StatsMsg runner.StatsSnapshot

// DoneMsg carries the final report once the runner has returned.
type DoneMsg struct {
	Report export.Report
}

// Model is the dashboard shown while a run is in progress. Quitting
// before the run ends cancels it through Cancel.
type Model struct {
	Updates runner.StatsUpdateChan
	Cancel  func()

	Live   live.Model
	Report string
	Done   bool

	Quitting bool
}

func NewModel(updates runner.StatsUpdateChan, cancel func()) Model {
	return Model{
		Updates: updates,
		Cancel:  cancel,
		Live:    live.NewModel(),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.Updates)
}

func waitForUpdate(sub runner.StatsUpdateChan) tea.Cmd {
	return func() tea.Msg {
		return StatsMsg(<-sub)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.Done && m.Cancel != nil {
				m.Cancel()
			}
			m.Quitting = true
			return m, tea.Quit
		}
		return m, nil

	case StatsMsg:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(runner.StatsSnapshot(msg))
		if m.Done {
			return m, cmd
		}
		return m, tea.Batch(cmd, waitForUpdate(m.Updates))

	case DoneMsg:
		m.Done = true
		var buf bytes.Buffer
		if err := export.WriteText(&buf, msg.Report); err != nil {
			m.Report = styles.Error.Render(err.Error())
		} else {
			m.Report = buf.String()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.Live, cmd = m.Live.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.Quitting {
		return ""
	}
	s := strings.Builder{}
	s.WriteString(banner.GetString())
	if m.Done {
		s.WriteString(m.Report)
		s.WriteString("\n")
		s.WriteString(styles.RenderKey("q", "quit"))
		return s.String()
	}
	s.WriteString(m.Live.View())
	s.WriteString("\n")
	s.WriteString(styles.RenderKey("q", "stop run"))
	return s.String()
}
