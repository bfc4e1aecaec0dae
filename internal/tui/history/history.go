package history

import (
	"bytes"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/storage"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/styles"
)

// Model browses stored runs. Enter opens the full report of the selected
// run; esc goes back to the list.
type Model struct {
	Items []storage.HistoryItem
	Table table.Model

	Detail string

	Width  int
	Height int
}

func NewModel(items []storage.HistoryItem) Model {
	columns := []table.Column{
		{Title: "Started", Width: 20},
		{Title: "Run", Width: 36},
		{Title: "Elapsed", Width: 9},
		{Title: "Iterations", Width: 10},
		{Title: "Success", Width: 8},
		{Title: "P95 ms", Width: 8},
		{Title: "Result", Width: 11},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := Model{Items: items, Table: t}
	m.Table.SetRows(Rows(items))
	return m
}

func result(r export.Report) string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Interrupted:
		return "interrupted"
	case len(r.Summary.AbortedServices) > 0:
		return "partial"
	}
	return "completed"
}

// Rows renders one table row per stored run.
func Rows(items []storage.HistoryItem) []table.Row {
	rows := make([]table.Row, len(items))
	for i, item := range items {
		agg := item.Report.Summary.Aggregate
		success, p95 := "-", "-"
		if agg.SuccessRate != nil {
			success = fmt.Sprintf("%.1f%%", *agg.SuccessRate*100)
		}
		if agg.LatencyMs != nil {
			p95 = fmt.Sprintf("%.1f", agg.LatencyMs.P95)
		}
		rows[i] = table.Row{
			item.Timestamp.Local().Format(time.DateTime),
			item.ID,
			(time.Duration(item.Report.Elapsed * float64(time.Second))).Round(time.Second).String(),
			fmt.Sprint(agg.Count),
			success,
			p95,
			result(item.Report),
		}
	}
	return rows
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
		m.Table.SetHeight(max(msg.Height-6, 3))

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "esc":
			m.Detail = ""
			return m, nil
		case "enter":
			if i := m.Table.Cursor(); i >= 0 && i < len(m.Items) {
				var buf bytes.Buffer
				if err := export.WriteText(&buf, m.Items[i].Report); err != nil {
					m.Detail = styles.Error.Render(err.Error())
				} else {
					m.Detail = buf.String()
				}
			}
			return m, nil
		}
	}

	if m.Detail != "" {
		return m, nil
	}
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.Detail != "" {
		return m.Detail + "\n" + styles.RenderKey("esc", "back") + "  " + styles.RenderKey("q", "quit")
	}
	if len(m.Items) == 0 {
		return styles.Subtle.Render("no runs recorded yet") + "\n"
	}
	return styles.Box.Render(m.Table.View()) + "\n" +
		styles.RenderKey("enter", "details") + "  " + styles.RenderKey("q", "quit")
}
