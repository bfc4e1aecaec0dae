package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
)

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}

func ms(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

func scopeRow(sc summary.Scope) []string {
	row := []string{sc.Name, fmt.Sprint(sc.Count), fmt.Sprint(sc.Failures), pct(sc.SuccessRate)}
	if sc.LatencyMs == nil {
		row = append(row, "-", "-", "-", "-", "-")
	} else {
		l := sc.LatencyMs
		tp := "-"
		if sc.Throughput != nil {
			tp = fmt.Sprintf("%.1f", *sc.Throughput)
		}
		row = append(row, ms(l.P50), ms(l.P95), ms(l.P99), ms(l.Max), tp)
	}
	state := sc.Budget.State.String()
	if sc.NoData {
		state = "no data"
	}
	return append(row, state)
}

// WriteText renders the end-of-run report for a terminal.
func WriteText(w io.Writer, r Report) error {
	var b strings.Builder

	fmt.Fprintln(&b, titleStyle.Render("stackload run "+r.RunID))
	fmt.Fprintf(&b, "elapsed %.1fs  vus %d  idle %d  skipped %d  dropped %d\n",
		r.Elapsed, r.VUs, r.Idle, r.Skipped, r.Dropped)
	switch {
	case r.Aborted:
		fmt.Fprintln(&b, failStyle.Render("ABORTED: "+r.Reason))
	case r.Interrupted:
		fmt.Fprintln(&b, failStyle.Render("INTERRUPTED"))
	}
	if len(r.Summary.AbortedServices) > 0 {
		fmt.Fprintln(&b, failStyle.Render("services aborted: "+strings.Join(r.Summary.AbortedServices, ", ")))
	}

	rows := make([][]string, 0, len(r.Summary.Services)+1)
	for _, sc := range r.Summary.Services {
		rows = append(rows, scopeRow(sc))
	}
	rows = append(rows, scopeRow(r.Summary.Aggregate))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SERVICE", "COUNT", "FAILED", "SUCCESS", "P50 ms", "P95 ms", "P99 ms", "MAX ms", "REQ/s", "BUDGET").
		Rows(rows...)
	fmt.Fprintln(&b, t.String())

	if len(r.Summary.Thresholds) > 0 {
		fmt.Fprintln(&b, titleStyle.Render("thresholds"))
		for _, v := range r.Summary.Thresholds {
			actual := "no data"
			if v.ActualMs != nil {
				actual = ms(*v.ActualMs) + "ms"
			}
			mark := passStyle.Render("PASS")
			if !v.Passed {
				mark = failStyle.Render("FAIL")
			}
			fmt.Fprintf(&b, "  %s %-9s %s<%sms actual %s\n", mark, v.Service, v.Metric, ms(v.LimitMs), actual)
		}
	}

	var checks []string
	for _, sc := range r.Summary.Services {
		for _, c := range sc.Checks {
			checks = append(checks, fmt.Sprintf("  %-9s %-28s %6.2f%% (%d/%d)",
				sc.Name, c.Name, c.PassRate*100, c.Passed, c.Passed+c.Failed))
		}
	}
	if len(checks) > 0 {
		fmt.Fprintln(&b, titleStyle.Render("checks"))
		fmt.Fprintln(&b, strings.Join(checks, "\n"))
	}

	_, err := io.WriteString(w, b.String())
	return err
}
