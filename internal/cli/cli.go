// Package cli renders a headless run: a header, a one-line progress
// indicator and nothing else, so CI logs stay readable.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
)

func PrintHeader(w io.Writer, runID string, sched *schedule.Schedule, vus int) {
	fmt.Fprintf(w, "\nSTARTING STACKLOAD RUN %s\n", runID)
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Duration   : %s in %d stage(s)\n", sched.Total(), sched.Len())
	fmt.Fprintf(w, "Services   : %s\n", joinKinds(sched))
	fmt.Fprintf(w, "Workers    : %d\n", vus)
	for i, st := range sched.Stages() {
		fmt.Fprintf(w, "  stage %d  %8s  %7.1f it/s\n", i+1, st.Duration, st.Target)
	}
	fmt.Fprintf(w, "======================================================================\n\n")
}

func joinKinds(sched *schedule.Schedule) string {
	var names []string
	for _, k := range sched.Services() {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

// Line formats one snapshot as a single status line.
func Line(s runner.StatsSnapshot) string {
	pct := 1.0
	if s.Duration > 0 {
		pct = min(float64(s.Elapsed)/float64(s.Duration), 1.0)
	}
	rate := 0.0
	if s.Elapsed > 0 {
		rate = float64(s.Overall.Requests) / s.Elapsed.Seconds()
	}
	state := s.Budget.Global.State
	if s.Aborted {
		state = budget.Aborted
	}
	return fmt.Sprintf("%s %3.0f%% | %s/%s | stage %d @ %.0f/s | Inf: %3d | It/s: %.1f | OK: %d | Err: %d | Drop: %d | %s",
		progressBar(pct, 20), pct*100,
		s.Elapsed.Round(time.Second), s.Duration,
		s.Stage+1, s.TargetRate,
		s.Inflight,
		rate,
		s.Overall.Success,
		s.Overall.Fail,
		s.Dropped,
		state,
	)
}

// Progress rewrites the status line for every snapshot until ctx is done.
func Progress(ctx context.Context, w io.Writer, updates runner.StatsUpdateChan) {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case s := <-updates:
			fmt.Fprintf(w, "\r%s", Line(s))
		}
	}
}
