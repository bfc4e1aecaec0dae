// Package export writes a finished run to disk and to the terminal.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

type StageInfo struct {
	Duration string             `json:"duration"`
	Target   float64            `json:"target"`
	Weights  map[string]float64 `json:"weights"`
}

// Report is the persisted form of a run: the summary plus enough context
// to read it later without the config that produced it.
type Report struct {
	RunID       string          `json:"run_id"`
	Started     time.Time       `json:"started"`
	Finished    time.Time       `json:"finished"`
	Elapsed     float64         `json:"elapsed_sec"`
	Aborted     bool            `json:"aborted"`
	Interrupted bool            `json:"interrupted"`
	Reason      string          `json:"reason,omitempty"`
	VUs         int             `json:"vus"`
	Stages      []StageInfo     `json:"stages"`
	Idle        uint64          `json:"idle"`
	Skipped     uint64          `json:"skipped"`
	Dropped     uint64          `json:"dropped"`
	Summary     summary.Summary `json:"summary"`
}

func NewReport(out *runner.Outcome, sched *schedule.Schedule, vus int) Report {
	r := Report{
		RunID:       out.ID,
		Started:     out.Started,
		Finished:    out.Finished,
		Elapsed:     out.Finished.Sub(out.Started).Seconds(),
		Aborted:     out.Aborted,
		Interrupted: out.Interrupted,
		Reason:      out.Reason,
		VUs:         vus,
		Idle:        out.Idle,
		Skipped:     out.Skipped,
		Dropped:     out.Dropped,
		Summary:     out.Summary,
	}
	if sched != nil {
		for _, st := range sched.Stages() {
			w := make(map[string]float64, len(st.Weights))
			for k, v := range st.Weights {
				w[k.String()] = v
			}
			r.Stages = append(r.Stages, StageInfo{Duration: st.Duration.String(), Target: st.Target, Weights: w})
		}
	}
	return r
}

func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Files writes <prefix>_summary.json, <prefix>_raw.csv and
// <prefix>_timeline.json and returns the paths written.
func Files(prefix string, r Report, results []probe.Result) ([]string, error) {
	var written []string
	write := func(name string, fn func(io.Writer) error) error {
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("export: %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		written = append(written, name)
		return nil
	}

	if err := write(prefix+"_summary.json", func(w io.Writer) error {
		return WriteJSON(w, r)
	}); err != nil {
		return written, err
	}
	if err := write(prefix+"_raw.csv", func(w io.Writer) error {
		return WriteCSV(w, results, r.VUs)
	}); err != nil {
		return written, err
	}
	if err := write(prefix+"_timeline.json", func(w io.Writer) error {
		return WriteJSON(w, Timeline(results, r.Started))
	}); err != nil {
		return written, err
	}
	return written, nil
}
