package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/cli"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/config"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/logging"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/metrics"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/storage"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui"
)

var runCmd = &cobra.Command{
	Use:           "run",
	Short:         "Run the configured schedule",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRun,
}

// flagKeys maps run flags onto config keys.
var flagKeys = map[string]string{
	"vus":            "vus",
	"seed":           "seed",
	"timeout":        "timeout",
	"graceful-stop":  "graceful_stop",
	"warn":           "budget.warn",
	"abort":          "budget.abort",
	"grace":          "budget.grace",
	"window":         "budget.window",
	"scope":          "budget.scope",
	"out":            "output.prefix",
	"no-history":     "output.no_history",
	"metrics-listen": "metrics.listen",
	"push-url":       "metrics.push_url",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArray("stage", nil, "Stage as DURATION:TARGET[:svc=rate,...], repeatable; replaces the configured schedule")
	f.Int("vus", 300, "Worker pool size")
	f.Int64("seed", 0, "Dispatch RNG seed (0 picks one from the clock)")
	f.Duration("timeout", 0, "Cap on a single probe invocation (0 keeps the per-request timeouts)")
	f.Duration("graceful-stop", 0, "How long in-flight iterations may finish after the last stage")
	f.Float64("warn", 0, "Failure rate that marks a scope degraded")
	f.Float64("abort", 0, "Failure rate that aborts a scope once held for the grace period")
	f.Duration("grace", 0, "How long the abort threshold must be breached before aborting")
	f.Int("window", 0, "Rolling window size in results (0 is cumulative)")
	f.String("scope", "", "Budget scope: global, service or both")
	f.Bool("exclusive", false, "Breach only strictly above the thresholds")
	f.StringP("out", "o", "", "Output filename prefix for the JSON, CSV and timeline reports")
	f.Bool("tui", false, "Show the live dashboard")
	f.String("metrics-listen", "", "Serve Prometheus metrics on this address")
	f.String("push-url", "", "Pushgateway URL")
	f.Bool("no-history", false, "Do not record the run in the local history")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.String("log-format", "", "Log format (console or json)")
}

func bindRunFlags(v *viper.Viper, f *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// loadRunConfig resolves flags, environment and file into a validated
// Config. Any error here is a configuration failure.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	v := viper.GetViper()
	f := cmd.Flags()
	if err := bindRunFlags(v, f); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	stages, _ := f.GetStringArray("stage")
	if len(stages) > 0 {
		cfg.Stages = cfg.Stages[:0]
		for _, s := range stages {
			sc, err := config.ParseStage(s)
			if err != nil {
				return nil, err
			}
			cfg.Stages = append(cfg.Stages, sc)
		}
	}
	if exclusive, _ := f.GetBool("exclusive"); exclusive {
		cfg.Budget.Inclusive = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}
	useTUI, _ := cmd.Flags().GetBool("tui")

	logFile := cfg.Log.File
	if useTUI && logFile == "" {
		logFile = "stackload.log"
		if cfg.Output.Prefix != "" {
			logFile = cfg.Output.Prefix + ".log"
		}
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logFile)
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}
	defer logger.Sync()

	sched, err := cfg.Schedule()
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}
	rcfg, err := cfg.RunnerConfig()
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}
	if rcfg.Seed == 0 {
		rcfg.Seed = time.Now().UnixNano()
	}
	// Workers use Seed+i; the template engine takes the value just below.
	client := probe.NewHTTPClient(cfg.ClientOptions())
	probes, err := cfg.Probes(sched, client, probe.NewSeededTemplateEngine(rcfg.Seed-1))
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}

	ctx, stop := signalContext()
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	rc := runner.NewRunContext(sched, probes, budget.New(cfg.Budget), logger)
	sink := metrics.New()
	rc.Metrics = sink
	if cfg.Metrics.Listen != "" {
		sink.Serve(ctx, cfg.Metrics.Listen, logger)
	}
	if cfg.Metrics.PushURL != "" {
		sink.EnablePush(cfg.Metrics.PushURL, cfg.Metrics.Job, rc.ID)
		go sink.PushEvery(runCtx, cfg.Metrics.PushInterval, logger)
	}

	updates := make(runner.StatsUpdateChan, 100)
	r := runner.NewRunner(rcfg, rc, updates, logger)

	var out *runner.Outcome
	if useTUI {
		out, err = runWithDashboard(runCtx, cancelRun, r, updates, rcfg.VUs)
	} else {
		cli.PrintHeader(os.Stdout, rc.ID, sched, rcfg.VUs)
		progressCtx, stopProgress := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			cli.Progress(progressCtx, os.Stderr, updates)
			close(done)
		}()
		out, err = r.Run(runCtx)
		stopProgress()
		<-done
	}
	if err != nil {
		return err
	}

	report := export.NewReport(out, sched, rcfg.VUs)
	if err := export.WriteText(os.Stdout, report); err != nil {
		return err
	}
	finish(ctx, cfg, sink, report, out, logger)

	if out.Aborted {
		return &exitError{code: ExitAborted, err: fmt.Errorf("run %s aborted: %s", out.ID, out.Reason)}
	}
	return nil
}

func runWithDashboard(ctx context.Context, cancel func(), r *runner.Runner, updates runner.StatsUpdateChan, vus int) (*runner.Outcome, error) {
	p := tea.NewProgram(tui.NewModel(updates, cancel), tea.WithAltScreen())

	var (
		out    *runner.Outcome
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, runErr = r.Run(ctx)
		if out != nil {
			p.Send(tui.DoneMsg{Report: export.NewReport(out, r.RC.Schedule, vus)})
		}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return out, fmt.Errorf("dashboard: %w", err)
	}
	// Quitting the dashboard early cancels the run; wait for its outcome.
	cancel()
	<-done
	return out, runErr
}

// finish writes the report files, the final metrics push and the history
// record. Failures here are logged; the run itself already happened.
func finish(ctx context.Context, cfg *config.Config, sink *metrics.Sink, report export.Report, out *runner.Outcome, logger *zap.Logger) {
	if cfg.Output.Prefix != "" {
		written, err := export.Files(cfg.Output.Prefix, report, out.Results)
		if err != nil {
			logger.Error("writing reports failed", zap.Error(err))
		} else {
			logger.Info("reports written", zap.Strings("files", written))
		}
	}

	if err := sink.Push(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("final metrics push failed", zap.Error(err))
	}

	if cfg.Output.NoHistory || cfg.Output.History == "" {
		return
	}
	store, err := storage.NewStore(cfg.Output.History)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer store.Close()
	if err := store.Save(storage.NewHistoryItem(report)); err != nil {
		logger.Warn("saving history failed", zap.Error(err))
	}
}
