package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/stats"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/summary"
)

// idleTick is how long the pacer sleeps while the target rate is zero.
const idleTick = 100 * time.Millisecond

// limitFor parks the limiter at a negligible rate for a zero target, since
// a zero limit never refills its burst.
func limitFor(target float64) rate.Limit {
	if target <= 0 {
		return rate.Every(time.Hour)
	}
	return rate.Limit(target)
}

type Runner struct {
	Cfg Config
	RC  *RunContext

	limiter *rate.Limiter
	logger  *zap.Logger

	// Event Channel
	Updates StatsUpdateChan
}

func NewRunner(cfg Config, rc *RunContext, updates StatsUpdateChan, logger *zap.Logger) *Runner {
	if updates == nil {
		// Avoid nil panics if not provided
		updates = make(StatsUpdateChan, 10)
	}
	return &Runner{
		Cfg:     cfg.withDefaults(),
		RC:      rc,
		logger:  logger,
		Updates: updates,
	}
}

// StartTickLoop starts a goroutine that pushes stats updates
func (r *Runner) StartTickLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendUpdate()
			}
		}
	}()
}

// Snapshot captures the live view of the run.
func (r *Runner) Snapshot() StatsSnapshot {
	rc := r.RC
	elapsed := time.Since(rc.started)
	stage, st := rc.Schedule.StageAt(elapsed)

	s := StatsSnapshot{
		Elapsed:    elapsed,
		Duration:   rc.Schedule.Total(),
		Stage:      stage,
		TargetRate: st.Target,
		Overall:    rc.Stats.Total.Snapshot(),
		Services:   make(map[probe.Kind]stats.Counters),
		Inflight:   rc.inflight.Load(),
		Idle:       atomic.LoadUint64(&rc.Stats.Idle),
		Skipped:    atomic.LoadUint64(&rc.Stats.Skipped),
		Dropped:    atomic.LoadUint64(&rc.Stats.Dropped),
		Budget:     rc.Budget.Snapshot(),
		Aborted:    rc.Aborted(),
	}
	for _, k := range rc.Schedule.Services() {
		s.Services[k] = rc.Stats.Service(k).Snapshot()
	}
	return s
}

func (r *Runner) sendUpdate() {
	s := r.Snapshot()
	if m := r.RC.Metrics; m != nil {
		m.SetTargetRate(s.TargetRate)
		m.SetBudget(s.Budget)
	}

	// Non-blocking send
	select {
	case r.Updates <- s:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

// Run drives the schedule to completion, a global abort or cancellation of
// ctx, whichever comes first. Probe failures never surface as an error.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	rc := r.RC
	total := rc.Schedule.Total()
	rc.started = time.Now()

	// stopCtx ends dispatch; reqCtx bounds in-flight probes.
	stopCtx, stop := context.WithTimeout(ctx, total)
	defer stop()
	reqCtx, cancelRequests := context.WithCancel(ctx)
	defer cancelRequests()

	rc.onAbort = func() {
		stop()
		cancelRequests()
	}
	rc.onDrained = stop

	go func() {
		<-stopCtx.Done()
		grace := time.NewTimer(r.Cfg.GracefulStop)
		defer grace.Stop()
		select {
		case <-grace.C:
		case <-reqCtx.Done():
		}
		cancelRequests()
	}()

	r.limiter = rate.NewLimiter(limitFor(rc.Schedule.RateAt(0)), 1)
	r.logger.Info("run started",
		zap.String("run_id", rc.ID),
		zap.Duration("duration", total),
		zap.Int("stages", rc.Schedule.Len()),
		zap.Int("vus", r.Cfg.VUs),
		zap.Int64("seed", r.Cfg.Seed),
	)

	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	r.StartTickLoop(tickCtx, r.Cfg.UpdateInterval)

	tickets := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < r.Cfg.VUs; i++ {
		rng := rand.New(rand.NewSource(r.Cfg.Seed + int64(i)))
		g.Go(func() error {
			return r.worker(stopCtx, reqCtx, tickets, rng)
		})
	}
	r.pace(stopCtx, tickets)
	err := g.Wait()
	stopTicks()
	r.sendUpdate()

	out := &Outcome{
		ID:          rc.ID,
		Started:     rc.started,
		Finished:    time.Now(),
		Aborted:     rc.Aborted(),
		Interrupted: ctx.Err() != nil,
		Reason:      rc.Reason(),
		Idle:        atomic.LoadUint64(&rc.Stats.Idle),
		Skipped:     atomic.LoadUint64(&rc.Stats.Skipped),
		Dropped:     atomic.LoadUint64(&rc.Stats.Dropped),
		Results:     rc.Results(),
	}
	out.Summary = summary.Build(out.Results, rc.Budget.Snapshot(), summary.Options{
		Services: rc.Schedule.Services(),
		P95:      r.Cfg.Thresholds,
	})

	r.logger.Info("run finished",
		zap.String("run_id", rc.ID),
		zap.Duration("elapsed", out.Finished.Sub(out.Started)),
		zap.Int64("iterations", out.Summary.Aggregate.Count),
		zap.Uint64("dropped", out.Dropped),
		zap.Bool("aborted", out.Aborted),
		zap.Bool("interrupted", out.Interrupted),
	)
	if err != nil {
		return out, fmt.Errorf("runner: %w", err)
	}
	return out, nil
}

// pace is the open-loop arrival clock. It releases one ticket per limiter
// slot at the scheduled rate and re-reads the schedule at least every
// PaceInterval, so a stage change takes effect without a backlog. A ticket
// no worker is free to take is dropped.
func (r *Runner) pace(ctx context.Context, tickets chan<- struct{}) {
	rc := r.RC
	for {
		if ctx.Err() != nil || rc.Aborted() {
			return
		}

		target := rc.Schedule.RateAt(time.Since(rc.started))
		if target <= 0 {
			if !sleepFor(ctx, idleTick) {
				return
			}
			continue
		}
		r.limiter.SetLimit(limitFor(target))

		res := r.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			if delay > r.Cfg.PaceInterval {
				res.Cancel()
				if !sleepFor(ctx, r.Cfg.PaceInterval) {
					return
				}
				continue
			}
			if !sleepFor(ctx, delay) {
				return
			}
			if rc.Schedule.RateAt(time.Since(rc.started)) <= 0 {
				continue
			}
		}

		select {
		case tickets <- struct{}{}:
		default:
			rc.Stats.AddDropped()
		}
	}
}

func (r *Runner) worker(stopCtx, reqCtx context.Context, tickets <-chan struct{}, rng *rand.Rand) error {
	rc := r.RC
	for {
		select {
		case <-stopCtx.Done():
			return nil
		case <-tickets:
		}
		if rc.Aborted() {
			return nil
		}

		stage, _ := rc.Schedule.StageAt(time.Since(rc.started))
		kind, ok := rc.Schedule.Table(stage).Pick(rng)
		if !ok {
			rc.Stats.AddIdle()
			continue
		}
		p, ok := rc.Probes[kind]
		if !ok || rc.ServiceAborted(kind) {
			rc.Stats.AddSkipped()
			continue
		}

		res := r.invoke(reqCtx, p, rng)
		if rc.Aborted() || reqCtx.Err() != nil {
			// interrupted by an abort or the end of the graceful stop
			return nil
		}
		rc.ingest(res)
	}
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) invoke(ctx context.Context, p probe.Probe, rng *rand.Rand) (res probe.Result) {
	r.RC.inflight.Add(1)
	defer r.RC.inflight.Add(-1)

	if r.Cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			now := time.Now()
			res = probe.Result{
				Service:   p.Kind(),
				Latency:   now.Sub(start),
				Timestamp: now,
				Failure:   probe.FailureTransport,
				Detail:    fmt.Sprintf("probe panicked: %v", v),
				Attempts:  1,
			}
		}
	}()
	return p.Invoke(ctx, rng)
}
