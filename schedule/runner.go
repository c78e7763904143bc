package schedule

import (
	"context"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/engine"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/internal/stat"
	"github.com/coffeebreak/coldbrew/monitor"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/verify"
)

// Runnable kinds accepted by Runner.Run.
const (
	KindIncremental = "incremental"
	KindFull        = "full"
	KindVerify      = "verify"
	KindMonitor     = "monitor"
	KindCleanup     = "cleanup"
)

const bytesPerGB = int64(1) << 30

// Runner is the single-argument entry point invoked by the scheduler (and
// by host schedulers such as cron). Backup kinds pass through the admission
// gates first; verification and monitoring run ungated.
type Runner struct {
	cfg      config.Config
	engine   *engine.Engine
	verifier *verify.Engine
	monitor  *monitor.Engine
	notifier *notify.Notifier

	// overridable in tests
	loadAverage  func() (float64, error)
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewRunner wires the engines behind a Run(kind) entry point.
func NewRunner(cfg config.Config, eng *engine.Engine, verifier *verify.Engine, mon *monitor.Engine, notifier *notify.Notifier) *Runner {
	return &Runner{
		cfg:          cfg,
		engine:       eng,
		verifier:     verifier,
		monitor:      mon,
		notifier:     notifier,
		loadAverage:  stat.LoadAverage,
		pollInterval: time.Duration(cfg.Limits.LoadWaitPollSec) * time.Second,
		waitTimeout:  time.Duration(cfg.Limits.LoadWaitTimeoutMin) * time.Minute,
	}
}

// Run executes one kind of scheduled work. The returned error counts as one
// failure for CLI exit-code purposes; richer outcomes are in the logs and
// run records.
func (r *Runner) Run(ctx context.Context, kind string) error {
	switch kind {
	case KindIncremental, KindFull:
		return r.runBackup(ctx, kind)

	case KindVerify:
		report, err := r.verifier.Verify(ctx, 0)
		if err != nil {
			return err
		}

		if report.Failed() {
			return errors.Errorf("%v artifacts failed verification", len(report.Failures))
		}

		return nil

	case KindMonitor:
		_, err := r.monitor.Check(ctx)
		return err

	case KindCleanup:
		_, err := r.engine.Cleanup(ctx)
		return err

	default:
		return errors.Errorf("unknown run kind %q", kind)
	}
}

func (r *Runner) runBackup(ctx context.Context, kind string) error {
	if err := r.admit(ctx, kind); err != nil {
		return err
	}

	runKind := engine.RunIncremental
	if kind == KindFull {
		runKind = engine.RunFull
	}

	summary, err := r.engine.Run(ctx, runKind)
	if err != nil {
		return err
	}

	if summary.Status == engine.StatusFailed {
		return errors.Errorf("backup %v failed", summary.ID)
	}

	return nil
}

// admit applies the pre-flight gates: free space fails fast, high load is
// waited out up to a deadline. Gates alert when they skip a run. Manual CLI
// invocation goes straight to the engine and never passes through here.
func (r *Runner) admit(ctx context.Context, kind string) error {
	if err := r.checkFreeSpace(); err != nil {
		log(ctx).Warnf("skipping %v backup: %v", kind, err)
		r.notifier.Notify(ctx, notify.SeverityWarning, "Backup skipped", err.Error())

		return err
	}

	if err := r.waitForLoad(ctx); err != nil {
		log(ctx).Warnf("skipping %v backup: %v", kind, err)
		r.notifier.Notify(ctx, notify.SeverityWarning, "Backup skipped", err.Error())

		return err
	}

	return nil
}

func (r *Runner) checkFreeSpace() error {
	c, err := stat.GetCapacity(r.cfg.BackupDir)
	if err != nil {
		// let the engine's own preflight deal with a missing destination
		return nil //nolint:nilerr
	}

	minFree := int64(r.cfg.Limits.MinFreeSpaceGB) * bytesPerGB
	if int64(c.AvailableBytes) < minFree {
		return errors.Errorf("free space below minimum: %v bytes available, %v required", c.AvailableBytes, minFree)
	}

	return nil
}

// waitForLoad polls the load average until it drops below the threshold or
// the wait deadline passes.
func (r *Runner) waitForLoad(ctx context.Context) error {
	deadline := clock.Now().Add(r.waitTimeout)

	for {
		load, err := r.loadAverage()
		if err != nil {
			log(ctx).Warnf("unable to read load average: %v", err)
			return nil
		}

		if load <= r.cfg.Limits.MaxLoad {
			return nil
		}

		if !clock.Now().Before(deadline) {
			return errors.Errorf("system load %.2f stayed above %.2f for %v", load, r.cfg.Limits.MaxLoad, r.waitTimeout)
		}

		log(ctx).Infof("system load %.2f above %.2f, waiting %v", load, r.cfg.Limits.MaxLoad, r.pollInterval)

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "load wait aborted")

		case <-time.After(r.pollInterval):
		}
	}
}

// Jobs returns the cron-driven jobs for this runner's configuration.
// Expressions are validated at config load time, so parse errors here are
// programmer errors.
func (r *Runner) Jobs() ([]Job, error) {
	cadences := []struct {
		kind string
		expr string
	}{
		{KindIncremental, r.cfg.Schedule.Incremental},
		{KindFull, r.cfg.Schedule.Full},
		{KindVerify, r.cfg.Schedule.Verify},
		{KindMonitor, r.cfg.Schedule.Monitor},
	}

	jobs := make([]Job, 0, len(cadences))

	for _, c := range cadences {
		expr, err := cronexpr.Parse(c.expr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression for %v", c.kind)
		}

		jobs = append(jobs, Job{
			Name: c.kind,
			Expr: expr,
			Trigger: func(ctx context.Context) {
				if err := r.Run(ctx, c.kind); err != nil {
					log(ctx).Errorf("scheduled %v run failed: %v", c.kind, err)
				}
			},
		})
	}

	return jobs, nil
}
