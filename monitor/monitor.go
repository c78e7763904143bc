// Package monitor implements the advisory health checks that run
// independently of backups: staleness, size anomalies, destination
// capacity and stuck backup processes. Findings alert; nothing here
// mutates state.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/engine"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
	"github.com/coffeebreak/coldbrew/store/localfs"
)

var log = logging.Module("monitor")

// Size-anomaly band. A today/yesterday total-bytes ratio outside this
// range is suspicious.
const (
	sizeRatioMin = 0.5
	sizeRatioMax = 2.0
)

var (
	metricBackupAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coldbrew_backup_age_seconds",
		Help: "Age of the most recent artifact per source kind.",
	}, []string{"source"})

	metricCapacityUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldbrew_destination_used_percent",
		Help: "Used capacity of the local destination.",
	})

	metricFindings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coldbrew_monitor_findings",
		Help: "Number of findings from the last monitoring pass, by severity.",
	}, []string{"severity"})
)

// Finding is one monitoring observation worth alerting on.
type Finding struct {
	Severity notify.Severity `json:"severity"`
	Category string          `json:"category"`
	Detail   string          `json:"detail"`
}

// Report is the outcome of one monitoring pass.
type Report struct {
	Findings []Finding `json:"findings,omitempty"`
}

// Healthy reports whether the pass produced no findings.
func (r *Report) Healthy() bool {
	return len(r.Findings) == 0
}

func (r *Report) add(severity notify.Severity, category, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{
		Severity: severity,
		Category: category,
		Detail:   fmt.Sprintf(format, args...),
	})
}

// Engine runs the monitoring checks.
type Engine struct {
	cfg      config.Config
	local    *localfs.Store
	remotes  []store.Remote
	kinds    []source.Kind
	notifier *notify.Notifier

	// lockHeldSince is swapped in tests.
	lockHeldSince func(backupDir string) (time.Time, bool, error)
}

// NewEngine returns a monitoring engine watching the given source kinds.
func NewEngine(cfg config.Config, local *localfs.Store, remotes []store.Remote, kinds []source.Kind, notifier *notify.Notifier) *Engine {
	return &Engine{
		cfg:           cfg,
		local:         local,
		remotes:       remotes,
		kinds:         kinds,
		notifier:      notifier,
		lockHeldSince: engine.LockHeldSince,
	}
}

// Check runs all monitoring checks and alerts on the combined findings.
func (e *Engine) Check(ctx context.Context) (*Report, error) {
	report := &Report{}

	for _, kind := range e.kinds {
		if err := e.checkFreshness(ctx, kind, report); err != nil {
			return nil, err
		}
	}

	if err := e.checkSizeAnomaly(ctx, report); err != nil {
		return nil, err
	}

	e.checkCapacity(ctx, report)
	e.checkStuck(ctx, report)

	warnings, criticals := 0, 0

	for _, f := range report.Findings {
		if f.Severity == notify.SeverityCritical {
			criticals++
		} else {
			warnings++
		}
	}

	metricFindings.WithLabelValues("warning").Set(float64(warnings))
	metricFindings.WithLabelValues("critical").Set(float64(criticals))

	if report.Healthy() {
		log(ctx).Infof("monitoring pass clean")
		return report, nil
	}

	severity := notify.SeverityWarning
	if criticals > 0 {
		severity = notify.SeverityCritical
	}

	e.notifier.Notify(ctx, severity, "Backup health check", describe(report))

	return report, nil
}

// checkFreshness verifies the newest artifact of one source kind is
// within the freshness window.
func (e *Engine) checkFreshness(ctx context.Context, kind source.Kind, report *Report) error {
	refs, err := e.local.List(ctx, string(kind))
	if err != nil {
		return err
	}

	maxAge := time.Duration(e.cfg.Limits.FreshnessHours) * time.Hour

	if len(refs) == 0 {
		report.add(notify.SeverityCritical, "freshness", "no %v backups exist", kind)
		return nil
	}

	ts, err := refs[0].Timestamp()
	if err != nil {
		report.add(notify.SeverityWarning, "freshness", "latest %v artifact %v has no parseable timestamp", kind, refs[0].Name)
		return nil
	}

	age := clock.Since(ts)
	metricBackupAge.WithLabelValues(string(kind)).Set(age.Seconds())

	if age > maxAge {
		report.add(notify.SeverityCritical, "freshness", "latest %v backup is %v old (limit %v)", kind, age.Round(time.Minute), maxAge)
	}

	return nil
}

// checkSizeAnomaly compares today's total backup bytes across all kinds
// against yesterday's total. Per-day totals absorb kinds that skipped a
// day and runs that happened more than once.
func (e *Engine) checkSizeAnomaly(ctx context.Context, report *Report) error {
	today := clock.Now()
	yesterday := today.AddDate(0, 0, -1)

	var todayBytes, yesterdayBytes int64

	for _, kind := range e.kinds {
		refs, err := e.local.List(ctx, string(kind))
		if err != nil {
			return err
		}

		for _, ref := range refs {
			ts, err := ref.Timestamp()
			if err != nil {
				continue
			}

			switch {
			case sameDay(ts, today):
				todayBytes += ref.Size

			case sameDay(ts, yesterday):
				yesterdayBytes += ref.Size
			}
		}
	}

	// without both days there is nothing to compare
	if todayBytes == 0 || yesterdayBytes == 0 {
		return nil
	}

	ratio := float64(todayBytes) / float64(yesterdayBytes)

	if ratio < sizeRatioMin || ratio > sizeRatioMax {
		report.add(notify.SeverityWarning, "size",
			"total backup size changed by %.1fx day over day (%v -> %v bytes)", ratio, yesterdayBytes, todayBytes)
	}

	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()

	return ay == by && am == bm && ad == bd
}

func (e *Engine) checkCapacity(ctx context.Context, report *Report) {
	h, err := e.local.Health(ctx)
	if err != nil {
		report.add(notify.SeverityWarning, "capacity", "unable to check local destination: %v", err)
		return
	}

	metricCapacityUsed.Set(h.UsedPercent)

	switch {
	case h.UsedPercent >= e.cfg.Limits.CapacityCritPct:
		report.add(notify.SeverityCritical, "capacity", "local destination %.0f%% full (critical at %.0f%%)", h.UsedPercent, e.cfg.Limits.CapacityCritPct)

	case h.UsedPercent >= e.cfg.Limits.CapacityWarnPct:
		report.add(notify.SeverityWarning, "capacity", "local destination %.0f%% full (warning at %.0f%%)", h.UsedPercent, e.cfg.Limits.CapacityWarnPct)
	}

	for _, r := range e.remotes {
		rh, err := r.Health(ctx)
		if err != nil || rh.State != store.HealthOK {
			detail := rh.Detail
			if err != nil {
				detail = err.Error()
			}

			report.add(notify.SeverityWarning, "capacity", "remote %v is %v: %v", r.DisplayName(), rh.State, detail)
		}
	}
}

func (e *Engine) checkStuck(ctx context.Context, report *Report) {
	since, held, err := e.lockHeldSince(e.cfg.BackupDir)
	if err != nil {
		report.add(notify.SeverityWarning, "stuck", "unable to probe backup lock: %v", err)
		return
	}

	if !held || since.IsZero() {
		return
	}

	ceiling := time.Duration(e.cfg.Limits.StuckProcessHours) * time.Hour

	if age := clock.Since(since); age > ceiling {
		report.add(notify.SeverityCritical, "stuck", "backup has been running for %v (ceiling %v)", age.Round(time.Minute), ceiling)
	}
}

func describe(r *Report) string {
	var b strings.Builder

	for _, f := range r.Findings {
		fmt.Fprintf(&b, "[%v] %v: %v\n", f.Severity, f.Category, f.Detail)
	}

	return b.String()
}
