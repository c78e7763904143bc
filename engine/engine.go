// Package engine implements the backup orchestrator: one Run captures
// every enabled source, encodes the results into artifacts, stores them
// locally, mirrors them to the configured remotes and finally applies
// retention.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/coffeebreak/coldbrew/codec"
	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/internal/stat"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/secrets"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
	"github.com/coffeebreak/coldbrew/store/localfs"
	"github.com/coffeebreak/coldbrew/verify"
)

var log = logging.Module("engine")

// RunKind labels a backup run. Both kinds capture the same sources; the
// kind drives scheduling cadence and appears in run records and alerts.
type RunKind string

// Supported run kinds.
const (
	RunIncremental RunKind = "incremental"
	RunFull        RunKind = "full"
)

// RunStatus is the overall outcome of one run.
type RunStatus string

// Run statuses.
const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
)

const (
	stagingDirName = ".staging"
	runsDirName    = "runs"

	bytesPerGB = int64(1) << 30
)

// SourceOutcome records what happened to one source within a run.
type SourceOutcome struct {
	Kind       source.Kind          `json:"kind"`
	Artifact   string               `json:"artifact,omitempty"`
	Size       int64                `json:"size,omitempty"`
	Checksum   string               `json:"checksum,omitempty"`
	Skipped    bool                 `json:"skipped,omitempty"`
	SkipReason string               `json:"skipReason,omitempty"`
	Failures   []source.ItemFailure `json:"failures,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// RunSummary is the immutable record of one backup run, persisted as
// runs/<id>.json beside the artifacts.
type RunSummary struct {
	ID        string    `json:"id"`
	Kind      RunKind   `json:"kind"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Sources []SourceOutcome `json:"sources,omitempty"`

	// RemoteFailures describe mirror syncs that did not fully succeed.
	RemoteFailures []string `json:"remoteFailures,omitempty"`

	Status RunStatus `json:"status"`
}

// FailedItems returns the names of all items that failed across sources.
func (s *RunSummary) FailedItems() []string {
	var items []string

	for _, so := range s.Sources {
		for _, f := range so.Failures {
			items = append(items, f.Item)
		}
	}

	return items
}

// Protector lets an active recovery session shield the artifacts it is
// using from the retention sweep.
type Protector interface {
	Protected(kind, name string) bool
}

// Options configures the engine.
type Options struct {
	Config     config.Config
	Local      *localfs.Store
	Remotes    []store.Remote
	Strategies []source.Strategy
	Secrets    secrets.Resolver
	Notifier   *notify.Notifier

	// Protect is optional.
	Protect Protector
}

// Engine orchestrates backup runs.
type Engine struct {
	cfg        config.Config
	local      *localfs.Store
	remotes    []store.Remote
	strategies []source.Strategy
	secrets    secrets.Resolver
	notifier   *notify.Notifier
	protect    Protector
}

// New builds an engine from its options.
func New(opts Options) (*Engine, error) {
	if opts.Local == nil {
		return nil, errors.New("local destination is required")
	}

	if opts.Secrets == nil {
		opts.Secrets = secrets.NewResolver()
	}

	return &Engine{
		cfg:        opts.Config,
		local:      opts.Local,
		remotes:    opts.Remotes,
		strategies: opts.Strategies,
		secrets:    opts.Secrets,
		notifier:   opts.Notifier,
		protect:    opts.Protect,
	}, nil
}

// Run executes one backup run. A run that cannot start because another is
// in flight returns a skipped summary and no error.
func (e *Engine) Run(ctx context.Context, kind RunKind) (*RunSummary, error) {
	summary := &RunSummary{
		ID:        clock.Now().Format(store.IDFormat),
		Kind:      kind,
		StartTime: clock.Now(),
	}

	lock, err := AcquireLock(ctx, e.cfg.BackupDir)
	if errors.Is(err, ErrAlreadyRunning) {
		log(ctx).Infof("skipping %v backup: %v", kind, err)

		summary.Status = StatusSkipped
		summary.EndTime = clock.Now()

		return summary, nil
	}

	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	log(ctx).Infof("starting %v backup %v", kind, summary.ID)

	if err := e.preflight(ctx); err != nil {
		return e.finalize(ctx, summary, StatusFailed, err.Error())
	}

	opts, err := e.encodeOptions()
	if err != nil {
		return e.finalize(ctx, summary, StatusFailed, err.Error())
	}

	stagingRoot := filepath.Join(e.cfg.BackupDir, stagingDirName, summary.ID)
	defer func() {
		if err := os.RemoveAll(filepath.Join(e.cfg.BackupDir, stagingDirName)); err != nil {
			log(ctx).Warnf("unable to clean staging area: %v", err)
		}
	}()

	summary.Sources = e.captureAll(ctx, summary.ID, stagingRoot, opts)

	requiredRemoteFailed := e.syncRemotes(ctx, summary)

	e.verifyArtifacts(ctx, summary)

	status := summaryStatus(summary, requiredRemoteFailed)

	if status != StatusFailed {
		res, err := e.sweep(ctx)

		switch {
		case err != nil:
			log(ctx).Errorf("retention sweep failed: %v", err)

		case len(res.Deleted) > 0:
			// propagate the deletions to the mirrors now instead of
			// leaving expired artifacts remote until the next run
			if e.syncRemotes(ctx, &RunSummary{}) {
				log(ctx).Warnf("a required remote failed to mirror the retention sweep")
			}
		}
	}

	return e.finalize(ctx, summary, status, "")
}

func (e *Engine) preflight(ctx context.Context) error {
	c, err := stat.GetCapacity(e.cfg.BackupDir)
	if err != nil {
		// destination may not exist yet on first run
		log(ctx).Warnf("unable to determine free space for %v: %v", e.cfg.BackupDir, err)
		return nil
	}

	minFree := int64(e.cfg.Limits.MinFreeSpaceGB) * bytesPerGB
	if int64(c.AvailableBytes) < minFree {
		return errors.Errorf("insufficient free space: %v bytes available, %v required", c.AvailableBytes, minFree)
	}

	return nil
}

func (e *Engine) encodeOptions() (codec.Options, error) {
	opts := codec.Options{Compress: e.cfg.Artifact.Compression, Encrypt: e.cfg.Artifact.Encryption}

	if opts.Encrypt {
		pass, err := e.secrets.Resolve(e.cfg.Artifact.PassphraseRef)
		if err != nil {
			return codec.Options{}, errors.Wrap(err, "unable to resolve encryption passphrase")
		}

		opts.Passphrase = pass
	}

	return opts, nil
}

// captureAll runs every strategy pipeline concurrently. Within one
// pipeline, encode waits for capture and store waits for encode.
func (e *Engine) captureAll(ctx context.Context, runID, stagingRoot string, opts codec.Options) []SourceOutcome {
	outcomes := make([]SourceOutcome, len(e.strategies))

	g, gctx := errgroup.WithContext(ctx)

	for i, strat := range e.strategies {
		i, strat := i, strat

		g.Go(func() error {
			outcomes[i] = e.captureOne(gctx, runID, stagingRoot, strat, opts)
			return nil
		})
	}

	g.Wait() //nolint:errcheck

	return outcomes
}

func (e *Engine) captureOne(ctx context.Context, runID, stagingRoot string, strat source.Strategy, opts codec.Options) SourceOutcome {
	out := SourceOutcome{Kind: strat.Kind()}

	staging := filepath.Join(stagingRoot, string(strat.Kind()))
	if err := os.MkdirAll(staging, 0o750); err != nil {
		out.Error = err.Error()
		return out
	}

	capRes, err := strat.Capture(ctx, staging)
	if err != nil {
		log(ctx).Errorf("capture of %v failed: %v", strat.Kind(), err)

		out.Error = err.Error()

		return out
	}

	out.Failures = capRes.Failures

	if capRes.Skipped {
		out.Skipped = true
		out.SkipReason = capRes.SkipReason

		return out
	}

	if len(capRes.Items) == 0 {
		log(ctx).Infof("nothing captured for %v, skipping artifact", strat.Kind())

		out.Skipped = true
		out.SkipReason = "nothing to capture"

		return out
	}

	artifactName := runID + opts.Suffix()
	encodePath := filepath.Join(stagingRoot, string(strat.Kind())+artifactName)

	encRes, err := codec.Encode(ctx, staging, encodePath, opts)
	if err != nil {
		log(ctx).Errorf("encode of %v failed: %v", strat.Kind(), err)

		out.Error = err.Error()

		return out
	}

	meta := store.Metadata{
		RunID:      runID,
		SourceKind: string(strat.Kind()),
		Checksum:   encRes.Checksum,
		Size:       encRes.Size,
		Compressed: encRes.Compressed,
		Encrypted:  encRes.Encrypted,
		CreatedAt:  clock.Now(),
	}

	if err := e.local.PublishFile(ctx, string(strat.Kind()), artifactName, encodePath, meta); err != nil {
		log(ctx).Errorf("store of %v failed: %v", strat.Kind(), err)

		out.Error = err.Error()

		return out
	}

	out.Artifact = artifactName
	out.Size = encRes.Size
	out.Checksum = encRes.Checksum

	metricArtifactBytes.WithLabelValues(string(strat.Kind())).Set(float64(encRes.Size))

	log(ctx).Infof("stored %v artifact %v (%v bytes)", strat.Kind(), artifactName, encRes.Size)

	return out
}

// syncRemotes mirrors the local tree to every remote, returning whether a
// required remote failed.
func (e *Engine) syncRemotes(ctx context.Context, summary *RunSummary) bool {
	requiredFailed := false

	for _, r := range e.remotes {
		res, err := r.Sync(ctx, e.local)

		switch {
		case err != nil:
			metricRemoteSyncFailures.WithLabelValues(r.DisplayName()).Inc()
			summary.RemoteFailures = append(summary.RemoteFailures, fmt.Sprintf("%v: %v", r.DisplayName(), err))

			if r.Required() {
				requiredFailed = true
			}

		case res.Failed():
			metricRemoteSyncFailures.WithLabelValues(r.DisplayName()).Inc()
			summary.RemoteFailures = append(summary.RemoteFailures,
				fmt.Sprintf("%v: %v of %v objects failed", r.DisplayName(), len(res.Failures), res.Uploaded+len(res.Failures)))

			if r.Required() {
				requiredFailed = true
			}
		}
	}

	return requiredFailed
}

// verifyArtifacts performs the post-store structural check on every
// artifact this run produced.
func (e *Engine) verifyArtifacts(ctx context.Context, summary *RunSummary) {
	for i := range summary.Sources {
		so := &summary.Sources[i]
		if so.Artifact == "" {
			continue
		}

		path := e.local.LocalPath(string(so.Kind), so.Artifact)

		if err := verify.Artifact(ctx, path, so.Checksum); err != nil {
			log(ctx).Errorf("verification of %v failed: %v", so.Artifact, err)

			so.Error = err.Error()
		}
	}
}

func summaryStatus(summary *RunSummary, requiredRemoteFailed bool) RunStatus {
	if requiredRemoteFailed {
		return StatusFailed
	}

	anyStored := false
	anyPartial := len(summary.RemoteFailures) > 0

	for _, so := range summary.Sources {
		switch {
		case so.Error != "":
			return StatusFailed

		case so.Artifact != "":
			anyStored = true
		}

		if len(so.Failures) > 0 {
			anyPartial = true
		}
	}

	if !anyStored {
		return StatusFailed
	}

	if anyPartial {
		return StatusPartial
	}

	return StatusSuccess
}

func (e *Engine) finalize(ctx context.Context, summary *RunSummary, status RunStatus, reason string) (*RunSummary, error) {
	summary.Status = status
	summary.EndTime = clock.Now()

	metricRunCount.WithLabelValues(string(summary.Kind), string(status)).Inc()
	metricRunDuration.WithLabelValues(string(summary.Kind)).Observe(summary.EndTime.Sub(summary.StartTime).Seconds())

	if err := e.persistSummary(summary); err != nil {
		log(ctx).Errorf("unable to persist run summary: %v", err)
	}

	switch status {
	case StatusFailed:
		body := reason
		if body == "" {
			body = describeFailures(summary)
		}

		log(ctx).Errorf("%v backup %v failed: %v", summary.Kind, summary.ID, body)
		e.notifier.Notify(ctx, notify.SeverityCritical, fmt.Sprintf("Backup failed (%v)", summary.Kind), body)

	case StatusPartial:
		log(ctx).Warnf("%v backup %v completed with failures: %v", summary.Kind, summary.ID, describeFailures(summary))
		e.notifier.Notify(ctx, notify.SeverityWarning, fmt.Sprintf("Backup partially failed (%v)", summary.Kind), describeFailures(summary))

	default:
		log(ctx).Infof("%v backup %v completed successfully", summary.Kind, summary.ID)
	}

	return summary, nil
}

func describeFailures(summary *RunSummary) string {
	var buf bytes.Buffer

	for _, so := range summary.Sources {
		if so.Error != "" {
			fmt.Fprintf(&buf, "%v: %v\n", so.Kind, so.Error)
		}

		for _, f := range so.Failures {
			fmt.Fprintf(&buf, "%v/%v: %v\n", so.Kind, f.Item, f.Err)
		}
	}

	for _, rf := range summary.RemoteFailures {
		fmt.Fprintf(&buf, "remote %v\n", rf)
	}

	return buf.String()
}

func (e *Engine) persistSummary(summary *RunSummary) error {
	dir := filepath.Join(e.cfg.BackupDir, runsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrapf(err, "unable to create %v", dir)
	}

	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal run summary")
	}

	path := filepath.Join(dir, summary.ID+".json")

	return errors.Wrapf(atomic.WriteFile(path, bytes.NewReader(append(b, '\n'))), "unable to write %v", path)
}

// LoadSummary reads a persisted run summary by id.
func (e *Engine) LoadSummary(id string) (*RunSummary, error) {
	b, err := os.ReadFile(filepath.Join(e.cfg.BackupDir, runsDirName, id+".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read run summary %v", id)
	}

	var s RunSummary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "malformed run summary %v", id)
	}

	return &s, nil
}
