// Package verify implements structural integrity checking of completed
// backup artifacts. Verification is read-only: a failed artifact is
// reported, never mutated or quarantined.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/codec"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store/localfs"
)

var log = logging.Module("verify")

// DefaultWindow selects the artifacts produced since the last daily cycle.
const DefaultWindow = 24 * time.Hour

// Failure records one artifact that failed verification.
type Failure struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Err  string `json:"err"`
}

// Report summarizes one verification pass.
type Report struct {
	Checked  int       `json:"checked"`
	Failures []Failure `json:"failures,omitempty"`
}

// Failed reports whether any artifact failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

// Engine checks artifacts on the local destination.
type Engine struct {
	local    *localfs.Store
	notifier *notify.Notifier
}

// NewEngine returns a verification engine.
func NewEngine(local *localfs.Store, notifier *notify.Notifier) *Engine {
	return &Engine{local: local, notifier: notifier}
}

// Verify checks every artifact newer than the window across all source
// kinds. One bad artifact never stops its siblings from being checked.
func (e *Engine) Verify(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	cutoff := clock.Now().Add(-window)
	report := &Report{}

	for _, kind := range source.AllKinds {
		refs, err := e.local.List(ctx, string(kind))
		if err != nil {
			return nil, err
		}

		for _, ref := range refs {
			ts, err := ref.Timestamp()
			if err != nil || ts.Before(cutoff) {
				continue
			}

			report.Checked++

			if err := e.verifyOne(ctx, ref.Kind, ref.Name); err != nil {
				log(ctx).Errorf("artifact %v/%v failed verification: %v", ref.Kind, ref.Name, err)
				report.Failures = append(report.Failures, Failure{Kind: ref.Kind, Name: ref.Name, Err: err.Error()})

				continue
			}

			log(ctx).Debugf("artifact %v/%v verified", ref.Kind, ref.Name)
		}
	}

	if report.Failed() {
		e.notifier.Notify(ctx, notify.SeverityCritical, "Backup verification failed", describe(report))
	} else {
		log(ctx).Infof("verified %v artifacts, all passed", report.Checked)
	}

	return report, nil
}

func (e *Engine) verifyOne(ctx context.Context, kind, name string) error {
	path := e.local.LocalPath(kind, name)

	expected := ""
	if meta, err := e.local.Metadata(ctx, kind, name); err == nil {
		expected = meta.Checksum
	} else {
		log(ctx).Warnf("no metadata sidecar for %v/%v, skipping checksum cross-check", kind, name)
	}

	return Artifact(ctx, path, expected)
}

// Artifact performs the structural check of a single artifact file:
// checksum cross-check when an expected value is known, then either an
// envelope walk (encrypted artifacts, no passphrase needed) or a full
// archive listing.
func Artifact(ctx context.Context, path, expectedChecksum string) error {
	if expectedChecksum != "" {
		sum, err := codec.ChecksumFile(path)
		if err != nil {
			return err
		}

		if sum != expectedChecksum {
			return errors.Errorf("checksum mismatch: got %v, expected %v", sum, expectedChecksum)
		}
	}

	if strings.HasSuffix(path, codec.SuffixEncrypted) {
		return codec.VerifyEnvelope(path)
	}

	if _, err := codec.ListArchive(ctx, path); err != nil {
		return errors.Wrap(err, "archive walk failed")
	}

	return nil
}

func describe(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%v of %v artifacts failed verification:\n", len(r.Failures), r.Checked)

	for _, f := range r.Failures {
		fmt.Fprintf(&b, "%v/%v: %v\n", f.Kind, f.Name, f.Err)
	}

	return b.String()
}
