// Package source implements the capture strategies that extract live
// application state into a staging directory, and their inverses used
// during recovery.
//
// A strategy never archives or encrypts anything itself. It materializes
// plain files under the staging directory handed to it and the codec turns
// that directory into an artifact. Per-item failures (one database, one
// directory) are accumulated so a single bad item degrades the capture to
// partial instead of failing it outright.
package source

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Kind identifies one capture strategy. The set is closed; artifact
// directories on every destination are named after it.
type Kind string

// Supported source kinds, in recovery order.
const (
	KindConfigs  Kind = "configs"
	KindFiles    Kind = "files"
	KindPostgres Kind = "postgres"
	KindMongo    Kind = "mongo"
)

// AllKinds lists every supported kind in recovery order: configuration
// first, then files, then databases.
var AllKinds = []Kind{KindConfigs, KindFiles, KindPostgres, KindMongo}

// ParseKind validates a user-supplied kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", errors.Errorf("unknown source kind %q", s)
}

// ItemFailure records one failed item within an otherwise usable capture
// or restore.
type ItemFailure struct {
	Item string `json:"item"`
	Err  string `json:"err"`
}

// CaptureResult describes the outcome of one strategy capture.
type CaptureResult struct {
	Kind Kind `json:"kind"`

	// Items are the logical items captured (database names, directories,
	// volume names, config paths).
	Items []string `json:"items,omitempty"`

	// Skipped is set when the underlying service is not running. A skipped
	// capture is a warning, not a failure.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`

	Failures []ItemFailure `json:"failures,omitempty"`
}

// Failed reports whether any item failed.
func (r *CaptureResult) Failed() bool {
	return len(r.Failures) > 0
}

// RestoreResult describes the outcome of one strategy restore.
type RestoreResult struct {
	Kind  Kind     `json:"kind"`
	Items []string `json:"items,omitempty"`

	// Relocated lists paths whose previous contents were moved aside to
	// "<path>.backup.<timestamp>" before being overwritten.
	Relocated []string `json:"relocated,omitempty"`

	Failures []ItemFailure `json:"failures,omitempty"`
}

// Failed reports whether any item failed.
func (r *RestoreResult) Failed() bool {
	return len(r.Failures) > 0
}

// Strategy captures one class of application state and restores it.
type Strategy interface {
	Kind() Kind

	// Capture materializes the source's current state as plain files under
	// stagingDir.
	Capture(ctx context.Context, stagingDir string) (*CaptureResult, error)

	// Restore applies a previously captured staging directory back onto
	// the live system. Destructive; callers gate it behind confirmation.
	Restore(ctx context.Context, stagingDir string) (*RestoreResult, error)
}

// Runner executes an external command and returns its stdout and stderr.
// Strategies take a Runner so tests can intercept every invocation.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner returns the Runner used in production.
func ExecRunner() Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		var stdout, stderr bytes.Buffer

		cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()

		return stdout.Bytes(), stderr.Bytes(), err
	}
}

// commandError folds stderr into the error so failures carry the tool's
// own diagnostic.
func commandError(err error, stderr []byte, format string, args ...interface{}) error {
	msg := string(bytes.TrimSpace(stderr))
	if msg != "" {
		return errors.Wrapf(err, format+": %v", append(args, msg)...)
	}

	return errors.Wrapf(err, format, args...)
}
