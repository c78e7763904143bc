// Package store defines the storage abstraction for backup artifacts.
//
// The local filesystem destination is the system of record; remote
// destinations are best-effort mirrors of it. Remote failures are warnings
// unless a destination is configured as required.
package store

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when an artifact cannot be found in a destination.
var ErrNotFound = errors.New("artifact not found")

// IDFormat is the timestamp layout embedded in artifact names.
const IDFormat = "20060102_150405"

// MetaSuffix is appended to an artifact name to form its metadata sidecar.
const MetaSuffix = ".meta.json"

// TempPrefix marks in-progress artifact files. Listings never report them.
const TempPrefix = ".tmp-"

// ArtifactRef identifies one completed artifact within a destination.
type ArtifactRef struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ID returns the timestamp-derived identifier embedded in the artifact name.
func (r ArtifactRef) ID() string {
	if len(r.Name) < len(IDFormat) {
		return r.Name
	}

	return r.Name[:len(IDFormat)]
}

// Timestamp parses the name-embedded timestamp.
func (r ArtifactRef) Timestamp() (time.Time, error) {
	t, err := time.ParseInLocation(IDFormat, r.ID(), time.Local)

	return t, errors.Wrapf(err, "artifact %v has no parseable timestamp", r.Name)
}

// Metadata is the sidecar record stored alongside each artifact; checksum,
// size and flags live here rather than in the artifact name.
type Metadata struct {
	RunID      string    `json:"runID"`
	SourceKind string    `json:"sourceKind"`
	Checksum   string    `json:"checksum"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HealthState describes destination availability.
type HealthState string

// Health states.
const (
	HealthOK          HealthState = "ok"
	HealthDegraded    HealthState = "degraded"
	HealthUnavailable HealthState = "unavailable"
)

// Health is a capacity/availability snapshot of one destination.
type Health struct {
	State       HealthState `json:"state"`
	Detail      string      `json:"detail,omitempty"`
	UsedPercent float64     `json:"usedPercent,omitempty"`
}

// Destination is a storage location artifacts can be placed in and read from.
type Destination interface {
	// Put stores the artifact under <kind>/<name>, publishing it atomically.
	Put(ctx context.Context, kind, name string, data io.Reader, meta Metadata) error

	// Open returns the artifact contents.
	Open(ctx context.Context, kind, name string) (io.ReadCloser, error)

	// List returns completed artifacts of the given kind, newest first.
	// In-progress (temp-named) files and metadata sidecars are never reported.
	List(ctx context.Context, kind string) ([]ArtifactRef, error)

	// Delete removes the artifact and its metadata sidecar.
	Delete(ctx context.Context, kind, name string) error

	// Health reports a capacity/availability snapshot.
	Health(ctx context.Context) (Health, error)

	// DisplayName identifies the destination to humans.
	DisplayName() string

	Close() error
}

// SyncSource exposes the local system-of-record state to remote mirrors.
type SyncSource interface {
	// Root is the local destination root directory.
	Root() string

	// Objects lists all completed artifact files and sidecars as
	// slash-separated paths relative to Root.
	Objects(ctx context.Context) ([]SyncObject, error)

	// OpenObject opens one object by its relative path.
	OpenObject(ctx context.Context, relPath string) (io.ReadCloser, error)
}

// SyncObject is one local file eligible for mirroring.
type SyncObject struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// SyncFailure records a per-object mirroring failure.
type SyncFailure struct {
	Object string
	Err    string
}

// SyncResult summarizes one idempotent re-sync of a remote mirror.
type SyncResult struct {
	Uploaded int
	Deleted  int
	Failures []SyncFailure
}

// Failed reports whether any object failed to mirror.
func (r *SyncResult) Failed() bool {
	return len(r.Failures) > 0
}

// Remote is a mirror destination. Sync makes the remote match the local
// state exactly, including deletions, accumulating per-object failures
// instead of aborting.
type Remote interface {
	Sync(ctx context.Context, src SyncSource) (*SyncResult, error)
	Health(ctx context.Context) (Health, error)
	DisplayName() string

	// Required promotes sync failures from warnings to run failures.
	Required() bool

	Close() error
}

// SortNewestFirst orders refs by name-embedded timestamp, newest first.
func SortNewestFirst(refs []ArtifactRef) {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name > refs[j].Name
	})
}

// IsArtifactName reports whether a file name denotes a completed artifact
// (as opposed to a temp file or metadata sidecar).
func IsArtifactName(name string) bool {
	return !strings.HasPrefix(name, TempPrefix) && !strings.HasSuffix(name, MetaSuffix) && !strings.HasPrefix(name, ".")
}
