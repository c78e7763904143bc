// Package recovery implements the disaster-recovery orchestrator: it
// selects artifacts, decodes them and drives the source restore paths in a
// fixed order, with confirmation gating and service stop/start around the
// restore window.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/codec"
	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/secrets"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
	"github.com/coffeebreak/coldbrew/store/localfs"
)

var log = logging.Module("recovery")

// ErrRecoveryInProgress is returned when a second recovery is attempted
// while one is active. Parallel recovery is never allowed.
var ErrRecoveryInProgress = errors.New("a recovery is already in progress")

// ErrNoArtifact is returned when selection matches nothing.
var ErrNoArtifact = errors.New("no matching artifact")

// SelectorLatest selects the most recent artifact per kind.
const SelectorLatest = "latest"

const sessionsDirName = "recoveries"

// Mode of a recovery session.
type Mode string

// Recovery modes.
const (
	// ModeInteractive requires explicit confirmation before any
	// destructive step.
	ModeInteractive Mode = "interactive"

	// ModeAutomatic proceeds unattended. Intended for scripted recovery
	// drills and the emergency path only.
	ModeAutomatic Mode = "automatic"
)

// SessionState is the terminal state of a recovery session.
type SessionState string

// Session states.
const (
	StateCompleted SessionState = "completed"
	StateAborted   SessionState = "aborted"
	StateFailed    SessionState = "failed"
)

// StepResult records one completed restore step.
type StepResult struct {
	Kind     source.Kind `json:"kind"`
	Artifact string      `json:"artifact"`

	Items []string `json:"items,omitempty"`

	// Relocated are the rollback markers: previous state moved aside,
	// never deleted.
	Relocated []string `json:"relocated,omitempty"`

	Failures []source.ItemFailure `json:"failures,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Session is the record of one recovery, persisted for audit.
type Session struct {
	ID       string `json:"id"`
	Mode     Mode   `json:"mode"`
	Selector string `json:"selector"`

	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Steps []StepResult `json:"steps,omitempty"`

	ServiceWarnings []string `json:"serviceWarnings,omitempty"`
	ProbeError      string   `json:"probeError,omitempty"`

	State SessionState `json:"state"`
}

// ServiceController stops and starts the dependent services around the
// restore window. Implemented by services.Manager.
type ServiceController interface {
	Stop(ctx context.Context)
	Start(ctx context.Context) (failedUnits []string)
	Probe(ctx context.Context) error
}

// Confirmer gates destructive steps in interactive mode.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt string) bool

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) bool {
	return f(ctx, prompt)
}

// ReferenceSet tracks artifacts in use by active recovery sessions so the
// retention sweep never deletes them mid-restore.
type ReferenceSet struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewReferenceSet returns an empty reference set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{refs: map[string]int{}}
}

// Protected reports whether the artifact is referenced by an active session.
func (r *ReferenceSet) Protected(kind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.refs[kind+"/"+name] > 0
}

func (r *ReferenceSet) add(kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs[kind+"/"+name]++
}

func (r *ReferenceSet) remove(kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := kind + "/" + name

	if r.refs[key]--; r.refs[key] <= 0 {
		delete(r.refs, key)
	}
}

// Options configures the orchestrator.
type Options struct {
	Config     config.Config
	Local      *localfs.Store
	Strategies []source.Strategy
	Secrets    secrets.Resolver
	Services   ServiceController
	Notifier   *notify.Notifier
	Confirmer  Confirmer
	Mode       Mode

	// References is shared with the backup engine's retention sweep.
	References *ReferenceSet
}

// Orchestrator drives recovery sessions. Only one session may run at a
// time.
type Orchestrator struct {
	cfg        config.Config
	local      *localfs.Store
	strategies map[source.Kind]source.Strategy
	secrets    secrets.Resolver
	services   ServiceController
	notifier   *notify.Notifier
	confirmer  Confirmer
	mode       Mode
	refs       *ReferenceSet

	mu   sync.Mutex
	busy bool
}

// New builds a recovery orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Local == nil {
		return nil, errors.New("local destination is required")
	}

	if opts.Mode == ModeInteractive && opts.Confirmer == nil {
		return nil, errors.New("interactive mode requires a confirmer")
	}

	if opts.Secrets == nil {
		opts.Secrets = secrets.NewResolver()
	}

	if opts.References == nil {
		opts.References = NewReferenceSet()
	}

	strategies := map[source.Kind]source.Strategy{}
	for _, s := range opts.Strategies {
		strategies[s.Kind()] = s
	}

	return &Orchestrator{
		cfg:        opts.Config,
		local:      opts.Local,
		strategies: strategies,
		secrets:    opts.Secrets,
		services:   opts.Services,
		notifier:   opts.Notifier,
		confirmer:  opts.Confirmer,
		mode:       opts.Mode,
		refs:       opts.References,
	}, nil
}

// References exposes the protected-artifact set for the retention sweep.
func (o *Orchestrator) References() *ReferenceSet {
	return o.refs
}

// List returns the restorable artifacts of one kind, newest first.
func (o *Orchestrator) List(ctx context.Context, kind source.Kind) ([]store.ArtifactRef, error) {
	return o.local.List(ctx, string(kind))
}

// RestoreKind recovers a single source kind from the selected artifact.
func (o *Orchestrator) RestoreKind(ctx context.Context, kind source.Kind, selector string) (*Session, error) {
	return o.run(ctx, []source.Kind{kind}, selector,
		fmt.Sprintf("This will restore %v from backup (%v) and OVERWRITE the existing state. Continue?", kind, selector))
}

// FullRestore recovers all sources in the fixed order configs, files,
// postgres, mongo: configuration must exist before files land in their
// configured locations, and database globals before individual databases.
func (o *Orchestrator) FullRestore(ctx context.Context, selector string) (*Session, error) {
	sess, err := o.run(ctx, source.AllKinds, selector,
		fmt.Sprintf("This will perform a FULL system recovery from backup (%v), OVERWRITING all existing state. Continue?", selector))
	if err != nil {
		return sess, err
	}

	if sess.State == StateCompleted {
		o.notifier.Notify(ctx, notify.SeverityInfo, "Full recovery completed",
			fmt.Sprintf("Full system recovery %v completed from selector %q.", sess.ID, selector))
	}

	return sess, nil
}

func (o *Orchestrator) acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy {
		return ErrRecoveryInProgress
	}

	o.busy = true

	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, kinds []source.Kind, selector, prompt string) (*Session, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	sess := &Session{
		ID:        uuid.NewString(),
		Mode:      o.mode,
		Selector:  selector,
		StartTime: clock.Now(),
	}

	log(ctx).Infof("starting recovery session %v (%v, selector %q)", sess.ID, o.mode, selector)

	// select everything up front so a bad selector aborts before any
	// destructive step
	selected, err := o.selectArtifacts(ctx, kinds, selector)
	if err != nil {
		return o.finalize(ctx, sess, StateFailed), err
	}

	for _, ref := range selected {
		o.refs.add(ref.Kind, ref.Name)
	}

	defer func() {
		for _, ref := range selected {
			o.refs.remove(ref.Kind, ref.Name)
		}
	}()

	if o.mode == ModeInteractive && !o.confirmer.Confirm(ctx, prompt) {
		log(ctx).Infof("recovery session %v aborted by operator", sess.ID)
		return o.finalize(ctx, sess, StateAborted), nil
	}

	if o.services != nil {
		o.services.Stop(ctx)
	}

	for _, ref := range selected {
		sess.Steps = append(sess.Steps, o.restoreStep(ctx, ref))
	}

	o.restartServices(ctx, sess)

	state := StateCompleted

	for _, step := range sess.Steps {
		if step.Error != "" || len(step.Failures) > 0 {
			state = StateFailed
			break
		}
	}

	if state == StateCompleted && sess.ProbeError != "" {
		state = StateFailed
	}

	return o.finalize(ctx, sess, state), nil
}

// selectArtifacts resolves the selector against every requested kind. A
// kind with no artifacts is an error for single-kind restore but tolerated
// during full recovery, where a source may never have produced a backup.
func (o *Orchestrator) selectArtifacts(ctx context.Context, kinds []source.Kind, selector string) ([]store.ArtifactRef, error) {
	var selected []store.ArtifactRef

	for _, kind := range kinds {
		ref, err := o.selectArtifact(ctx, kind, selector)
		if err != nil {
			if len(kinds) > 1 && errors.Is(err, ErrNoArtifact) {
				log(ctx).Warnf("no %v artifact matches %q, skipping in full recovery", kind, selector)
				continue
			}

			return nil, err
		}

		selected = append(selected, ref)
	}

	if len(selected) == 0 {
		return nil, ErrNoArtifact
	}

	return selected, nil
}

func (o *Orchestrator) selectArtifact(ctx context.Context, kind source.Kind, selector string) (store.ArtifactRef, error) {
	refs, err := o.local.List(ctx, string(kind))
	if err != nil {
		return store.ArtifactRef{}, err
	}

	if selector == "" || selector == SelectorLatest {
		if len(refs) == 0 {
			return store.ArtifactRef{}, errors.Wrapf(ErrNoArtifact, "no %v backups exist", kind)
		}

		return refs[0], nil
	}

	for _, ref := range refs {
		if ref.ID() == selector {
			return ref, nil
		}
	}

	return store.ArtifactRef{}, errors.Wrapf(ErrNoArtifact, "no %v backup with id %v", kind, selector)
}

func (o *Orchestrator) restoreStep(ctx context.Context, ref store.ArtifactRef) StepResult {
	step := StepResult{Kind: source.Kind(ref.Kind), Artifact: ref.Name}

	strat, ok := o.strategies[source.Kind(ref.Kind)]
	if !ok {
		step.Error = fmt.Sprintf("no strategy for source kind %v", ref.Kind)
		return step
	}

	staging, err := os.MkdirTemp("", "coldbrew-recovery-"+ref.Kind+"-")
	if err != nil {
		step.Error = err.Error()
		return step
	}

	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log(ctx).Warnf("unable to clean recovery staging %v: %v", staging, err)
		}
	}()

	if err := o.decode(ctx, ref, staging); err != nil {
		log(ctx).Errorf("unable to decode %v/%v: %v", ref.Kind, ref.Name, err)

		step.Error = err.Error()

		return step
	}

	res, err := strat.Restore(ctx, staging)
	if err != nil {
		step.Error = err.Error()
		return step
	}

	step.Items = res.Items
	step.Relocated = res.Relocated
	step.Failures = res.Failures

	log(ctx).Infof("restored %v from %v (%v items)", ref.Kind, ref.Name, len(res.Items))

	return step
}

func (o *Orchestrator) decode(ctx context.Context, ref store.ArtifactRef, staging string) error {
	opts := codec.DecodeOptions{}

	if meta, err := o.local.Metadata(ctx, ref.Kind, ref.Name); err == nil {
		opts.ExpectedChecksum = meta.Checksum
	} else {
		log(ctx).Warnf("no metadata for %v/%v, restoring without checksum verification", ref.Kind, ref.Name)
	}

	if strings.HasSuffix(ref.Name, codec.SuffixEncrypted) {
		pass, err := o.secrets.Resolve(o.cfg.Artifact.PassphraseRef)
		if err != nil {
			return errors.Wrap(err, "unable to resolve decryption passphrase")
		}

		opts.Passphrase = pass
	}

	return codec.Decode(ctx, o.local.LocalPath(ref.Kind, ref.Name), staging, opts)
}

func (o *Orchestrator) restartServices(ctx context.Context, sess *Session) {
	if o.services == nil {
		return
	}

	for _, unit := range o.services.Start(ctx) {
		sess.ServiceWarnings = append(sess.ServiceWarnings, "unable to start "+unit)
	}

	if err := o.services.Probe(ctx); err != nil {
		log(ctx).Errorf("post-recovery health probe failed: %v", err)
		sess.ProbeError = err.Error()
	}
}

func (o *Orchestrator) finalize(ctx context.Context, sess *Session, state SessionState) *Session {
	sess.State = state
	sess.EndTime = clock.Now()

	if err := o.persistSession(sess); err != nil {
		log(ctx).Warnf("unable to persist recovery session: %v", err)
	}

	if state == StateFailed {
		o.notifier.Notify(ctx, notify.SeverityCritical, "Recovery failed", describeSession(sess))
	}

	log(ctx).Infof("recovery session %v finished: %v", sess.ID, state)

	return sess
}

func (o *Orchestrator) persistSession(sess *Session) error {
	dir := filepath.Join(o.cfg.BackupDir, sessionsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrapf(err, "unable to create %v", dir)
	}

	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal session")
	}

	path := filepath.Join(dir, sess.ID+".json")

	return errors.Wrapf(atomic.WriteFile(path, bytes.NewReader(append(b, '\n'))), "unable to write %v", path)
}

func describeSession(sess *Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "recovery session %v (%v):\n", sess.ID, sess.Selector)

	for _, step := range sess.Steps {
		if step.Error != "" {
			fmt.Fprintf(&b, "%v: %v\n", step.Kind, step.Error)
		}

		for _, f := range step.Failures {
			fmt.Fprintf(&b, "%v/%v: %v\n", step.Kind, f.Item, f.Err)
		}
	}

	if sess.ProbeError != "" {
		fmt.Fprintf(&b, "health probe: %v\n", sess.ProbeError)
	}

	return b.String()
}
