// Package rsync implements a remote mirror driven by the rsync binary
// over SSH. It delegates the delta transfer entirely to rsync, which makes
// it the cheapest mirror for large artifact trees.
package rsync

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/store"
)

var log = logging.Module("store/rsync")

// Remote mirrors the local backup tree to a remote host via rsync.
type Remote struct {
	host     string
	port     int
	username string
	path     string
	keyFile  string
	required bool

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// New builds an rsync remote from its configuration.
func New(cfg config.RemoteConfig) (*Remote, error) {
	if _, err := exec.LookPath("rsync"); err != nil {
		return nil, errors.Wrap(err, "rsync binary not found")
	}

	return &Remote{
		host:       cfg.Host,
		port:       cfg.Port,
		username:   cfg.Username,
		path:       cfg.Path,
		keyFile:    cfg.KeyFile,
		required:   cfg.Required,
		runCommand: runCommand,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), err
}

// DisplayName implements store.Remote.
func (r *Remote) DisplayName() string {
	return "rsync " + r.host
}

// Required implements store.Remote.
func (r *Remote) Required() bool {
	return r.required
}

func (r *Remote) sshCommand() string {
	parts := []string{"ssh", "-o", "BatchMode=yes"}

	if r.port != 0 {
		parts = append(parts, "-p", fmt.Sprintf("%v", r.port))
	}

	if r.keyFile != "" {
		parts = append(parts, "-i", r.keyFile)
	}

	return strings.Join(parts, " ")
}

func (r *Remote) target() string {
	t := r.host + ":" + r.path
	if r.username != "" {
		t = r.username + "@" + t
	}

	return t
}

// Sync implements store.Remote. Deletion propagation is delegated to rsync.
// Dot-named entries (temp files, the staging directory, lock files) are
// in-flight state and never reach the mirror.
func (r *Remote) Sync(ctx context.Context, src store.SyncSource) (*store.SyncResult, error) {
	args := []string{
		"-az",
		"--delete",
		"--exclude", ".*",
		"--stats",
		"-e", r.sshCommand(),
		src.Root() + "/",
		r.target() + "/",
	}

	stdout, stderr, err := r.runCommand(ctx, "rsync", args...)
	if err != nil {
		return nil, errors.Wrapf(err, "rsync to %v failed: %v", r.target(), strings.TrimSpace(string(stderr)))
	}

	res := &store.SyncResult{
		Uploaded: parseStat(string(stdout), "Number of regular files transferred:"),
		Deleted:  parseStat(string(stdout), "Number of deleted files:"),
	}

	log(ctx).Debugf("synced to %v: %v uploaded, %v deleted", r.DisplayName(), res.Uploaded, res.Deleted)

	return res, nil
}

// parseStat extracts one counter from `rsync --stats` output, returning
// zero when the line is absent or unparseable.
func parseStat(out, label string) int {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, label) {
			continue
		}

		v := strings.TrimSpace(strings.TrimPrefix(line, label))

		// "Number of deleted files: 3 (reg: 3)"
		if i := strings.IndexByte(v, ' '); i >= 0 {
			v = v[:i]
		}

		var n int
		if _, err := fmt.Sscanf(strings.ReplaceAll(v, ",", ""), "%d", &n); err == nil {
			return n
		}
	}

	return 0
}

// Health implements store.Remote by running a no-op command on the remote
// host over the same SSH transport rsync will use.
func (r *Remote) Health(ctx context.Context) (store.Health, error) {
	args := []string{"-o", "BatchMode=yes"}

	if r.port != 0 {
		args = append(args, "-p", fmt.Sprintf("%v", r.port))
	}

	if r.keyFile != "" {
		args = append(args, "-i", r.keyFile)
	}

	dest := r.host
	if r.username != "" {
		dest = r.username + "@" + r.host
	}

	args = append(args, dest, "true")

	if _, stderr, err := r.runCommand(ctx, "ssh", args...); err != nil {
		return store.Health{
			State:  store.HealthUnavailable,
			Detail: strings.TrimSpace(string(stderr)),
		}, nil
	}

	return store.Health{State: store.HealthOK}, nil
}

// Close implements store.Remote.
func (r *Remote) Close() error {
	return nil
}

var _ store.Remote = (*Remote)(nil)
