package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/internal/clock"
)

// ErrAlreadyRunning is returned when another backup process holds the lock.
var ErrAlreadyRunning = errors.New("another backup is already running")

const (
	lockFileName    = ".coldbrew.lock"
	lockSidecarName = ".coldbrew.lock.json"
)

// lockInfo is the sidecar written next to the flock file identifying the
// holder. The flock itself is authoritative; the sidecar exists for stuck
// detection and diagnostics.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is the process-wide backup mutual exclusion.
type Lock struct {
	fl          *flock.Flock
	sidecarPath string
}

// AcquireLock takes the backup lock, failing fast with ErrAlreadyRunning
// when it is held elsewhere. A sidecar left behind by a crashed owner is
// reclaimed with a warning; the kernel releases the flock itself on owner
// death, so reclaim never races a live process.
func AcquireLock(ctx context.Context, backupDir string) (*Lock, error) {
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "unable to create %v", backupDir)
	}

	fl := flock.New(filepath.Join(backupDir, lockFileName))

	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "unable to acquire backup lock")
	}

	sidecarPath := filepath.Join(backupDir, lockSidecarName)

	if !ok {
		if info, rerr := readLockInfo(sidecarPath); rerr == nil {
			log(ctx).Infof("backup lock held by pid %v since %v, skipping", info.PID, info.AcquiredAt.Format(time.RFC3339))
		}

		return nil, ErrAlreadyRunning
	}

	if info, rerr := readLockInfo(sidecarPath); rerr == nil && !pidAlive(info.PID) {
		log(ctx).Warnf("reclaiming stale backup lock from dead pid %v", info.PID)
	}

	if err := writeLockInfo(sidecarPath, lockInfo{PID: os.Getpid(), AcquiredAt: clock.Now()}); err != nil {
		fl.Unlock() //nolint:errcheck
		return nil, err
	}

	return &Lock{fl: fl, sidecarPath: sidecarPath}, nil
}

// Release drops the lock and removes the holder sidecar.
func (l *Lock) Release(ctx context.Context) {
	if err := os.Remove(l.sidecarPath); err != nil && !os.IsNotExist(err) {
		log(ctx).Warnf("unable to remove lock sidecar: %v", err)
	}

	if err := l.fl.Unlock(); err != nil {
		log(ctx).Warnf("unable to release backup lock: %v", err)
	}
}

// LockHeldSince reports whether the backup lock is currently held and, if
// so, since when. Used by the monitor's stuck-process check.
func LockHeldSince(backupDir string) (time.Time, bool, error) {
	fl := flock.New(filepath.Join(backupDir, lockFileName))

	ok, err := fl.TryLock()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, errors.Wrap(err, "unable to probe backup lock")
	}

	if ok {
		fl.Unlock() //nolint:errcheck
		return time.Time{}, false, nil
	}

	info, err := readLockInfo(filepath.Join(backupDir, lockSidecarName))
	if err != nil {
		return time.Time{}, true, nil //nolint:nilerr
	}

	return info.AcquiredAt, true, nil
}

func readLockInfo(path string) (lockInfo, error) {
	var info lockInfo

	b, err := os.ReadFile(path)
	if err != nil {
		return info, errors.Wrap(err, "unable to read lock sidecar")
	}

	return info, errors.Wrap(json.Unmarshal(b, &info), "malformed lock sidecar")
}

func writeLockInfo(path string, info lockInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "unable to marshal lock sidecar")
	}

	return errors.Wrap(os.WriteFile(path, b, 0o640), "unable to write lock sidecar")
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return p.Signal(syscall.Signal(0)) == nil
}
