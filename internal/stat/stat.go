// Package stat probes filesystem capacity and system load for admission
// checks and capacity monitoring.
package stat

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FSCapacity describes the capacity of the filesystem holding a path.
type FSCapacity struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// UsedPercent returns used space as a percentage of total.
func (c FSCapacity) UsedPercent() float64 {
	if c.TotalBytes == 0 {
		return 0
	}

	return 100 * float64(c.TotalBytes-c.AvailableBytes) / float64(c.TotalBytes)
}

// GetCapacity returns capacity information for the filesystem holding the given path.
func GetCapacity(path string) (FSCapacity, error) {
	var s unix.Statfs_t

	if err := unix.Statfs(path, &s); err != nil {
		return FSCapacity{}, errors.Wrapf(err, "statfs %v", path)
	}

	return FSCapacity{
		TotalBytes:     uint64(s.Bsize) * s.Blocks, //nolint:gosec
		AvailableBytes: uint64(s.Bsize) * s.Bavail, //nolint:gosec
	}, nil
}

// loadavgPath allows tests to point at a fake /proc/loadavg.
var loadavgPath = "/proc/loadavg"

// LoadAverage returns the 1-minute system load average.
func LoadAverage() (float64, error) {
	b, err := os.ReadFile(loadavgPath)
	if err != nil {
		return 0, errors.Wrap(err, "reading loadavg")
	}

	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, errors.Errorf("malformed loadavg %q", string(b))
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed loadavg %q", fields[0])
	}

	return v, nil
}
