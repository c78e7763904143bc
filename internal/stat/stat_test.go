package stat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetCapacity(t *testing.T) {
	c, err := GetCapacity(t.TempDir())
	require.NoError(t, err)
	require.NotZero(t, c.TotalBytes)
	require.LessOrEqual(t, c.AvailableBytes, c.TotalBytes)
	require.GreaterOrEqual(t, c.UsedPercent(), 0.0)
	require.LessOrEqual(t, c.UsedPercent(), 100.0)
}

func TestLoadAverage(t *testing.T) {
	fake := filepath.Join(t.TempDir(), "loadavg")
	require.NoError(t, os.WriteFile(fake, []byte("1.42 0.77 0.60 2/617 12345\n"), 0o600))

	old := loadavgPath
	loadavgPath = fake

	t.Cleanup(func() { loadavgPath = old })

	v, err := LoadAverage()
	require.NoError(t, err)
	require.InDelta(t, 1.42, v, 0.0001)
}

func TestLoadAverageMalformed(t *testing.T) {
	fake := filepath.Join(t.TempDir(), "loadavg")
	require.NoError(t, os.WriteFile(fake, []byte("bogus\n"), 0o600))

	old := loadavgPath
	loadavgPath = fake

	t.Cleanup(func() { loadavgPath = old })

	_, err := LoadAverage()
	require.Error(t, err)
}
