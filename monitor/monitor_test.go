package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/internal/testlogging"
	"github.com/coffeebreak/coldbrew/notify"
	"github.com/coffeebreak/coldbrew/source"
	"github.com/coffeebreak/coldbrew/store"
	"github.com/coffeebreak/coldbrew/store/localfs"
)

type captureSender struct {
	messages []notify.Message
}

func (c *captureSender) Send(ctx context.Context, msg notify.Message) error {
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSender) Summary() string { return "capture" }

func testEngine(t *testing.T, kinds []source.Kind) (*Engine, *localfs.Store, *captureSender) {
	t.Helper()

	cfg := config.Default()
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	// keep capacity findings out of tests regardless of the host's disk
	cfg.Limits.CapacityWarnPct = 101
	cfg.Limits.CapacityCritPct = 102

	local, err := localfs.New(cfg.BackupDir)
	require.NoError(t, err)

	sender := &captureSender{}
	e := NewEngine(cfg, local, nil, kinds, notify.NewNotifier(sender))
	e.lockHeldSince = func(string) (time.Time, bool, error) { return time.Time{}, false, nil }

	return e, local, sender
}

func putArtifact(t *testing.T, local *localfs.Store, kind string, ts time.Time, size int) {
	t.Helper()

	ctx := testlogging.Context(t)
	name := ts.Format(store.IDFormat) + ".tar.gz"

	require.NoError(t, local.Put(ctx, kind, name, strings.NewReader(strings.Repeat("x", size)), store.Metadata{SourceKind: kind}))
}

func findCategory(r *Report, category string) []Finding {
	var out []Finding

	for _, f := range r.Findings {
		if f.Category == category {
			out = append(out, f)
		}
	}

	return out
}

func TestFreshness(t *testing.T) {
	ctx := testlogging.Context(t)
	e, local, sender := testEngine(t, []source.Kind{source.KindPostgres})

	// no backups at all
	report, err := e.Check(ctx)
	require.NoError(t, err)
	require.Len(t, findCategory(report, "freshness"), 1)
	require.Equal(t, notify.SeverityCritical, report.Findings[0].Severity)
	require.Len(t, sender.messages, 1)

	// fresh backup, clean pass
	putArtifact(t, local, "postgres", clock.Now().Add(-2*time.Hour), 100)

	report, err = e.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, findCategory(report, "freshness"))

	// stale backup (default limit is 25h)
	e2, local2, _ := testEngine(t, []source.Kind{source.KindPostgres})
	putArtifact(t, local2, "postgres", clock.Now().Add(-26*time.Hour), 100)

	report, err = e2.Check(ctx)
	require.NoError(t, err)

	fresh := findCategory(report, "freshness")
	require.Len(t, fresh, 1)
	require.Equal(t, notify.SeverityCritical, fresh[0].Severity)
	require.Contains(t, fresh[0].Detail, "postgres")
}

// pinClock fixes clock.Now for the duration of the test.
func pinClock(t *testing.T, now time.Time) {
	t.Helper()

	prev := clock.Now
	clock.Now = func() time.Time { return now }
	t.Cleanup(func() { clock.Now = prev })
}

func TestSizeAnomalyBand(t *testing.T) {
	ctx := testlogging.Context(t)

	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.Local)
	pinClock(t, now)

	cases := []struct {
		desc          string
		yesterdaySize int
		todaySize     int
		wantAlert     bool
	}{
		{"shrunk to 0.4x", 1000, 400, true},
		{"grew to 1.3x", 1000, 1300, false},
		{"grew to 2.5x", 1000, 2500, true},
		{"exactly 0.5x", 1000, 500, false},
		{"unchanged", 1000, 1000, false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			e, local, _ := testEngine(t, []source.Kind{source.KindFiles})

			putArtifact(t, local, "files", now.AddDate(0, 0, -1), tc.yesterdaySize)
			putArtifact(t, local, "files", now.Add(-time.Hour), tc.todaySize)

			report, err := e.Check(ctx)
			require.NoError(t, err)

			anomalies := findCategory(report, "size")
			if tc.wantAlert {
				require.Len(t, anomalies, 1)
				require.Equal(t, notify.SeverityWarning, anomalies[0].Severity)
			} else {
				require.Empty(t, anomalies)
			}
		})
	}
}

func TestSizeAnomalyUsesDayTotals(t *testing.T) {
	ctx := testlogging.Context(t)

	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.Local)
	pinClock(t, now)

	// two runs today whose individual sizes differ 3x but whose total is
	// in line with yesterday's total across both kinds
	e, local, _ := testEngine(t, []source.Kind{source.KindFiles, source.KindPostgres})

	putArtifact(t, local, "files", now.AddDate(0, 0, -1), 800)
	putArtifact(t, local, "postgres", now.AddDate(0, 0, -1), 200)
	putArtifact(t, local, "files", now.Add(-10*time.Hour), 300)
	putArtifact(t, local, "files", now.Add(-time.Hour), 900)

	report, err := e.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, findCategory(report, "size"))
}

func TestSizeAnomalySkippedWithoutBothDays(t *testing.T) {
	ctx := testlogging.Context(t)

	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.Local)
	pinClock(t, now)

	// first day of operation: nothing to compare against
	e, local, _ := testEngine(t, []source.Kind{source.KindFiles})
	putArtifact(t, local, "files", now.Add(-time.Hour), 100)

	report, err := e.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, findCategory(report, "size"))
}

func TestStuckBackup(t *testing.T) {
	ctx := testlogging.Context(t)

	e, local, sender := testEngine(t, []source.Kind{source.KindConfigs})
	putArtifact(t, local, "configs", clock.Now().Add(-time.Hour), 100)

	// lock held for 5h exceeds the 4h default ceiling
	e.lockHeldSince = func(string) (time.Time, bool, error) {
		return clock.Now().Add(-5 * time.Hour), true, nil
	}

	report, err := e.Check(ctx)
	require.NoError(t, err)

	stuck := findCategory(report, "stuck")
	require.Len(t, stuck, 1)
	require.Equal(t, notify.SeverityCritical, stuck[0].Severity)

	require.Len(t, sender.messages, 1)
	require.Equal(t, notify.SeverityCritical, sender.messages[0].Severity)

	// lock held within the ceiling is fine
	e.lockHeldSince = func(string) (time.Time, bool, error) {
		return clock.Now().Add(-time.Hour), true, nil
	}

	report, err = e.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, findCategory(report, "stuck"))
}
