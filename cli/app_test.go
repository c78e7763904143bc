package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/engine"
	"github.com/coffeebreak/coldbrew/recovery"
	"github.com/coffeebreak/coldbrew/source"
)

func TestReportRunExitCodes(t *testing.T) {
	cases := []struct {
		summary engine.RunSummary
		want    int
	}{
		{engine.RunSummary{ID: "20240101_020000", Status: engine.StatusSuccess}, 0},
		{engine.RunSummary{Status: engine.StatusSkipped}, 0},
		{
			engine.RunSummary{
				ID:     "20240101_020000",
				Status: engine.StatusPartial,
				Sources: []engine.SourceOutcome{
					{Kind: source.KindPostgres, Failures: []source.ItemFailure{{Item: "orders"}, {Item: "billing"}}},
				},
			},
			2,
		},
		{engine.RunSummary{ID: "20240101_020000", Status: engine.StatusFailed}, 1},
	}

	for _, tc := range cases {
		a := NewApp()
		a.stdout = &bytes.Buffer{}

		require.Equal(t, tc.want, a.reportRun(&tc.summary))
	}
}

func TestReportSessionCountsFailures(t *testing.T) {
	a := NewApp()
	out := &bytes.Buffer{}
	a.stdout = out

	sess := &recovery.Session{
		State: recovery.StateFailed,
		Steps: []recovery.StepResult{
			{Kind: source.KindPostgres, Error: "restore exploded"},
			{Kind: source.KindMongo, Failures: []source.ItemFailure{{Item: "events", Err: "mongorestore failed"}}},
		},
		ProbeError: "connection refused",
	}

	require.Equal(t, 3, a.reportSession(sess))
	require.Contains(t, out.String(), "restore exploded")
	require.Contains(t, out.String(), "connection refused")
}

func TestReportSessionAborted(t *testing.T) {
	a := NewApp()
	a.stdout = &bytes.Buffer{}

	require.Equal(t, 1, a.reportSession(&recovery.Session{State: recovery.StateAborted}))
}

func TestStdinConfirmer(t *testing.T) {
	ctx := context.Background()

	for input, want := range map[string]bool{
		"yes\n":  true,
		"YES\n":  true,
		" yes\n": true,
		"no\n":   false,
		"y\n":    false,
		"":       false,
	} {
		a := NewApp()
		a.stdout = &bytes.Buffer{}
		a.stdin = strings.NewReader(input)

		require.Equal(t, want, a.stdinConfirmer().Confirm(ctx, "Proceed?"), "input %q", input)
	}
}

func TestBuildStrategiesHonorsEnabledFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Sources.Mongo.Enabled = false
	cfg.Sources.Files.Enabled = false

	var kinds []source.Kind
	for _, s := range buildStrategies(cfg) {
		kinds = append(kinds, s.Kind())
	}

	require.Equal(t, []source.Kind{source.KindConfigs, source.KindPostgres}, kinds)
}

func TestBuildRemotesRejectsUnknownKind(t *testing.T) {
	d := &dependencies{}

	err := d.buildRemotes(config.Config{Remotes: []config.RemoteConfig{{Kind: "carrier-pigeon"}}})
	require.ErrorContains(t, err, "carrier-pigeon")
}

func TestParseRejectsUnknownBackupKind(t *testing.T) {
	a := NewApp()
	a.stdout = &bytes.Buffer{}

	_, err := a.app.Parse([]string{"backup", "hourly"})
	require.Error(t, err)
}
