package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/internal/testlogging"
)

// fakeRunner replays canned responses keyed by the joined command line and
// records every invocation.
type fakeRunner struct {
	t        *testing.T
	replies  map[string]reply
	commands []string
}

type reply struct {
	stdout string
	stderr string
	err    error
}

func newFakeRunner(t *testing.T, replies map[string]reply) *fakeRunner {
	t.Helper()
	return &fakeRunner{t: t, replies: replies}
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.commands = append(f.commands, cmdline)

	r, ok := f.replies[cmdline]
	if !ok {
		f.t.Fatalf("unexpected command: %v", cmdline)
	}

	return []byte(r.stdout), []byte(r.stderr), r.err
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := ParseKind("tapes")
	require.ErrorContains(t, err, "unknown source kind")
}

func TestPostgresCapture(t *testing.T) {
	ctx := testlogging.Context(t)
	staging := t.TempDir()

	fr := newFakeRunner(t, map[string]reply{
		"sudo -u postgres psql -t -A -c " + pgListDatabasesSQL: {stdout: "coffeebreak\norders\n"},
		"sudo -u postgres pg_dump coffeebreak":                 {stdout: "-- coffeebreak dump\n"},
		"sudo -u postgres pg_dump orders":                      {stderr: "connection reset", err: errors.New("exit status 1")},
		"sudo -u postgres pg_dumpall --globals-only":           {stdout: "-- globals\n"},
	})

	s := NewPostgres(config.PostgresConfig{Enabled: true, RunAsUser: "postgres"}, fr.run)
	require.Equal(t, KindPostgres, s.Kind())

	res, err := s.Capture(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, []string{"coffeebreak", "globals.sql"}, res.Items)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "orders", res.Failures[0].Item)
	require.Contains(t, res.Failures[0].Err, "connection reset")

	b, err := os.ReadFile(filepath.Join(staging, "coffeebreak.sql"))
	require.NoError(t, err)
	require.Equal(t, "-- coffeebreak dump\n", string(b))

	b, err = os.ReadFile(filepath.Join(staging, "globals.sql"))
	require.NoError(t, err)
	require.Equal(t, "-- globals\n", string(b))

	_, err = os.Stat(filepath.Join(staging, "orders.sql"))
	require.True(t, os.IsNotExist(err))
}

func TestPostgresCaptureSkipsWhenDown(t *testing.T) {
	ctx := testlogging.Context(t)

	fr := newFakeRunner(t, map[string]reply{
		"psql -t -A -c " + pgListDatabasesSQL: {stderr: "could not connect to server", err: errors.New("exit status 2")},
	})

	s := NewPostgres(config.PostgresConfig{Enabled: true}, fr.run)

	res, err := s.Capture(ctx, t.TempDir())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Contains(t, res.SkipReason, "could not connect")
	require.Empty(t, res.Items)
}

func TestPostgresRestore(t *testing.T) {
	ctx := testlogging.Context(t)
	staging := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(staging, "globals.sql"), []byte("-- globals"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "coffeebreak.sql"), []byte("-- dump"), 0o600))

	fr := newFakeRunner(t, map[string]reply{
		"psql -d postgres -f " + filepath.Join(staging, "globals.sql"):       {},
		"dropdb --if-exists coffeebreak":                                     {},
		"createdb coffeebreak":                                               {},
		"psql -d coffeebreak -f " + filepath.Join(staging, "coffeebreak.sql"): {},
	})

	s := NewPostgres(config.PostgresConfig{Enabled: true}, fr.run)

	res, err := s.Restore(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Equal(t, []string{"globals.sql", "coffeebreak"}, res.Items)

	// globals before drop/create/replay
	require.Equal(t, "psql -d postgres -f "+filepath.Join(staging, "globals.sql"), fr.commands[0])
	require.Equal(t, "dropdb --if-exists coffeebreak", fr.commands[1])
}

func TestMongoCaptureSkipsWhenDown(t *testing.T) {
	ctx := testlogging.Context(t)

	fr := newFakeRunner(t, map[string]reply{
		"pgrep mongod": {err: errors.New("exit status 1")},
	})

	s := NewMongo(config.MongoConfig{Enabled: true}, fr.run)
	require.Equal(t, KindMongo, s.Kind())

	res, err := s.Capture(ctx, t.TempDir())
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestMongoCapture(t *testing.T) {
	ctx := testlogging.Context(t)
	staging := t.TempDir()

	fr := newFakeRunner(t, map[string]reply{
		"pgrep mongod": {stdout: "4242\n"},
		"mongodump --out " + staging: {},
	})

	// simulate mongodump output layout
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "coffeebreak"), 0o755))

	s := NewMongo(config.MongoConfig{Enabled: true}, fr.run)

	res, err := s.Capture(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, []string{"coffeebreak"}, res.Items)
}

func TestMongoRestoreUsesDropAndURI(t *testing.T) {
	ctx := testlogging.Context(t)
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "coffeebreak"), 0o755))

	fr := newFakeRunner(t, map[string]reply{
		"mongorestore --uri mongodb://localhost:27017 --drop " + staging: {},
	})

	s := NewMongo(config.MongoConfig{Enabled: true, URI: "mongodb://localhost:27017"}, fr.run)

	res, err := s.Restore(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Equal(t, []string{"coffeebreak"}, res.Items)
}

func TestFilesCaptureAndRestore(t *testing.T) {
	ctx := testlogging.Context(t)

	root := t.TempDir()
	dataDir := filepath.Join(root, "opt", "app", "data")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sub", "b.txt"), []byte("beta"), 0o600))

	missingDir := filepath.Join(root, "opt", "app", "uploads")

	fr := newFakeRunner(t, nil) // volume filter empty, docker never invoked

	s := NewFiles(config.FilesConfig{Enabled: true, Dirs: []string{dataDir, missingDir}}, fr.run)
	require.Equal(t, KindFiles, s.Kind())

	staging := t.TempDir()

	res, err := s.Capture(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Equal(t, []string{dataDir}, res.Items)
	require.Empty(t, fr.commands)

	staged := stagingPath(staging, dataDir)
	b, err := os.ReadFile(filepath.Join(staged, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "beta", string(b))

	// mutate live dir, then restore
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.txt"), []byte("corrupted"), 0o644))

	rres, err := s.Restore(ctx, staging)
	require.NoError(t, err)
	require.False(t, rres.Failed())
	require.Equal(t, []string{dataDir}, rres.Items)
	require.Len(t, rres.Relocated, 1)
	require.True(t, strings.HasPrefix(rres.Relocated[0], dataDir+".backup."))

	b, err = os.ReadFile(filepath.Join(dataDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(b))

	// the corrupted copy survives at the relocated path
	b, err = os.ReadFile(filepath.Join(rres.Relocated[0], "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "corrupted", string(b))
}

func TestConfigsCaptureAndRestore(t *testing.T) {
	ctx := testlogging.Context(t)

	root := t.TempDir()
	cfgFile := filepath.Join(root, "etc", "app", "app.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgFile), 0o755))
	require.NoError(t, os.WriteFile(cfgFile, []byte("key=value"), 0o640))

	s := NewConfigs(config.ConfigFilesConfig{Enabled: true, Paths: []string{cfgFile, filepath.Join(root, "missing")}})
	require.Equal(t, KindConfigs, s.Kind())

	staging := t.TempDir()

	res, err := s.Capture(ctx, staging)
	require.NoError(t, err)
	require.False(t, res.Failed())
	require.Equal(t, []string{cfgFile}, res.Items)

	// mutate and restore
	require.NoError(t, os.WriteFile(cfgFile, []byte("key=wrong"), 0o640))

	rres, err := s.Restore(ctx, staging)
	require.NoError(t, err)
	require.False(t, rres.Failed())
	require.Equal(t, []string{cfgFile}, rres.Items)
	require.Len(t, rres.Relocated, 1)

	b, err := os.ReadFile(cfgFile)
	require.NoError(t, err)
	require.Equal(t, "key=value", string(b))
}

func TestStagingPathRoundTrip(t *testing.T) {
	staging := "/tmp/staging"

	p := stagingPath(staging, "/etc/nginx/sites-available/app")
	require.Equal(t, filepath.Join(staging, "etc", "nginx", "sites-available", "app"), p)

	back, err := systemPath(staging, p)
	require.NoError(t, err)
	require.Equal(t, "/etc/nginx/sites-available/app", back)
}

func TestCopyTreePreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "real"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("real", filepath.Join(src, "link")))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyTree(src, dst))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	require.Equal(t, "real", target)
}
