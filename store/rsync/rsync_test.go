package rsync

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/internal/testlogging"
	"github.com/coffeebreak/coldbrew/store"
)

type fakeSource struct{ root string }

func (f fakeSource) Root() string { return f.root }
func (f fakeSource) Objects(ctx context.Context) ([]store.SyncObject, error) {
	return nil, nil
}

func (f fakeSource) OpenObject(ctx context.Context, relPath string) (io.ReadCloser, error) {
	return nil, store.ErrNotFound
}

const statsOutput = `
Number of files: 12 (reg: 8, dir: 4)
Number of created files: 2 (reg: 2)
Number of deleted files: 3 (reg: 3)
Number of regular files transferred: 2
Total file size: 1,234,567 bytes
`

func TestParseStat(t *testing.T) {
	require.Equal(t, 2, parseStat(statsOutput, "Number of regular files transferred:"))
	require.Equal(t, 3, parseStat(statsOutput, "Number of deleted files:"))
	require.Equal(t, 0, parseStat(statsOutput, "Number of nonexistent:"))
	require.Equal(t, 0, parseStat("", "Number of deleted files:"))
}

func TestSyncCommandLine(t *testing.T) {
	ctx := testlogging.Context(t)

	var gotName string

	var gotArgs []string

	r := &Remote{
		host:     "backup.example.com",
		port:     2222,
		username: "mirror",
		path:     "/srv/backups",
		keyFile:  "/etc/coldbrew/id_ed25519",
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			gotName = name
			gotArgs = args

			return []byte(statsOutput), nil, nil
		},
	}

	res, err := r.Sync(ctx, fakeSource{root: "/opt/coffeebreak/backups"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Uploaded)
	require.Equal(t, 3, res.Deleted)
	require.False(t, res.Failed())

	require.Equal(t, "rsync", gotName)
	require.Contains(t, gotArgs, "--delete")

	// in-flight state (staging dir, temp files, lock files) stays local
	require.Contains(t, gotArgs, "--exclude")
	require.Contains(t, gotArgs, ".*")
	require.Contains(t, gotArgs, "/opt/coffeebreak/backups/")
	require.Contains(t, gotArgs, "mirror@backup.example.com:/srv/backups/")
	require.Contains(t, gotArgs, "ssh -o BatchMode=yes -p 2222 -i /etc/coldbrew/id_ed25519")
}

func TestSyncFailure(t *testing.T) {
	ctx := testlogging.Context(t)

	r := &Remote{
		host: "backup.example.com",
		path: "/srv/backups",
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			return nil, []byte("rsync: connection unexpectedly closed"), errors.New("exit status 12")
		},
	}

	_, err := r.Sync(ctx, fakeSource{root: "/tmp/x"})
	require.ErrorContains(t, err, "connection unexpectedly closed")
}

func TestHealth(t *testing.T) {
	ctx := testlogging.Context(t)

	r := &Remote{
		host: "backup.example.com",
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			require.Equal(t, "ssh", name)
			return nil, nil, nil
		},
	}

	h, err := r.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, store.HealthOK, h.State)

	r.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return nil, []byte("Permission denied"), errors.New("exit status 255")
	}

	h, err = r.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, store.HealthUnavailable, h.State)
	require.Equal(t, "Permission denied", h.Detail)
}
