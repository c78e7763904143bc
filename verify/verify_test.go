package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/codec"
	"github.com/coffeebreak/coldbrew/internal/clock"
	"github.com/coffeebreak/coldbrew/internal/testlogging"
	"github.com/coffeebreak/coldbrew/notify"
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

func publishArtifact(t *testing.T, ctx context.Context, local *localfs.Store, kind string, opts codec.Options) string {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "data.txt"), []byte("payload for "+kind), 0o644))

	name := clock.Now().Format(store.IDFormat) + opts.Suffix()
	encodePath := filepath.Join(t.TempDir(), name)

	res, err := codec.Encode(ctx, src, encodePath, opts)
	require.NoError(t, err)

	require.NoError(t, local.Put(ctx, kind, name, mustOpen(t, encodePath), store.Metadata{
		SourceKind: kind,
		Checksum:   res.Checksum,
		Size:       res.Size,
		Compressed: res.Compressed,
		Encrypted:  res.Encrypted,
		CreatedAt:  clock.Now(),
	}))

	return name
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { f.Close() })

	return f
}

func TestVerifyAllPass(t *testing.T) {
	ctx := testlogging.Context(t)

	local, err := localfs.New(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)

	publishArtifact(t, ctx, local, "configs", codec.Options{Compress: true})
	publishArtifact(t, ctx, local, "files", codec.Options{Compress: true, Encrypt: true, Passphrase: "pw"})

	sender := &captureSender{}
	e := NewEngine(local, notify.NewNotifier(sender))

	report, err := e.Verify(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.False(t, report.Failed())
	require.Empty(t, sender.messages)
}

func TestVerifyDetectsCorruptionAndChecksSiblings(t *testing.T) {
	ctx := testlogging.Context(t)

	local, err := localfs.New(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)

	good := publishArtifact(t, ctx, local, "configs", codec.Options{Compress: true})
	bad := publishArtifact(t, ctx, local, "postgres", codec.Options{Compress: true})

	// corrupt the postgres artifact in place
	require.NoError(t, os.WriteFile(local.LocalPath("postgres", bad), []byte("garbage"), 0o640))

	sender := &captureSender{}
	e := NewEngine(local, notify.NewNotifier(sender))

	report, err := e.Verify(ctx, 0)
	require.NoError(t, err)

	// the sibling is still checked
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Failures, 1)
	require.Equal(t, bad, report.Failures[0].Name)
	require.Contains(t, report.Failures[0].Err, "checksum mismatch")

	require.Len(t, sender.messages, 1)
	require.Equal(t, notify.SeverityCritical, sender.messages[0].Severity)
	require.Contains(t, sender.messages[0].Body, "postgres/"+bad)
	require.NotContains(t, sender.messages[0].Body, "configs/"+good)
}

func TestArtifactEnvelopeCheck(t *testing.T) {
	ctx := testlogging.Context(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "x"), []byte("x"), 0o644))

	path := filepath.Join(t.TempDir(), "a"+codec.SuffixCompress+codec.SuffixEncrypted)
	res, err := codec.Encode(ctx, src, path, codec.Options{Compress: true, Encrypt: true, Passphrase: "pw"})
	require.NoError(t, err)

	require.NoError(t, Artifact(ctx, path, res.Checksum))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-4))

	// truncation breaks both checksum and envelope framing
	require.Error(t, Artifact(ctx, path, res.Checksum))
	require.Error(t, Artifact(ctx, path, ""))
}
