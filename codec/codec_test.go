package codec

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coffeebreak/coldbrew/internal/testlogging"
)

func makeSourceDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	binary := make([]byte, 1<<20)
	_, err := io.ReadFull(rand.Reader, binary)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain.txt"), []byte("hello backup"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "blob.bin"), binary, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "deeper", "empty"), nil, 0o644))
	require.NoError(t, os.Symlink("plain.txt", filepath.Join(dir, "link")))

	return dir
}

func requireSameTree(t *testing.T, want, got string) {
	t.Helper()

	err := filepath.Walk(want, func(path string, fi os.FileInfo, err error) error {
		require.NoError(t, err)

		rel, err := filepath.Rel(want, path)
		require.NoError(t, err)

		target := filepath.Join(got, rel)

		gfi, err := os.Lstat(target)
		require.NoError(t, err, "missing %v", rel)

		switch {
		case fi.IsDir():
			require.True(t, gfi.IsDir())

		case fi.Mode()&os.ModeSymlink != 0:
			wl, _ := os.Readlink(path)
			gl, err := os.Readlink(target)
			require.NoError(t, err)
			require.Equal(t, wl, gl)

		default:
			wb, err := os.ReadFile(path)
			require.NoError(t, err)
			gb, err := os.ReadFile(target)
			require.NoError(t, err)
			require.Equal(t, wb, gb, "content mismatch for %v", rel)
			require.Equal(t, fi.Mode().Perm(), gfi.Mode().Perm(), "mode mismatch for %v", rel)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		desc string
		opts Options
	}{
		{"plain", Options{}},
		{"compressed", Options{Compress: true}},
		{"encrypted", Options{Encrypt: true, Passphrase: "s3cret"}},
		{"compressed-encrypted", Options{Compress: true, Encrypt: true, Passphrase: "s3cret"}},
	}

	ctx := testlogging.Context(t)

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			src := makeSourceDir(t)
			artifact := filepath.Join(t.TempDir(), "20240101_020000"+tc.opts.Suffix())

			res, err := Encode(ctx, src, artifact, tc.opts)
			require.NoError(t, err)
			require.Equal(t, artifact, res.Path)
			require.NotEmpty(t, res.Checksum)
			require.Positive(t, res.Size)

			dest := t.TempDir()
			require.NoError(t, Decode(ctx, artifact, dest, DecodeOptions{
				Passphrase:       tc.opts.Passphrase,
				ExpectedChecksum: res.Checksum,
			}))

			requireSameTree(t, src, dest)
		})
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	ctx := testlogging.Context(t)
	src := makeSourceDir(t)
	artifact := filepath.Join(t.TempDir(), "a"+SuffixCompress)

	_, err := Encode(ctx, src, artifact, Options{Compress: true})
	require.NoError(t, err)

	dest := t.TempDir()
	err = Decode(ctx, artifact, dest, DecodeOptions{ExpectedChecksum: "deadbeef"})
	require.ErrorContains(t, err, "checksum mismatch")

	// nothing extracted
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDecodeWrongPassphrase(t *testing.T) {
	ctx := testlogging.Context(t)
	src := makeSourceDir(t)
	artifact := filepath.Join(t.TempDir(), "a"+SuffixCompress+SuffixEncrypted)

	_, err := Encode(ctx, src, artifact, Options{Compress: true, Encrypt: true, Passphrase: "right"})
	require.NoError(t, err)

	err = Decode(ctx, artifact, t.TempDir(), DecodeOptions{Passphrase: "wrong"})
	require.Error(t, err)

	err = Decode(ctx, artifact, t.TempDir(), DecodeOptions{})
	require.ErrorContains(t, err, "no passphrase")
}

func TestEncodeRequiresPassphrase(t *testing.T) {
	_, err := Encode(testlogging.Context(t), t.TempDir(), filepath.Join(t.TempDir(), "x.enc"), Options{Encrypt: true})
	require.ErrorContains(t, err, "passphrase")
}

func TestListArchive(t *testing.T) {
	ctx := testlogging.Context(t)
	src := makeSourceDir(t)
	artifact := filepath.Join(t.TempDir(), "a"+SuffixCompress)

	_, err := Encode(ctx, src, artifact, Options{Compress: true})
	require.NoError(t, err)

	names, err := ListArchive(ctx, artifact)
	require.NoError(t, err)
	require.Contains(t, names, "plain.txt")
	require.Contains(t, names, "nested/blob.bin")
}

func TestListArchiveCorrupt(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "bad"+SuffixCompress)
	require.NoError(t, os.WriteFile(artifact, []byte("this is not gzip"), 0o600))

	_, err := ListArchive(testlogging.Context(t), artifact)
	require.Error(t, err)
}

func TestVerifyEnvelope(t *testing.T) {
	ctx := testlogging.Context(t)
	src := makeSourceDir(t)
	artifact := filepath.Join(t.TempDir(), "a"+SuffixCompress+SuffixEncrypted)

	_, err := Encode(ctx, src, artifact, Options{Compress: true, Encrypt: true, Passphrase: "pw"})
	require.NoError(t, err)

	require.NoError(t, VerifyEnvelope(artifact))

	// truncating the final chunk must be detected
	fi, err := os.Stat(artifact)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(artifact, fi.Size()-10))
	require.Error(t, VerifyEnvelope(artifact))

	// garbage is rejected outright
	bad := filepath.Join(t.TempDir(), "bad.enc")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not an envelope"), 0o600))
	require.Error(t, VerifyEnvelope(bad))
}

func TestDecodeRejectsEscapingEntries(t *testing.T) {
	_, err := safeJoin("/tmp/dest", "../evil")
	require.Error(t, err)

	_, err = safeJoin("/tmp/dest", "/abs/path")
	require.Error(t, err)

	p, err := safeJoin("/tmp/dest", "ok/file")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/dest", "ok", "file"), p)
}
