// Package codec encodes a captured data directory into a single
// transportable artifact and reverses the process.
//
// Encoding always produces a tar stream, optionally compressed with
// parallel gzip and then optionally sealed in an authenticated encryption
// envelope. Compression is applied strictly before encryption. Decode is
// the exact inverse and refuses to extract an artifact whose checksum does
// not match the expected value.
package codec

import (
	"context"
	"encoding/hex"
	"io"
	"os"

	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/coffeebreak/coldbrew/logging"
)

var log = logging.Module("codec")

// Artifact name suffixes.
const (
	SuffixArchive   = ".tar"
	SuffixCompress  = ".tar.gz"
	SuffixEncrypted = ".enc"
)

// Options controls Encode.
type Options struct {
	Compress bool
	Encrypt  bool

	// Passphrase is the already-resolved encryption passphrase. Required
	// when Encrypt is set; the codec never generates or stores it.
	Passphrase string
}

// Suffix returns the artifact file suffix for the given options.
func (o Options) Suffix() string {
	s := SuffixArchive
	if o.Compress {
		s = SuffixCompress
	}

	if o.Encrypt {
		s += SuffixEncrypted
	}

	return s
}

// Result describes one encoded artifact.
type Result struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
}

// DecodeOptions controls Decode.
type DecodeOptions struct {
	Passphrase string

	// ExpectedChecksum, when non-empty, must match the artifact before
	// any extraction happens.
	ExpectedChecksum string
}

// Encode captures srcDir into a single artifact file at artifactPath.
func Encode(ctx context.Context, srcDir, artifactPath string, opts Options) (*Result, error) {
	if opts.Encrypt && opts.Passphrase == "" {
		return nil, errors.New("encryption requested without a passphrase")
	}

	f, err := os.OpenFile(artifactPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create artifact")
	}
	defer f.Close() //nolint:errcheck

	var out io.Writer = f

	var finishers []func() error

	if opts.Encrypt {
		ew, err := newEnvelopeWriter(f, opts.Passphrase)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize encryption envelope")
		}

		out = ew

		finishers = append(finishers, ew.Close)
	}

	if opts.Compress {
		gz := pgzip.NewWriter(out)
		out = gz

		// compression closes before encryption so ciphertext wraps gzip
		finishers = append([]func() error{gz.Close}, finishers...)
	}

	if err := writeTar(out, srcDir); err != nil {
		return nil, errors.Wrap(err, "unable to archive source directory")
	}

	for _, fin := range finishers {
		if err := fin(); err != nil {
			return nil, errors.Wrap(err, "unable to finalize artifact")
		}
	}

	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to close artifact")
	}

	sum, size, err := checksumFile(artifactPath)
	if err != nil {
		return nil, err
	}

	return &Result{
		Path:       artifactPath,
		Size:       size,
		Checksum:   sum,
		Compressed: opts.Compress,
		Encrypted:  opts.Encrypt,
	}, nil
}

// Decode extracts the artifact at artifactPath into destDir.
func Decode(ctx context.Context, artifactPath, destDir string, opts DecodeOptions) error {
	if opts.ExpectedChecksum != "" {
		sum, _, err := checksumFile(artifactPath)
		if err != nil {
			return err
		}

		if sum != opts.ExpectedChecksum {
			return errors.Errorf("checksum mismatch for %v: got %v, expected %v", artifactPath, sum, opts.ExpectedChecksum)
		}
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return errors.Wrap(err, "unable to open artifact")
	}
	defer f.Close() //nolint:errcheck

	r, err := payloadReader(f, artifactPath, opts.Passphrase)
	if err != nil {
		return err
	}

	if err := extractTar(ctx, r, destDir); err != nil {
		return errors.Wrapf(err, "unable to extract %v", artifactPath)
	}

	return nil
}

// ListArchive returns the member names of an unencrypted artifact,
// verifying its structural integrity in the process.
func ListArchive(ctx context.Context, artifactPath string) ([]string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open artifact")
	}
	defer f.Close() //nolint:errcheck

	r, err := payloadReader(f, artifactPath, "")
	if err != nil {
		return nil, err
	}

	return listTar(r)
}

// payloadReader unwraps the envelope/compression layers based on the
// artifact name, returning a plain tar stream.
func payloadReader(f *os.File, name, passphrase string) (io.Reader, error) {
	var r io.Reader = f

	encrypted := hasSuffix(name, SuffixEncrypted)
	if encrypted {
		er, err := newEnvelopeReader(r, passphrase)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open encryption envelope")
		}

		r = er
		name = name[:len(name)-len(SuffixEncrypted)]
	}

	if hasSuffix(name, SuffixCompress) {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "invalid gzip stream")
		}

		r = gz
	}

	return r, nil
}

func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// ChecksumFile returns the hex blake3 checksum of an arbitrary file.
func ChecksumFile(path string) (string, error) {
	sum, _, err := checksumFile(path)
	return sum, err
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrap(err, "unable to open artifact for checksum")
	}
	defer f.Close() //nolint:errcheck

	h := blake3.New()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "unable to checksum artifact")
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
