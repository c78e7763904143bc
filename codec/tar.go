package codec

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// writeTar archives the contents of srcDir into w using slash-separated
// paths relative to srcDir.
func writeTar(w io.Writer, srcDir string) error {
	tw := tar.NewWriter(w)

	err := filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %v", path)
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return errors.Wrapf(err, "relativizing %v", path)
		}

		if rel == "." {
			return nil
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return errors.Wrapf(err, "reading symlink %v", path)
			}
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return errors.Wrapf(err, "building header for %v", path)
		}

		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "writing header for %v", path)
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "opening %v", path)
		}
		defer f.Close() //nolint:errcheck

		if _, err := io.Copy(tw, f); err != nil {
			return errors.Wrapf(err, "archiving %v", path)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return errors.Wrap(tw.Close(), "finalizing archive")
}

// extractTar restores an archive produced by writeTar into destDir,
// rejecting entries that would escape it.
func extractTar(ctx context.Context, r io.Reader, destDir string) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "reading archive")
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil { //nolint:gosec
				return errors.Wrapf(err, "creating directory %v", target)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "creating parent of %v", target)
			}

			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrapf(err, "creating symlink %v", target)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "creating parent of %v", target)
			}

			if err := extractFile(tr, target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil { //nolint:gosec
				return err
			}

		default:
			log(ctx).Warnf("skipping unsupported archive entry %v (type %v)", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "creating %v", target)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck,gosec
		return errors.Wrapf(err, "extracting %v", target)
	}

	return errors.Wrapf(f.Close(), "closing %v", target)
}

// listTar walks all archive headers, verifying structural integrity.
func listTar(r io.Reader) ([]string, error) {
	tr := tar.NewReader(r)

	var names []string

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}

		if err != nil {
			return nil, errors.Wrap(err, "reading archive")
		}

		names = append(names, hdr.Name)
	}
}

func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", errors.Errorf("archive entry %q escapes destination", name)
	}

	return filepath.Join(destDir, cleaned), nil
}
