package source

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/internal/clock"
)

const relocationLayout = "20060102_150405"

// stagingPath maps an absolute system path to its location inside a staging
// directory, preserving the full relative path so restore is unambiguous.
func stagingPath(stagingDir, abs string) string {
	return filepath.Join(stagingDir, strings.TrimPrefix(filepath.Clean(abs), string(filepath.Separator)))
}

// systemPath is the inverse of stagingPath.
func systemPath(stagingDir, staged string) (string, error) {
	rel, err := filepath.Rel(stagingDir, staged)
	if err != nil {
		return "", errors.Wrapf(err, "staged path %v is outside %v", staged, stagingDir)
	}

	return string(filepath.Separator) + rel, nil
}

// copyTree copies a file or directory tree, preserving modes and symlinks.
func copyTree(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %v", src)
	}

	switch {
	case fi.IsDir():
		if err := os.MkdirAll(dst, fi.Mode().Perm()); err != nil {
			return errors.Wrapf(err, "unable to create %v", dst)
		}

		entries, err := os.ReadDir(src)
		if err != nil {
			return errors.Wrapf(err, "unable to read %v", src)
		}

		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}

		return nil

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return errors.Wrapf(err, "unable to read link %v", src)
		}

		return errors.Wrapf(os.Symlink(target, dst), "unable to create link %v", dst)

	case fi.Mode().IsRegular():
		return copyFile(src, dst, fi.Mode().Perm())

	default:
		// sockets, devices and FIFOs are not backed up
		return nil
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %v", filepath.Dir(dst))
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "unable to open %v", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "unable to create %v", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return errors.Wrapf(err, "unable to copy %v", src)
	}

	return errors.Wrapf(out.Close(), "unable to close %v", dst)
}

// relocate moves an existing path aside to "<path>.backup.<timestamp>" and
// returns the new location. A missing path relocates to "".
func relocate(path string) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", errors.Wrapf(err, "unable to stat %v", path)
	}

	moved := path + ".backup." + clock.Now().Format(relocationLayout)

	if err := os.Rename(path, moved); err != nil {
		return "", errors.Wrapf(err, "unable to move %v aside", path)
	}

	return moved, nil
}

// restorePath relocates the current contents of dst, then copies the staged
// tree into place.
func restorePath(staged, dst string) (relocated string, err error) {
	relocated, err = relocate(dst)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return relocated, errors.Wrapf(err, "unable to create %v", filepath.Dir(dst))
	}

	return relocated, copyTree(staged, dst)
}
