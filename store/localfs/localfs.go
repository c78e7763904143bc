// Package localfs implements the local filesystem destination, the
// system of record for all backup artifacts.
package localfs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/internal/stat"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/store"
)

var log = logging.Module("store/localfs")

const (
	dirMode  = os.FileMode(0o750)
	fileMode = os.FileMode(0o640)

	tempSuffixLen = 8
)

// Store is the local destination rooted at a directory.
type Store struct {
	root string
}

// New returns a local destination rooted at the given directory, creating it
// if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, errors.Wrapf(err, "unable to create backup directory %v", root)
	}

	return &Store{root: root}, nil
}

// Root implements store.SyncSource.
func (s *Store) Root() string {
	return s.root
}

// DisplayName implements store.Destination.
func (s *Store) DisplayName() string {
	return "local " + s.root
}

// Put implements store.Destination. The artifact is first written under a
// temp name and renamed into place only when fully written, so concurrent
// readers never observe partial artifacts.
func (s *Store) Put(ctx context.Context, kind, name string, data io.Reader, meta store.Metadata) error {
	dir := filepath.Join(s.root, kind)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "unable to create %v", dir)
	}

	tempName := store.TempPrefix + name + "-" + randomSuffix()
	tempPath := filepath.Join(dir, tempName)

	if err := writeFile(tempPath, data); err != nil {
		os.Remove(tempPath) //nolint:errcheck,gosec
		return errors.Wrapf(err, "unable to write %v", tempPath)
	}

	if err := s.writeMetadata(filepath.Join(dir, name+store.MetaSuffix), meta); err != nil {
		os.Remove(tempPath) //nolint:errcheck,gosec
		return err
	}

	if err := os.Rename(tempPath, filepath.Join(dir, name)); err != nil {
		return errors.Wrapf(err, "unable to publish %v", name)
	}

	log(ctx).Debugf("stored %v/%v", kind, name)

	return nil
}

// PublishFile moves an already-encoded artifact file into the destination,
// writing its metadata sidecar first. The source file must reside on the
// same filesystem.
func (s *Store) PublishFile(ctx context.Context, kind, name, srcPath string, meta store.Metadata) error {
	dir := filepath.Join(s.root, kind)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "unable to create %v", dir)
	}

	if err := s.writeMetadata(filepath.Join(dir, name+store.MetaSuffix), meta); err != nil {
		return err
	}

	if err := os.Rename(srcPath, filepath.Join(dir, name)); err != nil {
		return errors.Wrapf(err, "unable to publish %v", name)
	}

	log(ctx).Debugf("published %v/%v", kind, name)

	return nil
}

func (s *Store) writeMetadata(path string, meta store.Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal metadata")
	}

	return errors.Wrapf(atomic.WriteFile(path, bytes.NewReader(append(b, '\n'))), "unable to write metadata %v", path)
}

// Open implements store.Destination.
func (s *Store) Open(ctx context.Context, kind, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, kind, name))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}

	return f, errors.Wrapf(err, "unable to open %v/%v", kind, name)
}

// LocalPath returns the absolute path of an artifact for direct decoding.
func (s *Store) LocalPath(kind, name string) string {
	return filepath.Join(s.root, kind, name)
}

// Metadata loads the metadata sidecar of an artifact.
func (s *Store) Metadata(ctx context.Context, kind, name string) (store.Metadata, error) {
	b, err := os.ReadFile(filepath.Join(s.root, kind, name+store.MetaSuffix))
	if os.IsNotExist(err) {
		return store.Metadata{}, store.ErrNotFound
	}

	if err != nil {
		return store.Metadata{}, errors.Wrapf(err, "unable to read metadata for %v/%v", kind, name)
	}

	var m store.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return store.Metadata{}, errors.Wrapf(err, "malformed metadata for %v/%v", kind, name)
	}

	return m, nil
}

// List implements store.Destination.
func (s *Store) List(ctx context.Context, kind string) ([]store.ArtifactRef, error) {
	dir := filepath.Join(s.root, kind)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "unable to list %v", dir)
	}

	var refs []store.ArtifactRef

	for _, e := range entries {
		if e.IsDir() || !store.IsArtifactName(e.Name()) {
			continue
		}

		fi, err := e.Info()
		if err != nil {
			continue
		}

		refs = append(refs, store.ArtifactRef{
			Kind:    kind,
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}

	store.SortNewestFirst(refs)

	return refs, nil
}

// Delete implements store.Destination.
func (s *Store) Delete(ctx context.Context, kind, name string) error {
	path := filepath.Join(s.root, kind, name)

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}

		return errors.Wrapf(err, "unable to delete %v", path)
	}

	// sidecar may legitimately be absent
	if err := os.Remove(path + store.MetaSuffix); err != nil && !os.IsNotExist(err) {
		log(ctx).Warnf("unable to delete metadata sidecar for %v/%v: %v", kind, name, err)
	}

	return nil
}

// Health implements store.Destination.
func (s *Store) Health(ctx context.Context) (store.Health, error) {
	if _, err := os.Stat(s.root); err != nil {
		return store.Health{State: store.HealthUnavailable, Detail: err.Error()}, nil
	}

	c, err := stat.GetCapacity(s.root)
	if err != nil {
		return store.Health{State: store.HealthDegraded, Detail: err.Error()}, nil
	}

	return store.Health{State: store.HealthOK, UsedPercent: c.UsedPercent()}, nil
}

// Objects implements store.SyncSource.
func (s *Store) Objects(ctx context.Context) ([]store.SyncObject, error) {
	var objects []store.SyncObject

	err := filepath.Walk(s.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %v", path)
		}

		if fi.IsDir() {
			// dot-directories hold in-flight state (staging, lock files)
			// and must never reach a mirror. The runs/ and recoveries/
			// record directories are mirrored along with the artifacts.
			if path != s.root && strings.HasPrefix(fi.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		base := filepath.Base(path)
		if !store.IsArtifactName(base) && !isSidecarOfArtifact(base) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return errors.Wrapf(err, "relativizing %v", path)
		}

		objects = append(objects, store.SyncObject{
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})

		return nil
	})

	return objects, err
}

func isSidecarOfArtifact(base string) bool {
	if len(base) <= len(store.MetaSuffix) {
		return false
	}

	return base[len(base)-len(store.MetaSuffix):] == store.MetaSuffix &&
		store.IsArtifactName(base[:len(base)-len(store.MetaSuffix)])
}

// OpenObject implements store.SyncSource.
func (s *Store) OpenObject(ctx context.Context, relPath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(relPath)))

	return f, errors.Wrapf(err, "unable to open %v", relPath)
}

// Close implements store.Destination.
func (s *Store) Close() error {
	return nil
}

func writeFile(path string, data io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err //nolint:wrapcheck
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close() //nolint:errcheck,gosec
		return err //nolint:wrapcheck
	}

	return f.Close() //nolint:wrapcheck
}

func randomSuffix() string {
	b := make([]byte, tempSuffixLen/2)
	rand.Read(b) //nolint:errcheck,gosec

	return hex.EncodeToString(b)
}

var _ store.Destination = (*Store)(nil)

var _ store.SyncSource = (*Store)(nil)
