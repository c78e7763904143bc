package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
)

var filesLog = logging.Module("source/files")

const volumesDir = "docker-volumes"

// FilesStrategy captures the application data directories and, when a
// container runtime is present, the matching docker named volumes.
type FilesStrategy struct {
	dirs         []string
	volumeFilter string
	run          Runner
}

// NewFiles returns the filesystem strategy.
func NewFiles(cfg config.FilesConfig, run Runner) *FilesStrategy {
	return &FilesStrategy{dirs: cfg.Dirs, volumeFilter: cfg.VolumeFilter, run: run}
}

// Kind implements Strategy.
func (s *FilesStrategy) Kind() Kind {
	return KindFiles
}

// Capture implements Strategy. Directories are staged under their full
// relative path so restore needs no mapping table. Missing directories are
// skipped silently; they may simply not exist on this deployment.
func (s *FilesStrategy) Capture(ctx context.Context, stagingDir string) (*CaptureResult, error) {
	res := &CaptureResult{Kind: KindFiles}

	for _, dir := range s.dirs {
		if _, err := os.Stat(dir); err != nil {
			filesLog(ctx).Debugf("directory %v does not exist, skipping", dir)
			continue
		}

		if err := copyTree(dir, stagingPath(stagingDir, dir)); err != nil {
			filesLog(ctx).Errorf("unable to capture %v: %v", dir, err)
			res.Failures = append(res.Failures, ItemFailure{Item: dir, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, dir)
	}

	s.captureVolumes(ctx, stagingDir, res)

	return res, nil
}

func (s *FilesStrategy) dockerAvailable(ctx context.Context) bool {
	if s.volumeFilter == "" {
		return false
	}

	_, _, err := s.run(ctx, "docker", "ps", "-q")

	return err == nil
}

func (s *FilesStrategy) captureVolumes(ctx context.Context, stagingDir string, res *CaptureResult) {
	if !s.dockerAvailable(ctx) {
		return
	}

	stdout, stderr, err := s.run(ctx, "docker", "volume", "ls", "--filter", "name="+s.volumeFilter, "--format", "{{.Name}}")
	if err != nil {
		filesLog(ctx).Warnf("unable to list docker volumes: %v", commandError(err, stderr, "docker volume ls"))
		return
	}

	outDir := filepath.Join(stagingDir, volumesDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		filesLog(ctx).Errorf("unable to create %v: %v", outDir, err)
		return
	}

	for _, volume := range strings.Fields(string(stdout)) {
		_, stderr, err := s.run(ctx, "docker", "run", "--rm",
			"-v", volume+":/source",
			"-v", outDir+":/backup",
			"ubuntu", "tar", "czf", "/backup/"+volume+".tar.gz", "-C", "/source", ".")
		if err != nil {
			filesLog(ctx).Warnf("unable to capture volume %v: %v", volume, commandError(err, stderr, "docker run"))
			res.Failures = append(res.Failures, ItemFailure{Item: "volume:" + volume, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, "volume:"+volume)
	}
}

// Restore implements Strategy. Existing directories are moved aside to
// "<dir>.backup.<timestamp>" before the staged copy replaces them.
func (s *FilesStrategy) Restore(ctx context.Context, stagingDir string) (*RestoreResult, error) {
	res := &RestoreResult{Kind: KindFiles}

	for _, dir := range s.dirs {
		staged := stagingPath(stagingDir, dir)

		if _, err := os.Stat(staged); err != nil {
			filesLog(ctx).Debugf("no staged copy of %v, skipping", dir)
			continue
		}

		moved, err := restorePath(staged, dir)
		if moved != "" {
			filesLog(ctx).Infof("moved existing %v to %v", dir, moved)
			res.Relocated = append(res.Relocated, moved)
		}

		if err != nil {
			filesLog(ctx).Errorf("unable to restore %v: %v", dir, err)
			res.Failures = append(res.Failures, ItemFailure{Item: dir, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, dir)
	}

	s.restoreVolumes(ctx, stagingDir, res)

	return res, nil
}

func (s *FilesStrategy) restoreVolumes(ctx context.Context, stagingDir string, res *RestoreResult) {
	volDir := filepath.Join(stagingDir, volumesDir)

	entries, err := os.ReadDir(volDir)
	if err != nil {
		// no volumes were captured
		return
	}

	if !s.dockerAvailable(ctx) {
		filesLog(ctx).Warnf("staged docker volumes present but no container runtime, skipping volume restore")
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}

		volume := strings.TrimSuffix(e.Name(), ".tar.gz")

		if err := s.restoreVolume(ctx, volDir, volume, e.Name()); err != nil {
			filesLog(ctx).Errorf("unable to restore volume %v: %v", volume, err)
			res.Failures = append(res.Failures, ItemFailure{Item: "volume:" + volume, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, "volume:"+volume)
	}
}

func (s *FilesStrategy) restoreVolume(ctx context.Context, volDir, volume, archive string) error {
	// recreate the volume so stale contents never survive the restore
	s.run(ctx, "docker", "volume", "rm", volume) //nolint:errcheck

	if _, stderr, err := s.run(ctx, "docker", "volume", "create", volume); err != nil {
		return commandError(err, stderr, "docker volume create %v", volume)
	}

	_, stderr, err := s.run(ctx, "docker", "run", "--rm",
		"-v", volume+":/dest",
		"-v", volDir+":/backup",
		"ubuntu", "tar", "xzf", "/backup/"+archive, "-C", "/dest")
	if err != nil {
		return commandError(err, stderr, "docker run")
	}

	return nil
}

var _ Strategy = (*FilesStrategy)(nil)
