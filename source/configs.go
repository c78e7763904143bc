package source

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
)

var configsLog = logging.Module("source/configs")

// ConfigsStrategy captures the deployment's configuration files and
// directories, preserving their absolute locations as relative paths inside
// the staging directory.
type ConfigsStrategy struct {
	paths []string
}

// NewConfigs returns the configuration-file strategy.
func NewConfigs(cfg config.ConfigFilesConfig) *ConfigsStrategy {
	return &ConfigsStrategy{paths: cfg.Paths}
}

// Kind implements Strategy.
func (s *ConfigsStrategy) Kind() Kind {
	return KindConfigs
}

// Capture implements Strategy. Missing paths are skipped silently; not
// every deployment carries every optional config.
func (s *ConfigsStrategy) Capture(ctx context.Context, stagingDir string) (*CaptureResult, error) {
	res := &CaptureResult{Kind: KindConfigs}

	for _, p := range s.paths {
		if _, err := os.Lstat(p); err != nil {
			configsLog(ctx).Debugf("config path %v does not exist, skipping", p)
			continue
		}

		if err := copyTree(p, stagingPath(stagingDir, p)); err != nil {
			configsLog(ctx).Errorf("unable to capture %v: %v", p, err)
			res.Failures = append(res.Failures, ItemFailure{Item: p, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, p)
	}

	return res, nil
}

// Restore implements Strategy. Every staged file is restored to its
// original absolute path individually, so configs captured under an older
// path list still restore. Existing files are moved aside first.
func (s *ConfigsStrategy) Restore(ctx context.Context, stagingDir string) (*RestoreResult, error) {
	res := &RestoreResult{Kind: KindConfigs}

	err := filepath.Walk(stagingDir, func(staged string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %v", staged)
		}

		if fi.IsDir() {
			return nil
		}

		target, err := systemPath(stagingDir, staged)
		if err != nil {
			res.Failures = append(res.Failures, ItemFailure{Item: staged, Err: err.Error()})
			return nil
		}

		moved, err := restorePath(staged, target)
		if moved != "" {
			configsLog(ctx).Infof("moved existing %v to %v", target, moved)
			res.Relocated = append(res.Relocated, moved)
		}

		if err != nil {
			configsLog(ctx).Errorf("unable to restore %v: %v", target, err)
			res.Failures = append(res.Failures, ItemFailure{Item: target, Err: err.Error()})

			return nil
		}

		res.Items = append(res.Items, target)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

var _ Strategy = (*ConfigsStrategy)(nil)
