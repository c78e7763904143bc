package source

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
)

var mongoLog = logging.Module("source/mongo")

// MongoStrategy dumps and restores all MongoDB databases using the
// mongodump/mongorestore tools.
type MongoStrategy struct {
	uri string
	run Runner
}

// NewMongo returns the MongoDB strategy.
func NewMongo(cfg config.MongoConfig, run Runner) *MongoStrategy {
	return &MongoStrategy{uri: cfg.URI, run: run}
}

// Kind implements Strategy.
func (s *MongoStrategy) Kind() Kind {
	return KindMongo
}

func (s *MongoStrategy) serverRunning(ctx context.Context) error {
	if _, stderr, err := s.run(ctx, "pgrep", "mongod"); err != nil {
		return commandError(err, stderr, "mongod is not running")
	}

	return nil
}

func (s *MongoStrategy) uriArgs(args ...string) []string {
	if s.uri != "" {
		return append([]string{"--uri", s.uri}, args...)
	}

	return args
}

// Capture implements Strategy. The staging directory receives mongodump's
// per-database BSON layout. A server that is not running yields a skipped
// result rather than an error.
func (s *MongoStrategy) Capture(ctx context.Context, stagingDir string) (*CaptureResult, error) {
	res := &CaptureResult{Kind: KindMongo}

	if err := s.serverRunning(ctx); err != nil {
		mongoLog(ctx).Warnf("MongoDB not running, skipping database backup: %v", err)

		res.Skipped = true
		res.SkipReason = err.Error()

		return res, nil
	}

	if _, stderr, err := s.run(ctx, "mongodump", s.uriArgs("--out", stagingDir)...); err != nil {
		return nil, commandError(err, stderr, "mongodump")
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read dump output")
	}

	for _, e := range entries {
		if e.IsDir() {
			res.Items = append(res.Items, e.Name())
		}
	}

	return res, nil
}

// Restore implements Strategy. Existing collections are dropped before
// being replayed so the restored state matches the dump exactly.
func (s *MongoStrategy) Restore(ctx context.Context, stagingDir string) (*RestoreResult, error) {
	res := &RestoreResult{Kind: KindMongo}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read staged dump")
	}

	var dbs []string

	for _, e := range entries {
		if e.IsDir() {
			dbs = append(dbs, e.Name())
		}
	}

	if len(dbs) == 0 {
		mongoLog(ctx).Warnf("staged dump at %v contains no databases", stagingDir)
		return res, nil
	}

	if _, stderr, err := s.run(ctx, "mongorestore", s.uriArgs("--drop", stagingDir)...); err != nil {
		for _, db := range dbs {
			res.Failures = append(res.Failures, ItemFailure{Item: db, Err: commandError(err, stderr, "mongorestore").Error()})
		}

		return res, nil
	}

	res.Items = dbs

	return res, nil
}

var _ Strategy = (*MongoStrategy)(nil)
