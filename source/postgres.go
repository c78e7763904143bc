package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
)

var pgLog = logging.Module("source/postgres")

const (
	pgGlobalsFile = "globals.sql"
	pgDumpSuffix  = ".sql"

	// template databases and the maintenance database are never dumped
	pgListDatabasesSQL = "SELECT datname FROM pg_database WHERE NOT datistemplate AND datname <> 'postgres';"
)

// PostgresStrategy dumps and restores all non-template databases of the
// local PostgreSQL cluster, plus cluster globals (roles, tablespaces).
type PostgresStrategy struct {
	runAsUser string
	run       Runner
}

// NewPostgres returns the PostgreSQL strategy.
func NewPostgres(cfg config.PostgresConfig, run Runner) *PostgresStrategy {
	return &PostgresStrategy{runAsUser: cfg.RunAsUser, run: run}
}

// Kind implements Strategy.
func (s *PostgresStrategy) Kind() Kind {
	return KindPostgres
}

// asUser prepends a user switch when the strategy is configured to run the
// client tools as a dedicated OS user.
func (s *PostgresStrategy) asUser(name string, args ...string) (string, []string) {
	if s.runAsUser == "" {
		return name, args
	}

	return "sudo", append([]string{"-u", s.runAsUser, name}, args...)
}

func (s *PostgresStrategy) listDatabases(ctx context.Context) ([]string, error) {
	name, args := s.asUser("psql", "-t", "-A", "-c", pgListDatabasesSQL)

	stdout, stderr, err := s.run(ctx, name, args...)
	if err != nil {
		return nil, commandError(err, stderr, "unable to list databases")
	}

	var dbs []string

	for _, line := range strings.Split(string(stdout), "\n") {
		if db := strings.TrimSpace(line); db != "" {
			dbs = append(dbs, db)
		}
	}

	return dbs, nil
}

// Capture implements Strategy. Each database becomes "<name>.sql" in the
// staging directory; cluster globals become "globals.sql". A cluster that
// is not reachable yields a skipped result rather than an error.
func (s *PostgresStrategy) Capture(ctx context.Context, stagingDir string) (*CaptureResult, error) {
	res := &CaptureResult{Kind: KindPostgres}

	dbs, err := s.listDatabases(ctx)
	if err != nil {
		pgLog(ctx).Warnf("PostgreSQL not reachable, skipping database backup: %v", err)

		res.Skipped = true
		res.SkipReason = err.Error()

		return res, nil
	}

	for _, db := range dbs {
		if err := s.dumpDatabase(ctx, db, filepath.Join(stagingDir, db+pgDumpSuffix)); err != nil {
			pgLog(ctx).Errorf("unable to dump database %v: %v", db, err)
			res.Failures = append(res.Failures, ItemFailure{Item: db, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, db)
	}

	if err := s.dumpGlobals(ctx, filepath.Join(stagingDir, pgGlobalsFile)); err != nil {
		pgLog(ctx).Errorf("unable to dump cluster globals: %v", err)
		res.Failures = append(res.Failures, ItemFailure{Item: pgGlobalsFile, Err: err.Error()})
	} else {
		res.Items = append(res.Items, pgGlobalsFile)
	}

	return res, nil
}

func (s *PostgresStrategy) dumpDatabase(ctx context.Context, db, outPath string) error {
	name, args := s.asUser("pg_dump", db)

	stdout, stderr, err := s.run(ctx, name, args...)
	if err != nil {
		return commandError(err, stderr, "pg_dump %v", db)
	}

	return errors.Wrapf(os.WriteFile(outPath, stdout, 0o600), "unable to write dump for %v", db)
}

func (s *PostgresStrategy) dumpGlobals(ctx context.Context, outPath string) error {
	name, args := s.asUser("pg_dumpall", "--globals-only")

	stdout, stderr, err := s.run(ctx, name, args...)
	if err != nil {
		return commandError(err, stderr, "pg_dumpall --globals-only")
	}

	return errors.Wrap(os.WriteFile(outPath, stdout, 0o600), "unable to write globals dump")
}

// Restore implements Strategy. Globals are applied first, then each
// database is dropped, recreated and replayed from its dump.
func (s *PostgresStrategy) Restore(ctx context.Context, stagingDir string) (*RestoreResult, error) {
	res := &RestoreResult{Kind: KindPostgres}

	globals := filepath.Join(stagingDir, pgGlobalsFile)
	if _, err := os.Stat(globals); err == nil {
		if err := s.runSQL(ctx, "postgres", globals); err != nil {
			// globals failures are common when roles already exist
			pgLog(ctx).Warnf("unable to restore cluster globals: %v", err)
			res.Failures = append(res.Failures, ItemFailure{Item: pgGlobalsFile, Err: err.Error()})
		} else {
			res.Items = append(res.Items, pgGlobalsFile)
		}
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read staged dumps")
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pgDumpSuffix) || e.Name() == pgGlobalsFile {
			continue
		}

		db := strings.TrimSuffix(e.Name(), pgDumpSuffix)

		if err := s.restoreDatabase(ctx, db, filepath.Join(stagingDir, e.Name())); err != nil {
			pgLog(ctx).Errorf("unable to restore database %v: %v", db, err)
			res.Failures = append(res.Failures, ItemFailure{Item: db, Err: err.Error()})

			continue
		}

		res.Items = append(res.Items, db)
	}

	return res, nil
}

func (s *PostgresStrategy) restoreDatabase(ctx context.Context, db, dumpPath string) error {
	name, args := s.asUser("dropdb", "--if-exists", db)
	if _, stderr, err := s.run(ctx, name, args...); err != nil {
		return commandError(err, stderr, "dropdb %v", db)
	}

	name, args = s.asUser("createdb", db)
	if _, stderr, err := s.run(ctx, name, args...); err != nil {
		return commandError(err, stderr, "createdb %v", db)
	}

	return s.runSQL(ctx, db, dumpPath)
}

func (s *PostgresStrategy) runSQL(ctx context.Context, db, file string) error {
	name, args := s.asUser("psql", "-d", db, "-f", file)

	_, stderr, err := s.run(ctx, name, args...)
	if err != nil {
		return commandError(err, stderr, "psql -d %v -f %v", db, file)
	}

	return nil
}

var _ Strategy = (*PostgresStrategy)(nil)
