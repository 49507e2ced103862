package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/splax/teamforge/db"
)

// Supported store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner wraps database migration capabilities.
type Runner struct {
	provider *goose.Provider
	driver   string
	log      *slog.Logger
}

// New returns a goose-backed runner applying the embedded migrations for
// driver to sqlDB.
func New(sqlDB *sql.DB, driver string, log *slog.Logger) (Runner, error) {
	if sqlDB == nil {
		return Runner{}, errors.New("nil database handle provided")
	}
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, db.PostgresDir
	case DriverSQLite:
		dialect, dir = goose.DialectSQLite3, db.SQLiteDir
	default:
		return Runner{}, fmt.Errorf("unsupported migration driver %q", driver)
	}
	fsys, err := fs.Sub(db.Migrations, dir)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return Runner{}, fmt.Errorf("configure goose: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{provider: provider, driver: driver, log: log}, nil
}

// OpenPostgres opens a database/sql handle over the pgx driver for goose.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	return sqlDB, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "driver", r.driver)
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "path", res.Source.Path, "duration", res.Duration)
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		r.log.Info("migration status", "version", st.Source.Version, "path", st.Source.Path, "state", string(st.State))
	}
	return statuses, nil
}

// Version reports the current schema version.
func (r Runner) Version(ctx context.Context) (int64, error) {
	version, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(runCtx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}

	r.log.Info("rollback complete")
	return nil
}
