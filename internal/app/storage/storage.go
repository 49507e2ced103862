// Package storage selects and opens the configured team store backend.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/teamforge/internal/app/migrate"
	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/memory"
	"github.com/splax/teamforge/internal/repository/postgres"
	"github.com/splax/teamforge/internal/repository/sqlite"
	"github.com/splax/teamforge/pkg/config"
)

// DriverMemory keeps all state in process; it has no schema to migrate.
const DriverMemory = "memory"

// Backend is an opened store plus the handles the binaries need around it.
type Backend struct {
	Driver string
	Tx     repository.Transactor
	// SQL is the database/sql handle goose migrates; nil for memory.
	SQL    *sql.DB
	ping   func(context.Context) error
	closer []func()
}

// Ping reports whether the backend is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases every handle opened by Open, last opened first.
func (b *Backend) Close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		b.closer[i]()
	}
	b.closer = nil
}

// Open connects to the backend named by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.APIConfig) (*Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch driver {
	case migrate.DriverPostgres:
		sqlDB, err := migrate.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return &Backend{
			Driver: driver,
			Tx:     postgres.New(pool),
			SQL:    sqlDB,
			ping:   pool.Ping,
			closer: []func(){func() { _ = sqlDB.Close() }, pool.Close},
		}, nil
	case migrate.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Driver: driver,
			Tx:     store,
			SQL:    store.DB(),
			ping:   store.Ping,
			closer: []func(){func() { _ = store.Close() }},
		}, nil
	case DriverMemory:
		return &Backend{Driver: driver, Tx: memory.New()}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Migrate applies pending migrations; memory backends are skipped.
func (b *Backend) Migrate(ctx context.Context, log *slog.Logger) error {
	runner, err := b.Migrator(log)
	if errors.Is(err, ErrNoSchema) {
		return nil
	}
	if err != nil {
		return err
	}
	return runner.Ensure(ctx)
}

// ErrNoSchema reports a backend without a migratable schema.
var ErrNoSchema = errors.New("storage: backend has no schema")

// Migrator returns a goose runner bound to the backend's SQL handle.
func (b *Backend) Migrator(log *slog.Logger) (migrate.Runner, error) {
	if b.SQL == nil {
		return migrate.Runner{}, ErrNoSchema
	}
	return migrate.New(b.SQL, b.Driver, log)
}

// SeedUsers provisions user accounts that do not exist yet. Accounts are
// owned by the game backend; seeding makes them visible to this service.
func SeedUsers(ctx context.Context, tx repository.Transactor, ids []string) (int, error) {
	created := 0
	err := tx.WithinTx(ctx, func(ctx context.Context, store repository.Store) error {
		created = 0
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			_, err := store.GetUserByID(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if err := store.CreateUser(ctx, &domain.User{ID: id, DisplayName: id}); err != nil {
				return fmt.Errorf("create user %s: %w", id, err)
			}
			created++
		}
		return nil
	})
	return created, err
}
