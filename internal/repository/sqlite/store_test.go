package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/splax/teamforge/internal/app/migrate"
	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/repositorytest"
	"github.com/splax/teamforge/internal/repository/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "teams.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runner, err := migrate.New(store.DB(), migrate.DriverSQLite, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	repositorytest.Run(t, newTestStore(t))
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlite.Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestStaleSnapshotWriteIsSerializationConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repositorytest.SeedUsers(t, store, "seed")

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
			if _, err := s.GetUserByID(ctx, "seed"); err != nil {
				return err
			}
			close(inside)
			<-release
			return s.CreateUser(ctx, &domain.User{ID: "stale"})
		})
	}()

	<-inside
	if err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		return s.CreateUser(ctx, &domain.User{ID: "fresh"})
	}); err != nil {
		t.Fatalf("concurrent writer: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, repository.ErrSerialization) {
		t.Fatalf("expected serialization conflict, got %v", err)
	}
	err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetUserByID(ctx, "stale")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("stale write must be rolled back, got %v", err)
	}
}

func TestTimestampsRoundTripAtMillisecondPrecision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repositorytest.SeedUsers(t, store, "clock")

	err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		u, err := s.GetUserByID(ctx, "clock")
		if err != nil {
			return err
		}
		if u.CreatedAt.IsZero() || u.CreatedAt.Location().String() != "UTC" {
			t.Errorf("unexpected created_at %v", u.CreatedAt)
		}
		if u.CreatedAt.Nanosecond()%1e6 != 0 {
			t.Errorf("expected millisecond precision, got %v", u.CreatedAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}
