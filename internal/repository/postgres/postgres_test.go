package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/teamforge/internal/app/migrate"
	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/postgres"
	"github.com/splax/teamforge/internal/repository/repositorytest"
)

// newTestRepository connects to TEST_DATABASE_URL, migrating it first.
func newTestRepository(t *testing.T) *postgres.Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sqlDB, err := migrate.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sqlDB.Close()
	runner, err := migrate.New(sqlDB, migrate.DriverPostgres, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return postgres.New(pool)
}

func TestRepositoryContract(t *testing.T) {
	repositorytest.Run(t, newTestRepository(t))
}

func TestPing(t *testing.T) {
	repo := newTestRepository(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWriteSkewIsSerializationConflict(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	leader := "skew-leader-" + uuid.NewString()
	a := "skew-a-" + uuid.NewString()
	b := "skew-b-" + uuid.NewString()
	repositorytest.SeedUsers(t, repo, leader, a, b)

	tm := &domain.Team{ID: uuid.NewString(), LeaderUserID: leader, CreatedAt: time.Now()}
	tm.Slug = "skew-" + tm.ID
	tm.Name = "Skew " + tm.ID
	if err := repo.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		return s.CreateTeam(ctx, tm)
	}); err != nil {
		t.Fatalf("create team: %v", err)
	}

	// Both transactions count the roster and then join it: a write skew
	// that SERIALIZABLE must break by aborting one side.
	counted := make(chan struct{}, 2)
	release := make(chan struct{})
	errs := make(chan error, 2)
	for _, userID := range []string{a, b} {
		go func() {
			errs <- repo.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
				if _, err := s.CountMembers(ctx, tm.ID); err != nil {
					return err
				}
				counted <- struct{}{}
				<-release
				_, err := s.AssignTeamIfUnset(ctx, userID, tm.ID)
				return err
			})
		}()
	}
	<-counted
	<-counted
	close(release)

	var conflicts int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrSerialization):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Fatalf("expected exactly one aborted transaction, got %d", conflicts)
	}
}
