package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/repositorytest"
)

func TestStoreContract(t *testing.T) {
	repositorytest.Run(t, New())
}

func TestWithinTxRejectsStaleWriter(t *testing.T) {
	store := New()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
			if _, err := s.GetUserByID(ctx, "first"); !errors.Is(err, repository.ErrNotFound) {
				t.Errorf("expected empty snapshot, got %v", err)
			}
			close(inside)
			<-release
			return s.CreateUser(ctx, &domain.User{ID: "first"})
		})
	}()

	<-inside
	if err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		return s.CreateUser(ctx, &domain.User{ID: "second"})
	}); err != nil {
		t.Fatalf("concurrent writer: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, repository.ErrSerialization) {
		t.Fatalf("expected serialization conflict, got %v", err)
	}
	if got := store.Version(); got != 1 {
		t.Fatalf("expected one committed write, got %d", got)
	}
	err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetUserByID(ctx, "first")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("losing writes must be discarded, got %v", err)
	}
}

func TestReadOnlyTransactionsNeverConflict(t *testing.T) {
	store := New()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
			_, _ = s.GetUserByID(ctx, "reader")
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	if err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		return s.CreateUser(ctx, &domain.User{ID: "writer"})
	}); err != nil {
		t.Fatalf("writer: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("read-only transaction must commit, got %v", err)
	}
}

func TestSnapshotIsolatedFromCallerMutation(t *testing.T) {
	store := New()
	ctx := context.Background()
	teamID := "t1"
	user := &domain.User{ID: "u1", TeamID: &teamID}
	if err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		return s.CreateUser(ctx, user)
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	teamID = "mutated"

	err := store.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		got, err := s.GetUserByID(ctx, "u1")
		if err != nil {
			return err
		}
		if !got.InTeam("t1") {
			t.Errorf("stored user aliased caller memory: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestWithinTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().WithinTx(ctx, func(context.Context, repository.Store) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before running, err=%v called=%v", err, called)
	}
}
