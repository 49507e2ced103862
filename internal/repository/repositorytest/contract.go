// Package repositorytest holds behaviour every team store backend must share.
package repositorytest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/service/team"
	"github.com/splax/teamforge/internal/txrunner"
)

// Run exercises tx against the shared store contract. Identifiers are
// random, so backends may reuse one database across runs.
func Run(t *testing.T, tx repository.Transactor) {
	t.Run("users", func(t *testing.T) { testUsers(t, tx) })
	t.Run("teams", func(t *testing.T) { testTeams(t, tx) })
	t.Run("membership", func(t *testing.T) { testMembership(t, tx) })
	t.Run("join requests", func(t *testing.T) { testJoinRequests(t, tx) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, tx) })
	t.Run("concurrent applies", func(t *testing.T) { testConcurrentApplies(t, tx) })
	t.Run("concurrent approvals", func(t *testing.T) { testConcurrentApprovals(t, tx) })
	t.Run("concurrent cross-team approvals", func(t *testing.T) { testConcurrentCrossTeamApprovals(t, tx) })
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func within(t *testing.T, tx repository.Transactor, fn func(ctx context.Context, s repository.Store) error) error {
	t.Helper()
	return tx.WithinTx(context.Background(), fn)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func expectIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

// SeedUsers creates users with the given ids.
func SeedUsers(t *testing.T, tx repository.Transactor, ids ...string) {
	t.Helper()
	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		for _, id := range ids {
			if err := s.CreateUser(ctx, &domain.User{ID: id, DisplayName: id}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func seedTeam(t *testing.T, tx repository.Transactor, leaderID string) *domain.Team {
	t.Helper()
	id := uuid.NewString()
	tm := &domain.Team{ID: id, Slug: "team-" + id, Name: "Team " + id, LeaderUserID: leaderID, CreatedAt: time.Now().UTC()}
	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		if err := s.CreateTeam(ctx, tm); err != nil {
			return err
		}
		_, err := s.AssignTeamIfUnset(ctx, leaderID, tm.ID)
		return err
	}))
	return tm
}

func testUsers(t *testing.T, tx repository.Transactor) {
	id := newID("user")
	SeedUsers(t, tx, id)

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		u, err := s.GetUserByID(ctx, id)
		if err != nil {
			return err
		}
		if u.ID != id || u.HasTeam() || u.CreatedAt.IsZero() {
			t.Errorf("unexpected user %+v", u)
		}
		return nil
	}))

	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.CreateUser(ctx, &domain.User{ID: id})
	}), repository.ErrAlreadyExists)
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetUserByID(ctx, newID("ghost"))
		return err
	}), repository.ErrNotFound)
}

func testTeams(t *testing.T, tx repository.Transactor) {
	leader := newID("leader")
	other := newID("other")
	SeedUsers(t, tx, leader, other)
	tm := seedTeam(t, tx, leader)

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		got, err := s.GetTeamBySlug(ctx, tm.Slug)
		if err != nil {
			return err
		}
		if got.ID != tm.ID || got.Name != tm.Name || got.LeaderUserID != leader {
			t.Errorf("unexpected team %+v", got)
		}
		return nil
	}))

	dupSlug := &domain.Team{ID: uuid.NewString(), Slug: tm.Slug, Name: "Other " + tm.ID, LeaderUserID: other, CreatedAt: time.Now()}
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.CreateTeam(ctx, dupSlug)
	}), repository.ErrAlreadyExists)

	dupName := &domain.Team{ID: uuid.NewString(), Slug: "other-" + tm.ID, Name: tm.Name, LeaderUserID: other, CreatedAt: time.Now()}
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.CreateTeam(ctx, dupName)
	}), repository.ErrAlreadyExists)

	orphan := &domain.Team{ID: uuid.NewString(), Slug: "orphan-" + tm.ID, Name: "Orphan " + tm.ID, LeaderUserID: newID("ghost"), CreatedAt: time.Now()}
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.CreateTeam(ctx, orphan)
	}), repository.ErrNotFound)

	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetTeamBySlug(ctx, "missing-"+tm.ID)
		return err
	}), repository.ErrNotFound)
}

func testMembership(t *testing.T, tx repository.Transactor) {
	leader := newID("leader")
	member := newID("member")
	SeedUsers(t, tx, leader, member)
	tm := seedTeam(t, tx, leader)
	elsewhere := seedTeam(t, tx, newLeader(t, tx))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		ok, err := s.AssignTeamIfUnset(ctx, member, tm.ID)
		if err != nil || !ok {
			t.Errorf("first assignment: ok=%v err=%v", ok, err)
		}
		ok, err = s.AssignTeamIfUnset(ctx, member, elsewhere.ID)
		if err != nil || ok {
			t.Errorf("second assignment must be refused: ok=%v err=%v", ok, err)
		}
		return nil
	}))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		count, err := s.CountMembers(ctx, tm.ID)
		if err != nil {
			return err
		}
		if count != 2 {
			t.Errorf("expected 2 members, got %d", count)
		}
		members, err := s.ListMembers(ctx, tm.ID)
		if err != nil {
			return err
		}
		if len(members) != 2 {
			t.Errorf("expected 2 listed members, got %d", len(members))
		}
		for _, m := range members {
			if !m.InTeam(tm.ID) {
				t.Errorf("listed member %s not in team", m.ID)
			}
		}
		return nil
	}))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		ok, err := s.ClearTeam(ctx, member, elsewhere.ID)
		if err != nil || ok {
			t.Errorf("clearing the wrong team must be refused: ok=%v err=%v", ok, err)
		}
		ok, err = s.ClearTeam(ctx, member, tm.ID)
		if err != nil || !ok {
			t.Errorf("clear: ok=%v err=%v", ok, err)
		}
		return nil
	}))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		u, err := s.GetUserByID(ctx, member)
		if err != nil {
			return err
		}
		if u.HasTeam() {
			t.Errorf("expected member to be team-less")
		}
		return nil
	}))
}

func newLeader(t *testing.T, tx repository.Transactor) string {
	t.Helper()
	id := newID("leader")
	SeedUsers(t, tx, id)
	return id
}

func testJoinRequests(t *testing.T, tx repository.Transactor) {
	leader := newID("leader")
	applicant := newID("applicant")
	SeedUsers(t, tx, leader, applicant)
	t1 := seedTeam(t, tx, leader)
	t2 := seedTeam(t, tx, newLeader(t, tx))
	t3 := seedTeam(t, tx, newLeader(t, tx))

	first := &domain.JoinRequest{ID: uuid.NewString(), TeamID: t1.ID, UserID: applicant, CreatedAt: time.Now().UTC()}
	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.UpsertPendingJoinRequest(ctx, first)
	}))
	if first.Status != domain.JoinRequestPending {
		t.Fatalf("expected stored row to be written back, got %+v", first)
	}

	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.UpsertPendingJoinRequest(ctx, &domain.JoinRequest{ID: uuid.NewString(), TeamID: t1.ID, UserID: applicant, CreatedAt: time.Now()})
	}), repository.ErrAlreadyExists)

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.SetJoinRequestStatus(ctx, first.ID, domain.JoinRequestRejected, time.Now())
	}))

	again := &domain.JoinRequest{ID: uuid.NewString(), TeamID: t1.ID, UserID: applicant, CreatedAt: time.Now().UTC()}
	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.UpsertPendingJoinRequest(ctx, again)
	}))
	if again.ID != first.ID || again.Status != domain.JoinRequestPending || again.RespondedAt != nil {
		t.Fatalf("expected the rejected row to be reopened, got %+v", again)
	}

	others := []*domain.JoinRequest{
		{ID: uuid.NewString(), TeamID: t2.ID, UserID: applicant, CreatedAt: time.Now().UTC()},
		{ID: uuid.NewString(), TeamID: t3.ID, UserID: applicant, CreatedAt: time.Now().UTC()},
	}
	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		for _, r := range others {
			if err := s.UpsertPendingJoinRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		now := time.Now()
		if err := s.SetJoinRequestStatus(ctx, first.ID, domain.JoinRequestAccepted, now); err != nil {
			return err
		}
		rejected, err := s.RejectOtherPendingRequests(ctx, applicant, first.ID, now)
		if err != nil {
			return err
		}
		if len(rejected) != 2 {
			t.Errorf("expected 2 cascaded rejections, got %d", len(rejected))
		}
		for _, r := range rejected {
			if r.ID == first.ID || r.UserID != applicant {
				t.Errorf("unexpected cascaded row %+v", r)
			}
			if r.Status != domain.JoinRequestRejected || r.RespondedAt == nil {
				t.Errorf("expected returned row in rejected state, got %+v", r)
			}
		}
		return nil
	}))

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		got, err := s.GetJoinRequestByID(ctx, first.ID)
		if err != nil {
			return err
		}
		if got.Status != domain.JoinRequestAccepted || got.RespondedAt == nil {
			t.Errorf("unexpected accepted row %+v", got)
		}
		for _, r := range others {
			got, err := s.GetJoinRequest(ctx, r.TeamID, applicant)
			if err != nil {
				return err
			}
			if got.Status != domain.JoinRequestRejected || got.RespondedAt == nil {
				t.Errorf("expected cascaded rejection, got %+v", got)
			}
		}
		accepted, err := s.ListJoinRequestsByTeam(ctx, t1.ID, domain.JoinRequestAccepted)
		if err != nil {
			return err
		}
		if len(accepted) != 1 || accepted[0].ID != first.ID {
			t.Errorf("unexpected accepted list %+v", accepted)
		}
		pending, err := s.ListJoinRequestsByTeam(ctx, t1.ID, domain.JoinRequestPending)
		if err != nil {
			return err
		}
		if len(pending) != 0 {
			t.Errorf("expected no pending rows, got %d", len(pending))
		}
		return nil
	}))

	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		return s.SetJoinRequestStatus(ctx, uuid.NewString(), domain.JoinRequestRejected, time.Now())
	}), repository.ErrNotFound)
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetJoinRequest(ctx, t2.ID, leader)
		return err
	}), repository.ErrNotFound)
}

func testRollback(t *testing.T, tx repository.Transactor) {
	id := newID("rollback")
	errAbort := errors.New("abort")
	err := within(t, tx, func(ctx context.Context, s repository.Store) error {
		if err := s.CreateUser(ctx, &domain.User{ID: id}); err != nil {
			return err
		}
		return errAbort
	})
	expectIs(t, err, errAbort)
	expectIs(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		_, err := s.GetUserByID(ctx, id)
		return err
	}), repository.ErrNotFound)
}

func raceService(tx repository.Transactor) team.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := txrunner.New(tx,
		txrunner.WithPolicy(txrunner.Policy{MaxAttempts: 25, BaseDelay: time.Millisecond, Jitter: 5 * time.Millisecond}),
		txrunner.WithLogger(logger),
	)
	return team.New(runner, nil, logger)
}

func race(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func testConcurrentApplies(t *testing.T, tx repository.Transactor) {
	svc := raceService(tx)
	leader := newID("leader")
	applicant := newID("applicant")
	SeedUsers(t, tx, leader, applicant)
	created, err := svc.CreateTeam(context.Background(), "Race "+uuid.NewString(), leader)
	must(t, err)

	errs := race(6, func(int) error {
		_, err := svc.ApplyToJoin(context.Background(), created.Slug, applicant)
		return err
	})
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, team.ErrAlreadyApplied):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected one successful apply, got %d", ok)
	}
	pending, err := svc.ListRequests(context.Background(), created.Slug, leader, domain.JoinRequestPending)
	must(t, err)
	if len(pending) != 1 {
		t.Fatalf("expected one pending row, got %d", len(pending))
	}
}

func testConcurrentApprovals(t *testing.T, tx repository.Transactor) {
	svc := raceService(tx)
	leader := newID("leader")
	SeedUsers(t, tx, leader)
	created, err := svc.CreateTeam(context.Background(), "Full "+uuid.NewString(), leader)
	must(t, err)

	for range domain.MaxMembers - 2 {
		id := newID("member")
		SeedUsers(t, tx, id)
		req, err := svc.ApplyToJoin(context.Background(), created.Slug, id)
		must(t, err)
		_, err = svc.ApproveRequest(context.Background(), created.Slug, req.ID, leader)
		must(t, err)
	}

	var reqIDs []string
	for range 2 {
		id := newID("late")
		SeedUsers(t, tx, id)
		req, err := svc.ApplyToJoin(context.Background(), created.Slug, id)
		must(t, err)
		reqIDs = append(reqIDs, req.ID)
	}

	errs := race(2, func(i int) error {
		_, err := svc.ApproveRequest(context.Background(), created.Slug, reqIDs[i], leader)
		return err
	})
	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, team.ErrTeamFull), errors.Is(err, team.ErrApplicantChanged):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected one approval to win, got %d", winners)
	}
	view, err := svc.GetTeam(context.Background(), created.Slug)
	must(t, err)
	if len(view.Members) != domain.MaxMembers {
		t.Fatalf("expected a full team, got %d members", len(view.Members))
	}
	pending, err := svc.ListRequests(context.Background(), created.Slug, leader, domain.JoinRequestPending)
	must(t, err)
	if len(pending) != 1 {
		t.Fatalf("expected the losing request to stay pending, got %d", len(pending))
	}
}

func testConcurrentCrossTeamApprovals(t *testing.T, tx repository.Transactor) {
	svc := raceService(tx)
	leaders := []string{newID("leader"), newID("leader")}
	applicant := newID("applicant")
	SeedUsers(t, tx, leaders[0], leaders[1], applicant)

	var teams []*domain.Team
	var reqIDs []string
	for _, leader := range leaders {
		created, err := svc.CreateTeam(context.Background(), "Cross "+uuid.NewString(), leader)
		must(t, err)
		req, err := svc.ApplyToJoin(context.Background(), created.Slug, applicant)
		must(t, err)
		teams = append(teams, created)
		reqIDs = append(reqIDs, req.ID)
	}

	errs := race(2, func(i int) error {
		_, err := svc.ApproveRequest(context.Background(), teams[i].Slug, reqIDs[i], leaders[i])
		return err
	})
	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, team.ErrRequestNotPending),
			errors.Is(err, team.ErrApplicantAlreadyInTeam),
			errors.Is(err, team.ErrApplicantChanged):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one approval to win, got %d", winners)
	}

	must(t, within(t, tx, func(ctx context.Context, s repository.Store) error {
		user, err := s.GetUserByID(ctx, applicant)
		if err != nil {
			return err
		}
		accepted, rejected := 0, 0
		for _, tm := range teams {
			req, err := s.GetJoinRequest(ctx, tm.ID, applicant)
			if err != nil {
				return err
			}
			switch req.Status {
			case domain.JoinRequestAccepted:
				accepted++
				if !user.InTeam(tm.ID) {
					t.Errorf("accepted into %s but user is elsewhere", tm.Slug)
				}
			case domain.JoinRequestRejected:
				rejected++
			}
		}
		if accepted != 1 || rejected != 1 {
			t.Errorf("expected one accepted and one rejected, got %d/%d", accepted, rejected)
		}
		return nil
	}))
}
