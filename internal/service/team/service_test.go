package team

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/memory"
	"github.com/splax/teamforge/internal/txrunner"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []EventType {
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyTransactor fails the first n attempts with a serialization conflict
// after running the unit of work, discarding its writes.
type flakyTransactor struct {
	inner    repository.Transactor
	failures int
	calls    int
}

func (f *flakyTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	f.calls++
	if f.failures == 0 {
		return f.inner.WithinTx(ctx, fn)
	}
	f.failures--
	return f.inner.WithinTx(ctx, func(ctx context.Context, store repository.Store) error {
		if err := fn(ctx, store); err != nil {
			return err
		}
		return repository.ErrSerialization
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, tx repository.Transactor, attempts int) (Service, *recordingPublisher) {
	t.Helper()
	logger := testLogger()
	runner := txrunner.New(tx,
		txrunner.WithPolicy(txrunner.Policy{MaxAttempts: attempts}),
		txrunner.WithLogger(logger),
	)
	pub := &recordingPublisher{}
	return New(runner, pub, logger), pub
}

func seedUsers(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		for _, id := range ids {
			if err := tx.CreateUser(ctx, &domain.User{ID: id, DisplayName: id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
}

func loadUser(t *testing.T, store *memory.Store, id string) *domain.User {
	t.Helper()
	var user *domain.User
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		user, err = tx.GetUserByID(ctx, id)
		return err
	})
	if err != nil {
		t.Fatalf("load user %s: %v", id, err)
	}
	return user
}

func loadRequest(t *testing.T, store *memory.Store, teamID, userID string) *domain.JoinRequest {
	t.Helper()
	var req *domain.JoinRequest
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		req, err = tx.GetJoinRequest(ctx, teamID, userID)
		return err
	})
	if err != nil {
		t.Fatalf("load request %s/%s: %v", teamID, userID, err)
	}
	return req
}

func expectCode(t *testing.T, err error, want Code) {
	t.Helper()
	if got := CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (err=%v)", want, got, err)
	}
}

type fixture struct {
	svc   Service
	store *memory.Store
	pub   *recordingPublisher
}

func newFixture(t *testing.T, users ...string) fixture {
	t.Helper()
	store := memory.New()
	seedUsers(t, store, users...)
	svc, pub := newTestService(t, store, 3)
	return fixture{svc: svc, store: store, pub: pub}
}

func (f fixture) createTeam(t *testing.T, name, leaderID string) *domain.Team {
	t.Helper()
	team, err := f.svc.CreateTeam(context.Background(), name, leaderID)
	if err != nil {
		t.Fatalf("create team %q: %v", name, err)
	}
	return team
}

func (f fixture) apply(t *testing.T, slug, userID string) *domain.JoinRequest {
	t.Helper()
	req, err := f.svc.ApplyToJoin(context.Background(), slug, userID)
	if err != nil {
		t.Fatalf("apply %s to %s: %v", userID, slug, err)
	}
	return req
}

func (f fixture) admit(t *testing.T, team *domain.Team, userID string) {
	t.Helper()
	req := f.apply(t, team.Slug, userID)
	if _, err := f.svc.ApproveRequest(context.Background(), team.Slug, req.ID, team.LeaderUserID); err != nil {
		t.Fatalf("approve %s: %v", userID, err)
	}
}

func TestCreateTeamMakesCreatorLeaderAndMember(t *testing.T) {
	f := newFixture(t, "leader")

	team := f.createTeam(t, "  Équipe   Alpha ", "leader")
	if team.Name != "Équipe Alpha" {
		t.Fatalf("expected collapsed name, got %q", team.Name)
	}
	if team.Slug != "equipe-alpha" {
		t.Fatalf("expected slug equipe-alpha, got %q", team.Slug)
	}
	if team.LeaderUserID != "leader" {
		t.Fatalf("expected leader to be creator, got %q", team.LeaderUserID)
	}
	if !loadUser(t, f.store, "leader").InTeam(team.ID) {
		t.Fatalf("expected creator to be a member")
	}
	if got := f.pub.types(); len(got) != 1 || got[0] != EventTeamCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCreateTeamRejectsUserAlreadyInTeamWithoutMutation(t *testing.T) {
	f := newFixture(t, "leader")
	f.createTeam(t, "Alpha", "leader")
	before := f.store.Version()

	_, err := f.svc.CreateTeam(context.Background(), "Beta", "leader")
	expectCode(t, err, CodeAlreadyInTeam)
	if f.store.Version() != before {
		t.Fatalf("expected no committed writes")
	}
	if _, err := f.svc.GetTeam(context.Background(), "beta"); CodeOf(err) != CodeTeamNotFound {
		t.Fatalf("expected beta to not exist, got %v", err)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected only the first team event, got %d", len(f.pub.events))
	}
}

func TestCreateTeamValidation(t *testing.T) {
	f := newFixture(t, "leader", "other")
	f.createTeam(t, "Alpha", "leader")

	cases := []struct {
		name   string
		team   string
		userID string
		want   Code
	}{
		{name: "unknown user", team: "Gamma", userID: "ghost", want: CodeUserNotFound},
		{name: "blank name", team: "   ", userID: "other", want: CodeInvalidName},
		{name: "punctuation only", team: "!!!", userID: "other", want: CodeInvalidName},
		{name: "no latin letters", team: "東京", userID: "other", want: CodeInvalidName},
		{name: "same slug", team: "ALPHA", userID: "other", want: CodeNameTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateTeam(context.Background(), tc.team, tc.userID)
			expectCode(t, err, tc.want)
		})
	}
	if loadUser(t, f.store, "other").HasTeam() {
		t.Fatalf("failed creates must not assign a team")
	}
}

func TestApplyToJoinErrors(t *testing.T) {
	f := newFixture(t, "leader", "member", "applicant", "elsewhere")
	alpha := f.createTeam(t, "Alpha", "leader")
	f.createTeam(t, "Beta", "elsewhere")
	f.admit(t, alpha, "member")
	f.apply(t, alpha.Slug, "applicant")

	cases := []struct {
		name   string
		slug   string
		userID string
		want   Code
	}{
		{name: "unknown team", slug: "nope", userID: "applicant", want: CodeTeamNotFound},
		{name: "unknown user", slug: alpha.Slug, userID: "ghost", want: CodeUserNotFound},
		{name: "leader", slug: alpha.Slug, userID: "leader", want: CodeAlreadyLeader},
		{name: "member", slug: alpha.Slug, userID: "member", want: CodeAlreadyInTeam},
		{name: "member of other team", slug: alpha.Slug, userID: "elsewhere", want: CodeAlreadyInTeam},
		{name: "pending", slug: alpha.Slug, userID: "applicant", want: CodeAlreadyApplied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ApplyToJoin(context.Background(), tc.slug, tc.userID)
			expectCode(t, err, tc.want)
		})
	}
}

func TestApplyRejectApplyReusesSingleRow(t *testing.T) {
	f := newFixture(t, "leader", "applicant")
	team := f.createTeam(t, "Alpha", "leader")

	first := f.apply(t, team.Slug, "applicant")
	rejected, err := f.svc.RejectRequest(context.Background(), team.Slug, first.ID, "leader")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.JoinRequestRejected || rejected.RespondedAt == nil {
		t.Fatalf("unexpected rejected request %+v", rejected)
	}

	second := f.apply(t, team.Slug, "applicant")
	if second.ID != first.ID {
		t.Fatalf("expected the pair row to be reused, got %s and %s", first.ID, second.ID)
	}
	stored := loadRequest(t, f.store, team.ID, "applicant")
	if stored.Status != domain.JoinRequestPending || stored.RespondedAt != nil {
		t.Fatalf("expected pending row without response time, got %+v", stored)
	}
	pending, err := f.svc.ListRequests(context.Background(), team.Slug, "leader", domain.JoinRequestPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
}

func TestAlphaTeamFillsUpAtCapacity(t *testing.T) {
	f := newFixture(t, "L", "A", "B", "C", "D", "E")
	alpha := f.createTeam(t, "Alpha", "L")
	for _, id := range []string{"A", "B", "C", "D"} {
		f.admit(t, alpha, id)
	}

	view, err := f.svc.GetTeam(context.Background(), alpha.Slug)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if len(view.Members) != domain.MaxMembers || view.Capacity != domain.MaxMembers {
		t.Fatalf("expected full team, got %d/%d", len(view.Members), view.Capacity)
	}

	req := f.apply(t, alpha.Slug, "E")
	_, err = f.svc.ApproveRequest(context.Background(), alpha.Slug, req.ID, "L")
	expectCode(t, err, CodeTeamFull)
	if got := loadRequest(t, f.store, alpha.ID, "E"); got.Status != domain.JoinRequestPending {
		t.Fatalf("expected request to stay pending, got %s", got.Status)
	}
	if loadUser(t, f.store, "E").HasTeam() {
		t.Fatalf("expected E to stay team-less")
	}
}

func TestApproveRejectsApplicantsOtherPendingRequests(t *testing.T) {
	f := newFixture(t, "l1", "l2", "l3", "u")
	t1 := f.createTeam(t, "One", "l1")
	t2 := f.createTeam(t, "Two", "l2")
	t3 := f.createTeam(t, "Three", "l3")
	r1 := f.apply(t, t1.Slug, "u")
	r2 := f.apply(t, t2.Slug, "u")
	f.apply(t, t3.Slug, "u")

	approval, err := f.svc.ApproveRequest(context.Background(), t1.Slug, r1.ID, "l1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approval.Cascaded != 2 {
		t.Fatalf("expected 2 cascaded rejections, got %d", approval.Cascaded)
	}
	if approval.Request.Status != domain.JoinRequestAccepted {
		t.Fatalf("expected accepted request, got %s", approval.Request.Status)
	}
	for _, team := range []*domain.Team{t2, t3} {
		got := loadRequest(t, f.store, team.ID, "u")
		if got.Status != domain.JoinRequestRejected || got.RespondedAt == nil {
			t.Fatalf("expected %s request rejected, got %+v", team.Slug, got)
		}
	}
	if len(approval.Rejected) != 2 {
		t.Fatalf("expected 2 rejected rows, got %d", len(approval.Rejected))
	}

	// accepted on t1, then one rejection per other team
	tail := f.pub.events[len(f.pub.events)-3:]
	if tail[0].Type != EventRequestAccepted || tail[0].Cascaded != 2 || tail[0].ActorID != "l1" || tail[0].TeamSlug != t1.Slug {
		t.Fatalf("unexpected accept event %+v", tail[0])
	}
	seen := map[string]Event{}
	for _, e := range tail[1:] {
		if e.Type != EventRequestRejected {
			t.Fatalf("expected request.rejected, got %+v", e)
		}
		seen[e.TeamSlug] = e
	}
	for _, team := range []*domain.Team{t2, t3} {
		e, ok := seen[team.Slug]
		if !ok {
			t.Fatalf("no rejection event for %s in %+v", team.Slug, tail)
		}
		want := loadRequest(t, f.store, team.ID, "u")
		if e.TeamID != team.ID || e.UserID != "u" || e.ActorID != "l1" || e.RequestID != want.ID {
			t.Fatalf("unexpected rejection event for %s: %+v", team.Slug, e)
		}
	}

	published := len(f.pub.events)
	_, err = f.svc.ApproveRequest(context.Background(), t2.Slug, r2.ID, "l2")
	expectCode(t, err, CodeRequestNotPending)
	if len(f.pub.events) != published {
		t.Fatalf("failed approval published %+v", f.pub.events[published:])
	}
}

func TestApproveAndRejectChecks(t *testing.T) {
	f := newFixture(t, "l1", "l2", "u", "v", "w")
	t1 := f.createTeam(t, "One", "l1")
	t2 := f.createTeam(t, "Two", "l2")
	ru := f.apply(t, t1.Slug, "u")
	rv := f.apply(t, t2.Slug, "v")
	rw := f.apply(t, t1.Slug, "w")
	f.admit(t, t2, "w")

	if _, err := f.svc.RejectRequest(context.Background(), t1.Slug, ru.ID, "l1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	cases := []struct {
		name      string
		slug      string
		requestID string
		leaderID  string
		want      Code
	}{
		{name: "unknown team", slug: "nope", requestID: ru.ID, leaderID: "l1", want: CodeTeamNotFound},
		{name: "not leader", slug: t1.Slug, requestID: ru.ID, leaderID: "u", want: CodeForbidden},
		{name: "other team leader", slug: t1.Slug, requestID: ru.ID, leaderID: "l2", want: CodeForbidden},
		{name: "unknown request", slug: t1.Slug, requestID: "missing", leaderID: "l1", want: CodeRequestNotFound},
		{name: "request of other team", slug: t1.Slug, requestID: rv.ID, leaderID: "l1", want: CodeRequestNotFound},
		{name: "already responded", slug: t1.Slug, requestID: ru.ID, leaderID: "l1", want: CodeRequestNotPending},
	}
	for _, tc := range cases {
		t.Run("approve "+tc.name, func(t *testing.T) {
			_, err := f.svc.ApproveRequest(context.Background(), tc.slug, tc.requestID, tc.leaderID)
			expectCode(t, err, tc.want)
		})
		t.Run("reject "+tc.name, func(t *testing.T) {
			_, err := f.svc.RejectRequest(context.Background(), tc.slug, tc.requestID, tc.leaderID)
			expectCode(t, err, tc.want)
		})
	}

	t.Run("applicant joined elsewhere", func(t *testing.T) {
		// w's t1 request was cascaded to REJECTED when t2 accepted it.
		_, err := f.svc.ApproveRequest(context.Background(), t1.Slug, rw.ID, "l1")
		expectCode(t, err, CodeRequestNotPending)
	})
}

func TestApproveRejectsApplicantAlreadyInTeam(t *testing.T) {
	f := newFixture(t, "l1", "l2", "u")
	t1 := f.createTeam(t, "One", "l1")
	req := f.apply(t, t1.Slug, "u")
	// u founds a team of their own while the request is still pending.
	f.createTeam(t, "Solo", "u")

	_, err := f.svc.ApproveRequest(context.Background(), t1.Slug, req.ID, "l1")
	expectCode(t, err, CodeApplicantAlreadyInTeam)
	if got := loadRequest(t, f.store, t1.ID, "u"); got.Status != domain.JoinRequestPending {
		t.Fatalf("expected request untouched, got %s", got.Status)
	}
}

func TestLeaveTeam(t *testing.T) {
	f := newFixture(t, "leader", "member", "outsider")
	team := f.createTeam(t, "Alpha", "leader")
	f.admit(t, team, "member")

	_, err := f.svc.LeaveTeam(context.Background(), team.Slug, "leader")
	expectCode(t, err, CodeLeaderCannotLeave)
	_, err = f.svc.LeaveTeam(context.Background(), team.Slug, "outsider")
	expectCode(t, err, CodeNotMember)
	_, err = f.svc.LeaveTeam(context.Background(), team.Slug, "ghost")
	expectCode(t, err, CodeUserNotFound)
	_, err = f.svc.LeaveTeam(context.Background(), "nope", "member")
	expectCode(t, err, CodeTeamNotFound)

	if _, err := f.svc.LeaveTeam(context.Background(), team.Slug, "member"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if loadUser(t, f.store, "member").HasTeam() {
		t.Fatalf("expected member to be team-less")
	}
	if !loadUser(t, f.store, "leader").InTeam(team.ID) {
		t.Fatalf("leader must remain a member")
	}

	// A former member may apply again; the accepted row is reopened.
	req := f.apply(t, team.Slug, "member")
	if req.Status != domain.JoinRequestPending {
		t.Fatalf("expected pending request, got %s", req.Status)
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t, "leader", "member", "other", "outsider")
	team := f.createTeam(t, "Alpha", "leader")
	f.admit(t, team, "member")
	f.admit(t, team, "other")

	cases := []struct {
		name     string
		memberID string
		leaderID string
		want     Code
	}{
		{name: "non-leader", memberID: "other", leaderID: "member", want: CodeForbidden},
		{name: "leader target", memberID: "leader", leaderID: "leader", want: CodeCannotRemoveLeader},
		{name: "not a member", memberID: "outsider", leaderID: "leader", want: CodeMemberNotFound},
		{name: "unknown user", memberID: "ghost", leaderID: "leader", want: CodeMemberNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RemoveMember(context.Background(), team.Slug, tc.memberID, tc.leaderID)
			expectCode(t, err, tc.want)
		})
	}

	if _, err := f.svc.RemoveMember(context.Background(), team.Slug, "member", "leader"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	view, err := f.svc.GetTeam(context.Background(), team.Slug)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if len(view.Members) != 2 {
		t.Fatalf("expected 2 members after removal, got %d", len(view.Members))
	}
	last := f.pub.events[len(f.pub.events)-1]
	if last.Type != EventMemberRemoved || last.UserID != "member" || last.ActorID != "leader" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestListRequestsIsLeaderOnly(t *testing.T) {
	f := newFixture(t, "leader", "a", "b")
	team := f.createTeam(t, "Alpha", "leader")
	ra := f.apply(t, team.Slug, "a")
	f.apply(t, team.Slug, "b")
	if _, err := f.svc.RejectRequest(context.Background(), team.Slug, ra.ID, "leader"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := f.svc.ListRequests(context.Background(), team.Slug, "a", domain.JoinRequestPending)
	expectCode(t, err, CodeForbidden)

	rejected, err := f.svc.ListRequests(context.Background(), team.Slug, "leader", domain.JoinRequestRejected)
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].UserID != "a" {
		t.Fatalf("unexpected rejected list %+v", rejected)
	}
	pending, err := f.svc.ListRequests(context.Background(), team.Slug, "leader", "bogus")
	if err != nil {
		t.Fatalf("list default: %v", err)
	}
	if len(pending) != 1 || pending[0].UserID != "b" {
		t.Fatalf("unexpected pending list %+v", pending)
	}
}

func TestConflictsAreRetriedAndPublishOnce(t *testing.T) {
	store := memory.New()
	seedUsers(t, store, "leader")
	flaky := &flakyTransactor{inner: store, failures: 2}
	svc, pub := newTestService(t, flaky, 3)

	team, err := svc.CreateTeam(context.Background(), "Alpha", "leader")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
	if len(pub.events) != 1 || pub.events[0].TeamID != team.ID {
		t.Fatalf("expected exactly one event for the committed attempt, got %+v", pub.events)
	}
}

func TestExhaustedRetriesSurfaceAsRetryExhausted(t *testing.T) {
	store := memory.New()
	seedUsers(t, store, "leader")
	flaky := &flakyTransactor{inner: store, failures: 10}
	svc, pub := newTestService(t, flaky, 3)

	_, err := svc.CreateTeam(context.Background(), "Alpha", "leader")
	expectCode(t, err, CodeRetryExhausted)
	if !errors.Is(err, txrunner.ErrRetryExhausted) {
		t.Fatalf("expected runner error to be wrapped, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no events, got %d", len(pub.events))
	}
	if loadUser(t, store, "leader").HasTeam() {
		t.Fatalf("expected no committed writes")
	}
}

func TestInfrastructureErrorsAreNotTaxonomyErrors(t *testing.T) {
	errDown := errors.New("database unavailable")
	svc, _ := newTestService(t, failingTransactor{err: errDown}, 3)

	_, err := svc.LeaveTeam(context.Background(), "alpha", "u")
	if !errors.Is(err, errDown) {
		t.Fatalf("expected wrapped infrastructure error, got %v", err)
	}
	if CodeOf(err) != CodeUnknown {
		t.Fatalf("expected no taxonomy code, got %s", CodeOf(err))
	}
}

type failingTransactor struct {
	err error
}

func (f failingTransactor) WithinTx(context.Context, func(context.Context, repository.Store) error) error {
	return f.err
}
