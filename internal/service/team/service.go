package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/txrunner"
)

// Service handles team membership workflows. Every operation runs as one
// unit of work on the runner and re-reads all rows it depends on inside that
// transaction.
type Service struct {
	runner    *txrunner.Runner
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New constructs a Service. A nil publisher discards events.
func New(runner *txrunner.Runner, publisher Publisher, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		runner:    runner,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// TeamView is a team with its current members.
type TeamView struct {
	Team     domain.Team
	Members  []domain.User
	Capacity int
}

// Approval is the outcome of an accepted join request.
type Approval struct {
	Request domain.JoinRequest
	// Cascaded counts the applicant's other pending requests that were
	// rejected in the same transaction.
	Cascaded int64
	Rejected []CascadedRejection
}

// CascadedRejection is another team's request closed by an approval.
type CascadedRejection struct {
	Request domain.JoinRequest
	Team    domain.Team
}

// CreateTeam creates a team led by userID, who becomes its first member.
func (s Service) CreateTeam(ctx context.Context, name, userID string) (*domain.Team, error) {
	name, ok := NormalizeName(name)
	slug := Slugify(name)
	if !ok || slug == "" {
		return nil, ErrInvalidName
	}
	team, err := txrunner.Run(ctx, s.runner, "team.create", func(ctx context.Context, store repository.Store) (*domain.Team, error) {
		user, err := store.GetUserByID(ctx, userID)
		if err != nil {
			return nil, notFound(err, ErrUserNotFound)
		}
		if user.HasTeam() {
			return nil, ErrAlreadyInTeam
		}
		team := &domain.Team{
			ID:           s.newID(),
			Slug:         slug,
			Name:         name,
			LeaderUserID: user.ID,
			CreatedAt:    s.now(),
		}
		if err := store.CreateTeam(ctx, team); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return nil, ErrNameTaken
			}
			return nil, err
		}
		assigned, err := store.AssignTeamIfUnset(ctx, user.ID, team.ID)
		if err != nil {
			return nil, err
		}
		if !assigned {
			return nil, ErrAlreadyInTeam
		}
		return team, nil
	})
	if err != nil {
		return nil, s.fail("create team", err, "user_id", userID, "slug", slug)
	}
	s.logger.Info("team created", "team_id", team.ID, "slug", team.Slug, "leader_id", userID)
	s.publish(ctx, Event{Type: EventTeamCreated, TeamID: team.ID, TeamSlug: team.Slug, UserID: userID, ActorID: userID})
	return team, nil
}

// ApplyToJoin files, or re-opens, userID's request to join the team.
func (s Service) ApplyToJoin(ctx context.Context, teamSlug, userID string) (*domain.JoinRequest, error) {
	slug := normalizeSlug(teamSlug)
	var team *domain.Team
	req, err := txrunner.Run(ctx, s.runner, "team.apply", func(ctx context.Context, store repository.Store) (*domain.JoinRequest, error) {
		var err error
		team, err = store.GetTeamBySlug(ctx, slug)
		if err != nil {
			return nil, notFound(err, ErrTeamNotFound)
		}
		user, err := store.GetUserByID(ctx, userID)
		if err != nil {
			return nil, notFound(err, ErrUserNotFound)
		}
		if team.IsLeader(user.ID) {
			return nil, ErrAlreadyLeader
		}
		if user.HasTeam() {
			return nil, ErrAlreadyInTeam
		}
		existing, err := store.GetJoinRequest(ctx, team.ID, user.ID)
		switch {
		case err == nil && existing.IsPending():
			return nil, ErrAlreadyApplied
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
		req := &domain.JoinRequest{
			ID:        s.newID(),
			TeamID:    team.ID,
			UserID:    user.ID,
			CreatedAt: s.now(),
		}
		if err := store.UpsertPendingJoinRequest(ctx, req); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return nil, ErrAlreadyApplied
			}
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, s.fail("apply to team", err, "user_id", userID, "slug", slug)
	}
	s.logger.Info("join request filed", "team_id", team.ID, "user_id", userID, "request_id", req.ID)
	s.publish(ctx, Event{Type: EventRequestCreated, TeamID: team.ID, TeamSlug: team.Slug, UserID: userID, ActorID: userID, RequestID: req.ID})
	return req, nil
}

// ApproveRequest accepts a pending request, moves the applicant into the
// team and rejects the applicant's other pending requests, notifying each of
// those teams. A full team is reported as ErrTeamFull and leaves the request
// pending.
func (s Service) ApproveRequest(ctx context.Context, teamSlug, requestID, leaderID string) (*Approval, error) {
	slug := normalizeSlug(teamSlug)
	var team *domain.Team
	approval, err := txrunner.Run(ctx, s.runner, "team.approve", func(ctx context.Context, store repository.Store) (*Approval, error) {
		var (
			req *domain.JoinRequest
			err error
		)
		team, req, err = s.loadPendingRequest(ctx, store, slug, requestID, leaderID)
		if err != nil {
			return nil, err
		}
		applicant, err := store.GetUserByID(ctx, req.UserID)
		if err != nil {
			return nil, notFound(err, ErrApplicantNotFound)
		}
		if applicant.HasTeam() {
			return nil, ErrApplicantAlreadyInTeam
		}
		members, err := store.CountMembers(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		if members >= domain.MaxMembers {
			return nil, ErrTeamFull
		}
		moved, err := store.AssignTeamIfUnset(ctx, applicant.ID, team.ID)
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, ErrApplicantChanged
		}
		now := s.now()
		if err := store.SetJoinRequestStatus(ctx, req.ID, domain.JoinRequestAccepted, now); err != nil {
			return nil, err
		}
		closed, err := store.RejectOtherPendingRequests(ctx, applicant.ID, req.ID, now)
		if err != nil {
			return nil, err
		}
		rejected := make([]CascadedRejection, 0, len(closed))
		for _, other := range closed {
			otherTeam, err := store.GetTeamByID(ctx, other.TeamID)
			if err != nil {
				return nil, err
			}
			rejected = append(rejected, CascadedRejection{Request: other, Team: *otherTeam})
		}
		req.Status = domain.JoinRequestAccepted
		req.RespondedAt = &now
		return &Approval{Request: *req, Cascaded: int64(len(rejected)), Rejected: rejected}, nil
	})
	if err != nil {
		return nil, s.fail("approve request", err, "request_id", requestID, "leader_id", leaderID, "slug", slug)
	}
	req := approval.Request
	s.logger.Info("join request accepted", "team_id", team.ID, "user_id", req.UserID, "request_id", req.ID, "cascaded", approval.Cascaded)
	s.publish(ctx, Event{
		Type:      EventRequestAccepted,
		TeamID:    team.ID,
		TeamSlug:  team.Slug,
		UserID:    req.UserID,
		ActorID:   leaderID,
		RequestID: req.ID,
		Cascaded:  approval.Cascaded,
	})
	for _, r := range approval.Rejected {
		s.publish(ctx, Event{
			Type:      EventRequestRejected,
			TeamID:    r.Team.ID,
			TeamSlug:  r.Team.Slug,
			UserID:    r.Request.UserID,
			ActorID:   leaderID,
			RequestID: r.Request.ID,
		})
	}
	return approval, nil
}

// RejectRequest declines a pending request.
func (s Service) RejectRequest(ctx context.Context, teamSlug, requestID, leaderID string) (*domain.JoinRequest, error) {
	slug := normalizeSlug(teamSlug)
	var team *domain.Team
	req, err := txrunner.Run(ctx, s.runner, "team.reject", func(ctx context.Context, store repository.Store) (*domain.JoinRequest, error) {
		var (
			req *domain.JoinRequest
			err error
		)
		team, req, err = s.loadPendingRequest(ctx, store, slug, requestID, leaderID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		if err := store.SetJoinRequestStatus(ctx, req.ID, domain.JoinRequestRejected, now); err != nil {
			return nil, err
		}
		req.Status = domain.JoinRequestRejected
		req.RespondedAt = &now
		return req, nil
	})
	if err != nil {
		return nil, s.fail("reject request", err, "request_id", requestID, "leader_id", leaderID, "slug", slug)
	}
	s.logger.Info("join request rejected", "team_id", team.ID, "user_id", req.UserID, "request_id", req.ID)
	s.publish(ctx, Event{Type: EventRequestRejected, TeamID: team.ID, TeamSlug: team.Slug, UserID: req.UserID, ActorID: leaderID, RequestID: req.ID})
	return req, nil
}

// LeaveTeam removes userID from the team. The leader cannot leave.
func (s Service) LeaveTeam(ctx context.Context, teamSlug, userID string) (*domain.Team, error) {
	slug := normalizeSlug(teamSlug)
	team, err := txrunner.Run(ctx, s.runner, "team.leave", func(ctx context.Context, store repository.Store) (*domain.Team, error) {
		team, err := store.GetTeamBySlug(ctx, slug)
		if err != nil {
			return nil, notFound(err, ErrTeamNotFound)
		}
		user, err := store.GetUserByID(ctx, userID)
		if err != nil {
			return nil, notFound(err, ErrUserNotFound)
		}
		if !user.InTeam(team.ID) {
			return nil, ErrNotMember
		}
		if team.IsLeader(user.ID) {
			return nil, ErrLeaderCannotLeave
		}
		cleared, err := store.ClearTeam(ctx, user.ID, team.ID)
		if err != nil {
			return nil, err
		}
		if !cleared {
			return nil, ErrNotMember
		}
		return team, nil
	})
	if err != nil {
		return nil, s.fail("leave team", err, "user_id", userID, "slug", slug)
	}
	s.logger.Info("member left team", "team_id", team.ID, "user_id", userID)
	s.publish(ctx, Event{Type: EventMemberLeft, TeamID: team.ID, TeamSlug: team.Slug, UserID: userID, ActorID: userID})
	return team, nil
}

// RemoveMember lets the leader remove another member from the team.
func (s Service) RemoveMember(ctx context.Context, teamSlug, memberID, leaderID string) (*domain.Team, error) {
	slug := normalizeSlug(teamSlug)
	team, err := txrunner.Run(ctx, s.runner, "team.remove", func(ctx context.Context, store repository.Store) (*domain.Team, error) {
		team, err := store.GetTeamBySlug(ctx, slug)
		if err != nil {
			return nil, notFound(err, ErrTeamNotFound)
		}
		if !team.IsLeader(leaderID) {
			return nil, ErrForbidden
		}
		if memberID == team.LeaderUserID {
			return nil, ErrCannotRemoveLeader
		}
		member, err := store.GetUserByID(ctx, memberID)
		if err != nil {
			return nil, notFound(err, ErrMemberNotFound)
		}
		if !member.InTeam(team.ID) {
			return nil, ErrMemberNotFound
		}
		cleared, err := store.ClearTeam(ctx, member.ID, team.ID)
		if err != nil {
			return nil, err
		}
		if !cleared {
			return nil, ErrMemberNotFound
		}
		return team, nil
	})
	if err != nil {
		return nil, s.fail("remove member", err, "member_id", memberID, "leader_id", leaderID, "slug", slug)
	}
	s.logger.Info("member removed from team", "team_id", team.ID, "user_id", memberID, "leader_id", leaderID)
	s.publish(ctx, Event{Type: EventMemberRemoved, TeamID: team.ID, TeamSlug: team.Slug, UserID: memberID, ActorID: leaderID})
	return team, nil
}

// GetTeam returns the team with its current members.
func (s Service) GetTeam(ctx context.Context, teamSlug string) (*TeamView, error) {
	slug := normalizeSlug(teamSlug)
	view, err := txrunner.Run(ctx, s.runner, "team.get", func(ctx context.Context, store repository.Store) (*TeamView, error) {
		team, err := store.GetTeamBySlug(ctx, slug)
		if err != nil {
			return nil, notFound(err, ErrTeamNotFound)
		}
		members, err := store.ListMembers(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		return &TeamView{Team: *team, Members: members, Capacity: domain.MaxMembers}, nil
	})
	if err != nil {
		return nil, s.fail("get team", err, "slug", slug)
	}
	return view, nil
}

// ListRequests lists the team's join requests in status; only the leader may
// see them. An unknown status lists pending requests.
func (s Service) ListRequests(ctx context.Context, teamSlug, leaderID string, status domain.JoinRequestStatus) ([]domain.JoinRequest, error) {
	slug := normalizeSlug(teamSlug)
	if !status.Valid() {
		status = domain.JoinRequestPending
	}
	requests, err := txrunner.Run(ctx, s.runner, "team.requests", func(ctx context.Context, store repository.Store) ([]domain.JoinRequest, error) {
		team, err := store.GetTeamBySlug(ctx, slug)
		if err != nil {
			return nil, notFound(err, ErrTeamNotFound)
		}
		if !team.IsLeader(leaderID) {
			return nil, ErrForbidden
		}
		return store.ListJoinRequestsByTeam(ctx, team.ID, status)
	})
	if err != nil {
		return nil, s.fail("list requests", err, "leader_id", leaderID, "slug", slug)
	}
	return requests, nil
}

// loadPendingRequest performs the checks shared by approve and reject.
func (s Service) loadPendingRequest(ctx context.Context, store repository.Store, slug, requestID, leaderID string) (*domain.Team, *domain.JoinRequest, error) {
	team, err := store.GetTeamBySlug(ctx, slug)
	if err != nil {
		return nil, nil, notFound(err, ErrTeamNotFound)
	}
	if !team.IsLeader(leaderID) {
		return nil, nil, ErrForbidden
	}
	req, err := store.GetJoinRequestByID(ctx, requestID)
	if err != nil {
		return nil, nil, notFound(err, ErrRequestNotFound)
	}
	if req.TeamID != team.ID {
		return nil, nil, ErrRequestNotFound
	}
	if !req.IsPending() {
		return nil, nil, ErrRequestNotPending
	}
	return team, req, nil
}

// fail converts a unit-of-work error into what callers see: taxonomy errors
// unchanged, exhausted retries as ErrRetryExhausted, everything else wrapped.
func (s Service) fail(op string, err error, attrs ...any) error {
	var domainErr *Error
	switch {
	case errors.As(err, &domainErr):
		s.logger.Debug(op+" rejected", append(attrs, "code", domainErr.Code.String())...)
		return err
	case errors.Is(err, txrunner.ErrRetryExhausted):
		s.logger.Warn(op+" gave up after conflicts", append(attrs, "error", err)...)
		return &Error{Code: CodeRetryExhausted, Message: ErrRetryExhausted.Message, Err: err}
	default:
		s.logger.Error(op+" failed", append(attrs, "error", err)...)
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s Service) publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	s.publisher.Publish(ctx, event)
}

// notFound maps a repository miss onto the given taxonomy error.
func notFound(err error, domainErr *Error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return domainErr
	}
	return err
}
