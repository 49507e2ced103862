package repository

import (
	"context"
	"time"

	"github.com/splax/teamforge/internal/domain"
)

// UserRepository reads and mutates the team pointer of users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	// AssignTeamIfUnset sets team_id only where it is currently NULL and
	// reports whether a row was affected.
	AssignTeamIfUnset(ctx context.Context, userID, teamID string) (bool, error)
	// ClearTeam sets team_id to NULL only where it currently equals teamID and
	// reports whether a row was affected.
	ClearTeam(ctx context.Context, userID, teamID string) (bool, error)
}

// TeamRepository manages teams and their membership counts.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, id string) (*domain.Team, error)
	GetTeamBySlug(ctx context.Context, slug string) (*domain.Team, error)
	CountMembers(ctx context.Context, teamID string) (int, error)
	ListMembers(ctx context.Context, teamID string) ([]domain.User, error)
}

// JoinRequestRepository persists join requests, one row per (team, user).
type JoinRequestRepository interface {
	GetJoinRequestByID(ctx context.Context, id string) (*domain.JoinRequest, error)
	GetJoinRequest(ctx context.Context, teamID, userID string) (*domain.JoinRequest, error)
	// UpsertPendingJoinRequest inserts the pair row or flips the existing one
	// back to PENDING with a cleared responded_at. The stored row is written
	// back into req.
	UpsertPendingJoinRequest(ctx context.Context, req *domain.JoinRequest) error
	SetJoinRequestStatus(ctx context.Context, id string, status domain.JoinRequestStatus, respondedAt time.Time) error
	// RejectOtherPendingRequests rejects every PENDING request of userID except
	// exceptID and returns the rows it changed, in their new state.
	RejectOtherPendingRequests(ctx context.Context, userID, exceptID string, respondedAt time.Time) ([]domain.JoinRequest, error)
	ListJoinRequestsByTeam(ctx context.Context, teamID string, status domain.JoinRequestStatus) ([]domain.JoinRequest, error)
}

// Store is the data-access surface available inside one transaction.
type Store interface {
	UserRepository
	TeamRepository
	JoinRequestRepository
}

// Transactor runs fn inside a single serializable transaction. The Store
// handed to fn is bound to that transaction and must not escape it. A
// serialization failure at any point, commit included, is reported as an
// error matching ErrSerialization; Transactor never retries on its own.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}
