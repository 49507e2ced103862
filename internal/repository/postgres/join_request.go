package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
)

const (
	joinRequestColumns    = `id, team_id, user_id, status, created_at, responded_at`
	joinRequestSelectByID = `SELECT ` + joinRequestColumns + ` FROM team_join_requests WHERE id = $1`
	joinRequestSelectPair = `SELECT ` + joinRequestColumns + ` FROM team_join_requests WHERE team_id = $1 AND user_id = $2`
	joinRequestListByTeam = `SELECT ` + joinRequestColumns + ` FROM team_join_requests WHERE team_id = $1 AND status = $2 ORDER BY created_at, id`
	joinRequestUpsert     = `INSERT INTO team_join_requests (
		id,
		team_id,
		user_id,
		status,
		created_at,
		responded_at
	) VALUES (
		$1,$2,$3,'PENDING',$4,NULL
	)
	ON CONFLICT (team_id, user_id) DO UPDATE
		SET status = 'PENDING', responded_at = NULL, created_at = EXCLUDED.created_at
		WHERE team_join_requests.status <> 'PENDING'
	RETURNING ` + joinRequestColumns
	joinRequestSetStatus   = `UPDATE team_join_requests SET status = $2, responded_at = $3 WHERE id = $1`
	joinRequestRejectOther = `UPDATE team_join_requests SET status = 'REJECTED', responded_at = $3
		WHERE user_id = $1 AND id <> $2 AND status = 'PENDING'
		RETURNING ` + joinRequestColumns
)

// GetJoinRequestByID fetches a request by identifier.
func (s *txStore) GetJoinRequestByID(ctx context.Context, id string) (*domain.JoinRequest, error) {
	return scanJoinRequest(s.q.QueryRow(ctx, joinRequestSelectByID, id))
}

// GetJoinRequest fetches the single row for a (team, user) pair.
func (s *txStore) GetJoinRequest(ctx context.Context, teamID, userID string) (*domain.JoinRequest, error) {
	return scanJoinRequest(s.q.QueryRow(ctx, joinRequestSelectPair, teamID, userID))
}

// UpsertPendingJoinRequest creates the pair row or flips it back to PENDING.
// A row that is already PENDING is left untouched and reported as
// repository.ErrAlreadyExists.
func (s *txStore) UpsertPendingJoinRequest(ctx context.Context, req *domain.JoinRequest) error {
	if req == nil || req.ID == "" || req.TeamID == "" || req.UserID == "" {
		return repository.ErrInvalidArgument
	}
	row := s.q.QueryRow(ctx, joinRequestUpsert, req.ID, req.TeamID, req.UserID, req.CreatedAt.UTC())
	stored, err := scanJoinRequest(row)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrAlreadyExists
		}
		return err
	}
	*req = *stored
	return nil
}

// SetJoinRequestStatus records a leader decision.
func (s *txStore) SetJoinRequestStatus(ctx context.Context, id string, status domain.JoinRequestStatus, respondedAt time.Time) error {
	if !status.Valid() {
		return repository.ErrInvalidArgument
	}
	tag, err := s.q.Exec(ctx, joinRequestSetStatus, id, string(status), respondedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RejectOtherPendingRequests rejects the user's other open applications.
func (s *txStore) RejectOtherPendingRequests(ctx context.Context, userID, exceptID string, respondedAt time.Time) ([]domain.JoinRequest, error) {
	rows, err := s.q.Query(ctx, joinRequestRejectOther, userID, exceptID, respondedAt.UTC())
	if err != nil {
		return nil, mapError(err)
	}
	return collectJoinRequests(rows)
}

// ListJoinRequestsByTeam lists a team's requests in a given status.
func (s *txStore) ListJoinRequestsByTeam(ctx context.Context, teamID string, status domain.JoinRequestStatus) ([]domain.JoinRequest, error) {
	rows, err := s.q.Query(ctx, joinRequestListByTeam, teamID, string(status))
	if err != nil {
		return nil, mapError(err)
	}
	return collectJoinRequests(rows)
}

func collectJoinRequests(rows pgx.Rows) ([]domain.JoinRequest, error) {
	defer rows.Close()

	requests := make([]domain.JoinRequest, 0)
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, mapError(rows.Err())
}

func scanJoinRequest(row pgx.Row) (*domain.JoinRequest, error) {
	var (
		req    domain.JoinRequest
		status string
	)
	if err := row.Scan(&req.ID, &req.TeamID, &req.UserID, &status, &req.CreatedAt, &req.RespondedAt); err != nil {
		return nil, mapError(err)
	}
	req.Status = domain.JoinRequestStatus(status)
	return &req, nil
}
