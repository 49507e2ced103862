package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
)

const joinRequestColumns = `id, team_id, user_id, status, created_at, responded_at`

// GetJoinRequestByID fetches a request by identifier.
func (s *txStore) GetJoinRequestByID(ctx context.Context, id string) (*domain.JoinRequest, error) {
	row := s.tx.QueryRowContext(ctx, `SELECT `+joinRequestColumns+` FROM team_join_requests WHERE id = ?`, id)
	return scanJoinRequest(row)
}

// GetJoinRequest fetches the single row for a (team, user) pair.
func (s *txStore) GetJoinRequest(ctx context.Context, teamID, userID string) (*domain.JoinRequest, error) {
	row := s.tx.QueryRowContext(ctx,
		`SELECT `+joinRequestColumns+` FROM team_join_requests WHERE team_id = ? AND user_id = ?`, teamID, userID)
	return scanJoinRequest(row)
}

// UpsertPendingJoinRequest creates the pair row or flips it back to PENDING.
// A row that is already PENDING is reported as repository.ErrAlreadyExists.
func (s *txStore) UpsertPendingJoinRequest(ctx context.Context, req *domain.JoinRequest) error {
	if req == nil || req.ID == "" || req.TeamID == "" || req.UserID == "" {
		return repository.ErrInvalidArgument
	}
	row := s.tx.QueryRowContext(ctx,
		`INSERT INTO team_join_requests (id, team_id, user_id, status, created_at, responded_at)
		 VALUES (?, ?, ?, 'PENDING', ?, NULL)
		 ON CONFLICT (team_id, user_id) DO UPDATE
		   SET status = 'PENDING', responded_at = NULL, created_at = excluded.created_at
		   WHERE team_join_requests.status <> 'PENDING'
		 RETURNING `+joinRequestColumns,
		req.ID, req.TeamID, req.UserID, toMillis(req.CreatedAt),
	)
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
	res, err := s.tx.ExecContext(ctx,
		`UPDATE team_join_requests SET status = ?, responded_at = ? WHERE id = ?`,
		string(status), toMillis(respondedAt), id)
	ok, err := singleRow(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}

// RejectOtherPendingRequests rejects the user's other open applications.
func (s *txStore) RejectOtherPendingRequests(ctx context.Context, userID, exceptID string, respondedAt time.Time) ([]domain.JoinRequest, error) {
	rows, err := s.tx.QueryContext(ctx,
		`UPDATE team_join_requests SET status = 'REJECTED', responded_at = ?
		 WHERE user_id = ? AND id <> ? AND status = 'PENDING'
		 RETURNING `+joinRequestColumns,
		toMillis(respondedAt), userID, exceptID)
	if err != nil {
		return nil, mapError(err)
	}
	return collectJoinRequests(rows)
}

// ListJoinRequestsByTeam lists a team's requests in a given status.
func (s *txStore) ListJoinRequestsByTeam(ctx context.Context, teamID string, status domain.JoinRequestStatus) ([]domain.JoinRequest, error) {
	rows, err := s.tx.QueryContext(ctx,
		`SELECT `+joinRequestColumns+` FROM team_join_requests WHERE team_id = ? AND status = ? ORDER BY created_at, id`,
		teamID, string(status))
	if err != nil {
		return nil, mapError(err)
	}
	return collectJoinRequests(rows)
}

func collectJoinRequests(rows *sql.Rows) ([]domain.JoinRequest, error) {
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

func scanJoinRequest(row rowScanner) (*domain.JoinRequest, error) {
	var (
		req         domain.JoinRequest
		status      string
		createdAt   int64
		respondedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.TeamID, &req.UserID, &status, &createdAt, &respondedAt); err != nil {
		return nil, mapError(err)
	}
	req.Status = domain.JoinRequestStatus(status)
	req.CreatedAt = fromMillis(createdAt)
	if respondedAt.Valid {
		ts := fromMillis(respondedAt.Int64)
		req.RespondedAt = &ts
	}
	return &req, nil
}
