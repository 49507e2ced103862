package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Transactor = (*Repository)(nil)
	_ repository.Store      = (*txStore)(nil)
)

// querier is the subset of pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txStore binds the repository queries to one transaction.
type txStore struct {
	q querier
}

// WithinTx runs fn inside a SERIALIZABLE transaction. PostgreSQL reports
// serialization and deadlock failures as SQLSTATE 40001 and 40P01, possibly
// only at commit; both surface as repository.ErrSerialization.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateUser inserts a user.
func (s *txStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return repository.ErrInvalidArgument
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const query = `INSERT INTO users (id, display_name, team_id, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := s.q.Exec(ctx, query, user.ID, user.DisplayName, user.TeamID, createdAt.UTC())
	return mapError(err)
}

// GetUserByID retrieves a user by identifier.
func (s *txStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, display_name, team_id, created_at FROM users WHERE id = $1`
	row := s.q.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.TeamID, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// AssignTeamIfUnset moves a team-less user into teamID.
func (s *txStore) AssignTeamIfUnset(ctx context.Context, userID, teamID string) (bool, error) {
	const query = `UPDATE users SET team_id = $2 WHERE id = $1 AND team_id IS NULL`
	tag, err := s.q.Exec(ctx, query, userID, teamID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearTeam removes a user from teamID.
func (s *txStore) ClearTeam(ctx context.Context, userID, teamID string) (bool, error) {
	const query = `UPDATE users SET team_id = NULL WHERE id = $1 AND team_id = $2`
	tag, err := s.q.Exec(ctx, query, userID, teamID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateTeam creates a team record.
func (s *txStore) CreateTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO teams (id, slug, name, leader_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.q.Exec(ctx, query, team.ID, team.Slug, team.Name, team.LeaderUserID, team.CreatedAt.UTC())
	return mapError(err)
}

// GetTeamByID returns a team by identifier.
func (s *txStore) GetTeamByID(ctx context.Context, id string) (*domain.Team, error) {
	const query = `SELECT id, slug, name, leader_user_id, created_at FROM teams WHERE id = $1`
	return scanTeam(s.q.QueryRow(ctx, query, id))
}

// GetTeamBySlug returns a team by its unique slug.
func (s *txStore) GetTeamBySlug(ctx context.Context, slug string) (*domain.Team, error) {
	const query = `SELECT id, slug, name, leader_user_id, created_at FROM teams WHERE slug = $1`
	return scanTeam(s.q.QueryRow(ctx, query, slug))
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Slug, &team.Name, &team.LeaderUserID, &team.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &team, nil
}

// CountMembers counts users currently pointing at the team.
func (s *txStore) CountMembers(ctx context.Context, teamID string) (int, error) {
	const query = `SELECT COUNT(1) FROM users WHERE team_id = $1`
	row := s.q.QueryRow(ctx, query, teamID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

// ListMembers returns the users of a team ordered by account age.
func (s *txStore) ListMembers(ctx context.Context, teamID string) ([]domain.User, error) {
	const query = `SELECT id, display_name, team_id, created_at
		FROM users WHERE team_id = $1 ORDER BY created_at, id`
	rows, err := s.q.Query(ctx, query, teamID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	members := make([]domain.User, 0, domain.MaxMembers)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.TeamID, &u.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		members = append(members, u)
	}
	return members, mapError(rows.Err())
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", repository.ErrSerialization, err)
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrAlreadyExists, pgErr.ConstraintName)
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
