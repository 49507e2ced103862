// Package sqlite provides a SQLite-backed team store.
//
// SQLite transactions are serializable: writers are serialized and, in WAL
// mode, a deferred transaction whose read snapshot went stale cannot upgrade
// to a writer. That refusal (SQLITE_BUSY_SNAPSHOT and friends) is the
// conflict signal surfaced as repository.ErrSerialization.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
)

// Store persists teams, users and join requests in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ repository.Transactor = (*Store)(nil)
	_ repository.Store      = (*txStore)(nil)
)

// Open opens a SQLite database at path. Schema migrations are applied
// separately through the goose runner.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// DB exposes the handle for the migration runner.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// WithinTx runs fn inside one deferred SQLite transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) (err error) {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// CreateUser inserts a user.
func (s *txStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return repository.ErrInvalidArgument
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO users (id, display_name, team_id, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.DisplayName, nullString(user.TeamID), toMillis(createdAt),
	)
	return mapError(err)
}

// GetUserByID retrieves a user by identifier.
func (s *txStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.tx.QueryRowContext(ctx, `SELECT id, display_name, team_id, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// AssignTeamIfUnset moves a team-less user into teamID.
func (s *txStore) AssignTeamIfUnset(ctx context.Context, userID, teamID string) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE users SET team_id = ? WHERE id = ? AND team_id IS NULL`, teamID, userID)
	return singleRow(res, err)
}

// ClearTeam removes a user from teamID.
func (s *txStore) ClearTeam(ctx context.Context, userID, teamID string) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE users SET team_id = NULL WHERE id = ? AND team_id = ?`, userID, teamID)
	return singleRow(res, err)
}

// CreateTeam inserts a team.
func (s *txStore) CreateTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return repository.ErrInvalidArgument
	}
	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO teams (id, slug, name, leader_user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		team.ID, team.Slug, team.Name, team.LeaderUserID, toMillis(team.CreatedAt),
	)
	return mapError(err)
}

// GetTeamByID returns a team by identifier.
func (s *txStore) GetTeamByID(ctx context.Context, id string) (*domain.Team, error) {
	return scanTeam(s.tx.QueryRowContext(ctx, `SELECT id, slug, name, leader_user_id, created_at FROM teams WHERE id = ?`, id))
}

// GetTeamBySlug returns a team by its unique slug.
func (s *txStore) GetTeamBySlug(ctx context.Context, slug string) (*domain.Team, error) {
	return scanTeam(s.tx.QueryRowContext(ctx, `SELECT id, slug, name, leader_user_id, created_at FROM teams WHERE slug = ?`, slug))
}

func scanTeam(row rowScanner) (*domain.Team, error) {
	var (
		team      domain.Team
		createdAt int64
	)
	if err := row.Scan(&team.ID, &team.Slug, &team.Name, &team.LeaderUserID, &createdAt); err != nil {
		return nil, mapError(err)
	}
	team.CreatedAt = fromMillis(createdAt)
	return &team, nil
}

// CountMembers counts users currently pointing at the team.
func (s *txStore) CountMembers(ctx context.Context, teamID string) (int, error) {
	var count int
	if err := s.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE team_id = ?`, teamID).Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

// ListMembers returns the users of a team ordered by account age.
func (s *txStore) ListMembers(ctx context.Context, teamID string) ([]domain.User, error) {
	rows, err := s.tx.QueryContext(ctx,
		`SELECT id, display_name, team_id, created_at FROM users WHERE team_id = ? ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	members := make([]domain.User, 0, domain.MaxMembers)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *u)
	}
	return members, mapError(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u         domain.User
		teamID    sql.NullString
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &teamID, &createdAt); err != nil {
		return nil, mapError(err)
	}
	if teamID.Valid {
		value := teamID.String
		u.TeamID = &value
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func singleRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}
	return affected == 1, nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", repository.ErrSerialization, err)
		}
		switch code {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %w", repository.ErrAlreadyExists, err)
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return repository.ErrNotFound
		case sqlite3lib.SQLITE_CONSTRAINT_CHECK, sqlite3lib.SQLITE_CONSTRAINT_NOTNULL:
			return repository.ErrInvalidArgument
		}
	}
	return err
}
