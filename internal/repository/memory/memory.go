// Package memory implements an in-process team store with optimistic
// transactions. Every transaction works on a private copy of the committed
// state; a writing transaction commits only if nothing else committed since
// its copy was taken, otherwise it fails with repository.ErrSerialization.
// First-committer-wins is stricter than serializable, so every invariant that
// holds under PostgreSQL SERIALIZABLE holds here too.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
)

// Store holds committed state guarded by a single mutex.
type Store struct {
	mu      sync.Mutex
	version uint64
	state   *state
}

var (
	_ repository.Transactor = (*Store)(nil)
	_ repository.Store      = (*txStore)(nil)
)

type pairKey struct {
	teamID string
	userID string
}

type state struct {
	users    map[string]domain.User
	teams    map[string]domain.Team
	slugs    map[string]string
	names    map[string]string
	requests map[string]domain.JoinRequest
	pairs    map[pairKey]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		users:    make(map[string]domain.User),
		teams:    make(map[string]domain.Team),
		slugs:    make(map[string]string),
		names:    make(map[string]string),
		requests: make(map[string]domain.JoinRequest),
		pairs:    make(map[pairKey]string),
	}
}

func (st *state) clone() *state {
	cp := newState()
	for k, v := range st.users {
		cp.users[k] = v
	}
	for k, v := range st.teams {
		cp.teams[k] = v
	}
	for k, v := range st.slugs {
		cp.slugs[k] = v
	}
	for k, v := range st.names {
		cp.names[k] = v
	}
	for k, v := range st.requests {
		cp.requests[k] = v
	}
	for k, v := range st.pairs {
		cp.pairs[k] = v
	}
	return cp
}

// WithinTx runs fn against a snapshot and publishes its writes atomically.
// Read-only transactions never conflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	base := s.version
	tx := &txStore{state: s.state.clone()}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != base {
		return fmt.Errorf("commit transaction: %w", repository.ErrSerialization)
	}
	s.state = tx.state
	s.version++
	return nil
}

// Version reports how many writing transactions have committed.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

type txStore struct {
	state *state
	dirty bool
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

// CreateUser inserts a user.
func (s *txStore) CreateUser(_ context.Context, user *domain.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return repository.ErrInvalidArgument
	}
	if _, ok := s.state.users[user.ID]; ok {
		return repository.ErrAlreadyExists
	}
	stored := *user
	stored.TeamID = copyString(user.TeamID)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.state.users[user.ID] = stored
	s.dirty = true
	return nil
}

// GetUserByID retrieves a user by identifier.
func (s *txStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := s.state.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.TeamID = copyString(u.TeamID)
	return &u, nil
}

// AssignTeamIfUnset moves a team-less user into teamID.
func (s *txStore) AssignTeamIfUnset(_ context.Context, userID, teamID string) (bool, error) {
	u, ok := s.state.users[userID]
	if !ok || u.TeamID != nil {
		return false, nil
	}
	if _, ok := s.state.teams[teamID]; !ok {
		return false, repository.ErrNotFound
	}
	u.TeamID = copyString(&teamID)
	s.state.users[userID] = u
	s.dirty = true
	return true, nil
}

// ClearTeam removes a user from teamID.
func (s *txStore) ClearTeam(_ context.Context, userID, teamID string) (bool, error) {
	u, ok := s.state.users[userID]
	if !ok || u.TeamID == nil || *u.TeamID != teamID {
		return false, nil
	}
	u.TeamID = nil
	s.state.users[userID] = u
	s.dirty = true
	return true, nil
}

// CreateTeam inserts a team, enforcing slug and name uniqueness.
func (s *txStore) CreateTeam(_ context.Context, team *domain.Team) error {
	if team == nil || team.ID == "" {
		return repository.ErrInvalidArgument
	}
	if _, ok := s.state.users[team.LeaderUserID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.state.teams[team.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := s.state.slugs[team.Slug]; ok {
		return fmt.Errorf("%w: teams_slug_key", repository.ErrAlreadyExists)
	}
	if _, ok := s.state.names[team.Name]; ok {
		return fmt.Errorf("%w: teams_name_key", repository.ErrAlreadyExists)
	}
	s.state.teams[team.ID] = *team
	s.state.slugs[team.Slug] = team.ID
	s.state.names[team.Name] = team.ID
	s.dirty = true
	return nil
}

// GetTeamByID returns a team by identifier.
func (s *txStore) GetTeamByID(_ context.Context, id string) (*domain.Team, error) {
	team, ok := s.state.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &team, nil
}

// GetTeamBySlug returns a team by its unique slug.
func (s *txStore) GetTeamBySlug(_ context.Context, slug string) (*domain.Team, error) {
	id, ok := s.state.slugs[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	team := s.state.teams[id]
	return &team, nil
}

// CountMembers counts users currently pointing at the team.
func (s *txStore) CountMembers(_ context.Context, teamID string) (int, error) {
	count := 0
	for _, u := range s.state.users {
		if u.TeamID != nil && *u.TeamID == teamID {
			count++
		}
	}
	return count, nil
}

// ListMembers returns the users of a team ordered by account age.
func (s *txStore) ListMembers(_ context.Context, teamID string) ([]domain.User, error) {
	members := make([]domain.User, 0, domain.MaxMembers)
	for _, u := range s.state.users {
		if u.TeamID != nil && *u.TeamID == teamID {
			u.TeamID = copyString(u.TeamID)
			members = append(members, u)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	return members, nil
}

// GetJoinRequestByID fetches a request by identifier.
func (s *txStore) GetJoinRequestByID(_ context.Context, id string) (*domain.JoinRequest, error) {
	req, ok := s.state.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	req.RespondedAt = copyTime(req.RespondedAt)
	return &req, nil
}

// GetJoinRequest fetches the single row for a (team, user) pair.
func (s *txStore) GetJoinRequest(ctx context.Context, teamID, userID string) (*domain.JoinRequest, error) {
	id, ok := s.state.pairs[pairKey{teamID: teamID, userID: userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetJoinRequestByID(ctx, id)
}

// UpsertPendingJoinRequest creates the pair row or flips it back to PENDING.
// A row that is already PENDING is reported as repository.ErrAlreadyExists.
func (s *txStore) UpsertPendingJoinRequest(_ context.Context, req *domain.JoinRequest) error {
	if req == nil || req.ID == "" || req.TeamID == "" || req.UserID == "" {
		return repository.ErrInvalidArgument
	}
	if _, ok := s.state.teams[req.TeamID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.state.users[req.UserID]; !ok {
		return repository.ErrNotFound
	}
	key := pairKey{teamID: req.TeamID, userID: req.UserID}
	stored := domain.JoinRequest{
		ID:        req.ID,
		TeamID:    req.TeamID,
		UserID:    req.UserID,
		Status:    domain.JoinRequestPending,
		CreatedAt: req.CreatedAt,
	}
	if id, ok := s.state.pairs[key]; ok {
		existing := s.state.requests[id]
		if existing.Status == domain.JoinRequestPending {
			return repository.ErrAlreadyExists
		}
		stored.ID = existing.ID
	}
	s.state.requests[stored.ID] = stored
	s.state.pairs[key] = stored.ID
	s.dirty = true
	*req = stored
	return nil
}

// SetJoinRequestStatus records a leader decision.
func (s *txStore) SetJoinRequestStatus(_ context.Context, id string, status domain.JoinRequestStatus, respondedAt time.Time) error {
	if !status.Valid() {
		return repository.ErrInvalidArgument
	}
	req, ok := s.state.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	ts := respondedAt.UTC()
	req.Status = status
	req.RespondedAt = &ts
	s.state.requests[id] = req
	s.dirty = true
	return nil
}

// RejectOtherPendingRequests rejects the user's other open applications.
func (s *txStore) RejectOtherPendingRequests(_ context.Context, userID, exceptID string, respondedAt time.Time) ([]domain.JoinRequest, error) {
	rejected := make([]domain.JoinRequest, 0)
	for id, req := range s.state.requests {
		if req.UserID != userID || id == exceptID || req.Status != domain.JoinRequestPending {
			continue
		}
		ts := respondedAt.UTC()
		req.Status = domain.JoinRequestRejected
		req.RespondedAt = &ts
		s.state.requests[id] = req
		req.RespondedAt = copyTime(&ts)
		rejected = append(rejected, req)
	}
	if len(rejected) > 0 {
		s.dirty = true
	}
	return rejected, nil
}

// ListJoinRequestsByTeam lists a team's requests in a given status.
func (s *txStore) ListJoinRequestsByTeam(_ context.Context, teamID string, status domain.JoinRequestStatus) ([]domain.JoinRequest, error) {
	requests := make([]domain.JoinRequest, 0)
	for _, req := range s.state.requests {
		if req.TeamID == teamID && req.Status == status {
			req.RespondedAt = copyTime(req.RespondedAt)
			requests = append(requests, req)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}
