package domain

import "time"

// JoinRequestStatus enumerates the lifecycle states of a join request.
type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "PENDING"
	JoinRequestAccepted JoinRequestStatus = "ACCEPTED"
	JoinRequestRejected JoinRequestStatus = "REJECTED"
)

// Valid reports whether s is a known status.
func (s JoinRequestStatus) Valid() bool {
	switch s {
	case JoinRequestPending, JoinRequestAccepted, JoinRequestRejected:
		return true
	}
	return false
}

// JoinRequest is a user's application to a specific team. There is exactly
// one row per (team, user) pair; re-applying reuses it.
type JoinRequest struct {
	ID          string
	TeamID      string
	UserID      string
	Status      JoinRequestStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// IsPending reports whether the request still awaits a leader decision.
func (r *JoinRequest) IsPending() bool {
	return r != nil && r.Status == JoinRequestPending
}
