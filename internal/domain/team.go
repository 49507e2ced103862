package domain

import "time"

// MaxMembers caps how many users a single team may hold, leader included.
const MaxMembers = 5

// Team represents a named group led by the user who created it.
type Team struct {
	ID           string
	Slug         string
	Name         string
	LeaderUserID string
	CreatedAt    time.Time
}

// IsLeader reports whether userID leads the team.
func (t *Team) IsLeader(userID string) bool {
	return t != nil && userID != "" && t.LeaderUserID == userID
}
