package domain

import "time"

// User represents a game account as seen by the team subsystem.
type User struct {
	ID          string
	DisplayName string
	TeamID      *string
	CreatedAt   time.Time
}

// HasTeam reports whether the user currently belongs to any team.
func (u *User) HasTeam() bool {
	return u != nil && u.TeamID != nil && *u.TeamID != ""
}

// InTeam reports whether the user currently belongs to teamID.
func (u *User) InTeam(teamID string) bool {
	return u.HasTeam() && *u.TeamID == teamID
}
