package team

import (
	"context"
	"time"
)

// EventType names a committed membership change.
type EventType string

const (
	EventTeamCreated     EventType = "team.created"
	EventRequestCreated  EventType = "request.created"
	EventRequestAccepted EventType = "request.accepted"
	EventRequestRejected EventType = "request.rejected"
	EventMemberLeft      EventType = "member.left"
	EventMemberRemoved   EventType = "member.removed"
)

// Event describes a membership change after its transaction committed.
type Event struct {
	Type       EventType `json:"type"`
	TeamID     string    `json:"team_id"`
	TeamSlug   string    `json:"team_slug"`
	UserID     string    `json:"user_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Cascaded   int64     `json:"cascaded_rejections,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher receives committed events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
