package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/splax/teamforge/internal/service/team"
)

// EventPublisher fans committed membership events out to the subscribers of
// the affected team.
type EventPublisher struct {
	hub *Hub
	log *slog.Logger
}

var _ team.Publisher = EventPublisher{}

// NewEventPublisher wraps hub as a team.Publisher.
func NewEventPublisher(hub *Hub, logger *slog.Logger) EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return EventPublisher{hub: hub, log: logger}
}

// Publish never blocks; events are dropped when the hub queue is full.
func (p EventPublisher) Publish(_ context.Context, event team.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error("encode team event", "type", event.Type, "error", err)
		return
	}
	if !p.hub.TryBroadcast(event.TeamSlug, payload) {
		p.log.Warn("team event dropped", "type", event.Type, "team_id", event.TeamID)
	}
}
