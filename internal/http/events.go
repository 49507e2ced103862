package httpx

import (
	"net/http"
	"time"

	"github.com/splax/teamforge/internal/ws"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	sseEventName         = "membership"
)

// handleTeamWS upgrades to a websocket that receives the team's committed
// membership events.
func (r *Router) handleTeamWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	view, err := r.teams.GetTeam(req.Context(), req.PathValue("slug"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topic := view.Team.Slug
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleTeamSSE streams the same events as Server-Sent Events.
func (r *Router) handleTeamSSE(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	view, err := r.teams.GetTeam(req.Context(), req.PathValue("slug"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := view.Team.Slug
	client := ws.NewSSEClient(w, flusher, sseEventName, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
