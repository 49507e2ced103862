package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/splax/teamforge/internal/domain"
)

type teamResponse struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	LeaderUserID string    `json:"leader_user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type memberResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Leader      bool   `json:"leader"`
}

type teamDetailResponse struct {
	teamResponse
	Members  []memberResponse `json:"members"`
	Capacity int              `json:"capacity"`
}

type joinRequestResponse struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"team_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

type approvalResponse struct {
	Request            joinRequestResponse `json:"request"`
	CascadedRejections int64               `json:"cascaded_rejections"`
}

func toTeamResponse(t domain.Team) teamResponse {
	return teamResponse{
		ID:           t.ID,
		Slug:         t.Slug,
		Name:         t.Name,
		LeaderUserID: t.LeaderUserID,
		CreatedAt:    t.CreatedAt.UTC(),
	}
}

func toJoinRequestResponse(r domain.JoinRequest) joinRequestResponse {
	return joinRequestResponse{
		ID:          r.ID,
		TeamID:      r.TeamID,
		UserID:      r.UserID,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		RespondedAt: r.RespondedAt,
	}
}

func (r *Router) handleCreateTeam(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.teams.CreateTeam(req.Context(), payload.Name, info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTeamResponse(*created))
}

func (r *Router) handleGetTeam(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.mustAuth(w, req); !ok {
		return
	}
	view, err := r.teams.GetTeam(req.Context(), req.PathValue("slug"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	members := make([]memberResponse, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, memberResponse{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Leader:      view.Team.IsLeader(m.ID),
		})
	}
	writeJSON(w, http.StatusOK, teamDetailResponse{
		teamResponse: toTeamResponse(view.Team),
		Members:      members,
		Capacity:     view.Capacity,
	})
}

func (r *Router) handleApply(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	joinReq, err := r.teams.ApplyToJoin(req.Context(), req.PathValue("slug"), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJoinRequestResponse(*joinReq))
}

func (r *Router) handleListRequests(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	status := domain.JoinRequestStatus(strings.ToUpper(strings.TrimSpace(req.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be PENDING, ACCEPTED or REJECTED")
		return
	}
	requests, err := r.teams.ListRequests(req.Context(), req.PathValue("slug"), info.UserID, status)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]joinRequestResponse, 0, len(requests))
	for _, jr := range requests {
		out = append(out, toJoinRequestResponse(jr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleApprove(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	approval, err := r.teams.ApproveRequest(req.Context(), req.PathValue("slug"), req.PathValue("id"), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalResponse{
		Request:            toJoinRequestResponse(approval.Request),
		CascadedRejections: approval.Cascaded,
	})
}

func (r *Router) handleReject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	joinReq, err := r.teams.RejectRequest(req.Context(), req.PathValue("slug"), req.PathValue("id"), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toJoinRequestResponse(*joinReq))
}

func (r *Router) handleLeave(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	if _, err := r.teams.LeaveTeam(req.Context(), req.PathValue("slug"), info.UserID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleRemoveMember(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuth(w, req)
	if !ok {
		return
	}
	_, err := r.teams.RemoveMember(req.Context(), req.PathValue("slug"), req.PathValue("memberID"), info.UserID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mustAuth fetches the identity placed by requireAuth.
func (r *Router) mustAuth(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.UserID == "" {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, false
	}
	return info, true
}
