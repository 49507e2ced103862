package httpx

import (
	"errors"
	"net/http"

	"github.com/splax/teamforge/internal/service/team"
)

const retryAfterSeconds = "1"

// statusByCode maps every membership error code onto an HTTP status.
var statusByCode = [team.CodeCount]int{
	team.CodeUnknown:                http.StatusInternalServerError,
	team.CodeTeamNotFound:           http.StatusNotFound,
	team.CodeUserNotFound:           http.StatusNotFound,
	team.CodeAlreadyInTeam:          http.StatusConflict,
	team.CodeAlreadyLeader:          http.StatusConflict,
	team.CodeAlreadyApplied:         http.StatusConflict,
	team.CodeForbidden:              http.StatusForbidden,
	team.CodeRequestNotFound:        http.StatusNotFound,
	team.CodeRequestNotPending:      http.StatusConflict,
	team.CodeApplicantNotFound:      http.StatusNotFound,
	team.CodeApplicantAlreadyInTeam: http.StatusConflict,
	team.CodeApplicantChanged:       http.StatusConflict,
	team.CodeTeamFull:               http.StatusConflict,
	team.CodeCannotRemoveLeader:     http.StatusConflict,
	team.CodeMemberNotFound:         http.StatusNotFound,
	team.CodeNotMember:              http.StatusConflict,
	team.CodeLeaderCannotLeave:      http.StatusConflict,
	team.CodeNameTaken:              http.StatusConflict,
	team.CodeRetryExhausted:         http.StatusServiceUnavailable,
	team.CodeInvalidName:            http.StatusBadRequest,
}

func statusForCode(code team.Code) int {
	if code < 0 || code >= team.CodeCount || statusByCode[code] == 0 {
		return http.StatusInternalServerError
	}
	return statusByCode[code]
}

// writeServiceError renders a membership service failure. Infrastructure
// errors are logged and hidden behind a generic 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var domainErr *team.Error
	if !errors.As(err, &domainErr) {
		r.logger.Error("membership operation failed", "error", err, "path", req.URL.Path)
		writeCodedError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	code := domainErr.Code
	r.recordDomainError(code.String())
	if code == team.CodeRetryExhausted {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeCodedError(w, statusForCode(code), code.String(), domainErr.Message)
}
