package team

import (
	"errors"
	"fmt"
)

// Code identifies one outcome of the closed membership error taxonomy.
type Code int

const (
	CodeUnknown Code = iota
	CodeTeamNotFound
	CodeUserNotFound
	CodeAlreadyInTeam
	CodeAlreadyLeader
	CodeAlreadyApplied
	CodeForbidden
	CodeRequestNotFound
	CodeRequestNotPending
	CodeApplicantNotFound
	CodeApplicantAlreadyInTeam
	CodeApplicantChanged
	CodeTeamFull
	CodeCannotRemoveLeader
	CodeMemberNotFound
	CodeNotMember
	CodeLeaderCannotLeave
	CodeNameTaken
	CodeRetryExhausted
	CodeInvalidName

	// CodeCount is one past the last valid code; boundary tables are sized
	// with it.
	CodeCount
)

var codeNames = [CodeCount]string{
	CodeUnknown:                "UNKNOWN",
	CodeTeamNotFound:           "TEAM_NOT_FOUND",
	CodeUserNotFound:           "USER_NOT_FOUND",
	CodeAlreadyInTeam:          "ALREADY_IN_TEAM",
	CodeAlreadyLeader:          "ALREADY_LEADER",
	CodeAlreadyApplied:         "ALREADY_APPLIED",
	CodeForbidden:              "FORBIDDEN",
	CodeRequestNotFound:        "REQUEST_NOT_FOUND",
	CodeRequestNotPending:      "REQUEST_NOT_PENDING",
	CodeApplicantNotFound:      "APPLICANT_NOT_FOUND",
	CodeApplicantAlreadyInTeam: "APPLICANT_ALREADY_IN_TEAM",
	CodeApplicantChanged:       "APPLICANT_CHANGED",
	CodeTeamFull:               "TEAM_FULL",
	CodeCannotRemoveLeader:     "CANNOT_REMOVE_LEADER",
	CodeMemberNotFound:         "MEMBER_NOT_FOUND",
	CodeNotMember:              "NOT_MEMBER",
	CodeLeaderCannotLeave:      "LEADER_CANNOT_LEAVE",
	CodeNameTaken:              "NAME_TAKEN",
	CodeRetryExhausted:         "RETRY_EXHAUSTED",
	CodeInvalidName:            "INVALID_NAME",
}

func (c Code) String() string {
	if c < 0 || c >= CodeCount {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Codes lists every valid code except CodeUnknown.
func Codes() []Code {
	out := make([]Code, 0, int(CodeCount)-1)
	for c := CodeUnknown + 1; c < CodeCount; c++ {
		out = append(out, c)
	}
	return out
}

// Error is a membership rule violation. Errors with the same Code match
// each other under errors.Is.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrTeamNotFound           = &Error{Code: CodeTeamNotFound, Message: "team not found"}
	ErrUserNotFound           = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrAlreadyInTeam          = &Error{Code: CodeAlreadyInTeam, Message: "user already belongs to a team"}
	ErrAlreadyLeader          = &Error{Code: CodeAlreadyLeader, Message: "user already leads this team"}
	ErrAlreadyApplied         = &Error{Code: CodeAlreadyApplied, Message: "a pending request already exists"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "only the team leader may do this"}
	ErrRequestNotFound        = &Error{Code: CodeRequestNotFound, Message: "join request not found"}
	ErrRequestNotPending      = &Error{Code: CodeRequestNotPending, Message: "join request is no longer pending"}
	ErrApplicantNotFound      = &Error{Code: CodeApplicantNotFound, Message: "applicant not found"}
	ErrApplicantAlreadyInTeam = &Error{Code: CodeApplicantAlreadyInTeam, Message: "applicant already belongs to a team"}
	ErrApplicantChanged       = &Error{Code: CodeApplicantChanged, Message: "applicant changed teams concurrently"}
	ErrTeamFull               = &Error{Code: CodeTeamFull, Message: "team is full"}
	ErrCannotRemoveLeader     = &Error{Code: CodeCannotRemoveLeader, Message: "the leader cannot be removed"}
	ErrMemberNotFound         = &Error{Code: CodeMemberNotFound, Message: "member not found in team"}
	ErrNotMember              = &Error{Code: CodeNotMember, Message: "user is not a member of this team"}
	ErrLeaderCannotLeave      = &Error{Code: CodeLeaderCannotLeave, Message: "the leader cannot leave the team"}
	ErrNameTaken              = &Error{Code: CodeNameTaken, Message: "team name is already taken"}
	ErrRetryExhausted         = &Error{Code: CodeRetryExhausted, Message: "too much contention, please retry"}
	ErrInvalidName            = &Error{Code: CodeInvalidName, Message: "team name is invalid"}
)

// CodeOf extracts the taxonomy code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
