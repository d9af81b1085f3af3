package domain

import "strings"

// ErrorKind classifies session errors.
type ErrorKind string

const (
	ErrorKindTransientCapacity   ErrorKind = "transient_capacity"
	ErrorKindPermanentConnection ErrorKind = "permanent_connection"
	ErrorKindInviteFailure       ErrorKind = "invite_failure"
	ErrorKindRemovalFailure      ErrorKind = "removal_failure"
	ErrorKindMaxRetriesExceeded  ErrorKind = "max_retries_exceeded"
	ErrorKindTimeout             ErrorKind = "timeout"
)

// User-facing messages.
const (
	MsgServerOverloaded   = "Server is currently overloaded. Please try again in a few minutes."
	MsgMaxRetriesExceeded = "Maximum retry attempts reached. Please try creating a new meeting."
	MsgConnectionFailed   = "Connection failed"
	MsgJoinTimedOut       = "Joining the meeting timed out"
	MsgInviteFailed       = "Failed to invite agent"
)

// SessionError is an error surfaced on a session snapshot.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SessionError) Error() string {
	return e.Message
}

// NewSessionError creates a SessionError, falling back to a default message.
func NewSessionError(kind ErrorKind, message string) *SessionError {
	if strings.TrimSpace(message) == "" {
		switch kind {
		case ErrorKindTransientCapacity:
			message = MsgServerOverloaded
		case ErrorKindMaxRetriesExceeded:
			message = MsgMaxRetriesExceeded
		case ErrorKindTimeout:
			message = MsgJoinTimedOut
		case ErrorKindInviteFailure:
			message = MsgInviteFailed
		default:
			message = MsgConnectionFailed
		}
	}
	return &SessionError{Kind: kind, Message: message}
}

// IsTransientCapacity reports whether a meeting SDK error message signals a temporary
// lack of server capacity.
func IsTransientCapacity(message string) bool {
	return strings.Contains(strings.ToLower(message), "insufficient resources")
}
