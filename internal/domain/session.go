// Package domain contains core domain types for agentroom.
package domain

import (
	"time"
)

// Phase is the lifecycle phase of a meeting session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseJoining  Phase = "joining"
	PhaseJoined   Phase = "joined"
	PhaseRetrying Phase = "retrying"
	PhaseLeaving  Phase = "leaving"
	PhaseLeft     Phase = "left"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseLeft
}

// AgentInvitation tracks the AI agent for a session.
// Joined is only ever true while Invited is true.
type AgentInvitation struct {
	Invited bool `json:"invited"`
	Joined  bool `json:"joined"`
}

// Session is a point-in-time snapshot of one user's meeting session.
type Session struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id,omitempty"`
	MeetingID          string          `json:"meeting_id"`
	Phase              Phase           `json:"phase"`
	RetryCount         int             `json:"retry_count"`
	LastError          *SessionError   `json:"last_error,omitempty"`
	AgentError         *SessionError   `json:"agent_error,omitempty"`
	Invitation         AgentInvitation `json:"invitation"`
	AgentParticipantID string          `json:"agent_participant_id,omitempty"`
	AgentSpeaking      bool            `json:"agent_speaking"`
	MicEnabled         bool            `json:"mic_enabled"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsJoined returns true if the local participant is in the meeting and no retry is pending.
func (s *Session) IsJoined() bool {
	return s.Phase == PhaseJoined
}

// IsRetrying returns true while an automatic or manual retry is pending.
func (s *Session) IsRetrying() bool {
	return s.Phase == PhaseRetrying
}

// CanRetry returns true if a manual retry would be accepted.
func (s *Session) CanRetry() bool {
	if s.LastError == nil || s.IsRetrying() || s.Phase.Terminal() || s.Phase == PhaseLeaving {
		return false
	}
	return s.LastError.Kind != ErrorKindMaxRetriesExceeded
}
