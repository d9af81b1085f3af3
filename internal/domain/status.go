package domain

// Status is the user-facing session status.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
)

// DeriveStatus maps a session snapshot to the status shown to the user.
//
// Anything short of a settled join, including a pending retry or an invited agent
// that has not arrived yet, reads as connecting.
func DeriveStatus(s Session) Status {
	if s.Phase != PhaseJoined {
		return StatusConnecting
	}
	if s.Invitation.Invited && !s.Invitation.Joined {
		return StatusConnecting
	}
	if s.Invitation.Joined {
		if s.AgentSpeaking {
			return StatusSpeaking
		}
		return StatusListening
	}
	return StatusConnected
}
