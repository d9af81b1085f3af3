package domain

// Role classifies a meeting participant.
type Role string

const (
	RoleLocal Role = "local"
	RoleAgent Role = "agent"
	RoleOther Role = "other"
)

// Participant is a member of a meeting as reported by the meeting SDK.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// IsAgent returns true if the participant was classified as the AI agent.
func (p Participant) IsAgent() bool {
	return p.Role == RoleAgent
}
