package agent

import (
	"strings"

	"github.com/ashureev/agentroom/internal/domain"
)

// DefaultNamePatterns are the display-name fragments that identify the agent.
var DefaultNamePatterns = []string{"Agent", "Haley"}

// Matcher classifies participants by display name.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher. Empty patterns are ignored; no patterns at all
// falls back to DefaultNamePatterns.
func NewMatcher(patterns []string) *Matcher {
	var kept []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, DefaultNamePatterns...)
	}
	return &Matcher{patterns: kept}
}

// IsAgent reports whether displayName contains any pattern. Matching is case-sensitive.
func (m *Matcher) IsAgent(displayName string) bool {
	for _, p := range m.patterns {
		if strings.Contains(displayName, p) {
			return true
		}
	}
	return false
}

// Classify sets the participant role. localID identifies the local participant.
// A participant already tagged as the agent keeps that role; name matching is
// the fallback for untagged participants.
func (m *Matcher) Classify(p domain.Participant, localID string) domain.Participant {
	switch {
	case localID != "" && p.ID == localID:
		p.Role = domain.RoleLocal
	case p.Role == domain.RoleAgent, m.IsAgent(p.DisplayName):
		p.Role = domain.RoleAgent
	default:
		p.Role = domain.RoleOther
	}
	return p
}
