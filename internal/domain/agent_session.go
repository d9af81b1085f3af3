package domain

import (
	"time"
)

// AgentState is the lifecycle state of an agent worker managed by agentd.
type AgentState string

const (
	AgentStateStarting AgentState = "starting"
	AgentStateRunning  AgentState = "running"
	AgentStateStopped  AgentState = "stopped"
	AgentStateFailed   AgentState = "failed"
)

// AgentSession stores persisted agent worker state for a meeting.
type AgentSession struct {
	MeetingID    string
	PipelineType string
	Personality  string
	Runner       string
	WorkerID     string
	State        AgentState
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired returns true if the worker has outlived maxLifetime.
func (a *AgentSession) Expired(now time.Time, maxLifetime time.Duration) bool {
	return now.Sub(a.CreatedAt) > maxLifetime
}
