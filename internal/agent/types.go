// Package agent invites and removes the AI agent through the agent backend.
package agent

import (
	"errors"
	"fmt"
)

// InviteRequest is the join-agent request body.
type InviteRequest struct {
	MeetingID    string `json:"meeting_id"`
	Token        string `json:"token"`
	PipelineType string `json:"pipeline_type"`
	Personality  string `json:"personality"`
	SystemPrompt string `json:"system_prompt"`
}

// Outcome is the result of a removal request.
type Outcome string

const (
	OutcomeRemoved  Outcome = "removed"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimeout  Outcome = "timeout"
)

// RemovalResult describes how a removal request ended.
type RemovalResult struct {
	Outcome Outcome
	Message string
}

// ErrTimeout is returned when the agent backend does not answer in time.
var ErrTimeout = errors.New("agent backend timed out")

// StatusError is a non-2xx answer from the agent backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}
