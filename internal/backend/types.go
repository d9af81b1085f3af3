// Package backend implements agentd: the service that launches one AI agent
// worker per meeting and removes it on request.
package backend

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// Cascading pipeline providers.
var (
	sttProviders = []string{"deepgram", "openai", "google", "sarvam"}
	llmProviders = []string{"openai", "google", "sarvam"}
	ttsProviders = []string{"openai", "elevenlabs", "google", "sarvam"}
)

// Pipeline types with dedicated handling. Any other non-empty pipeline type is
// passed to the worker as a realtime model id.
const (
	PipelineOpenAI    = "openai"
	PipelineGoogle    = "google"
	PipelineAWS       = "aws"
	PipelineCascading = "cascading"
)

var (
	ErrMissingMeetingID = errors.New("meeting_id is required")
	ErrMissingToken     = errors.New("token is required")
	ErrMissingPipeline  = errors.New("pipeline_type is required")
	ErrUnknownProvider  = errors.New("unknown provider")
)

// JoinRequest is the /join-agent request body.
type JoinRequest struct {
	MeetingID    string `json:"meeting_id"`
	Token        string `json:"token"`
	PipelineType string `json:"pipeline_type"`
	STT          string `json:"stt,omitempty"`
	TTS          string `json:"tts,omitempty"`
	LLM          string `json:"llm,omitempty"`
	Personality  string `json:"personality"`
	SystemPrompt string `json:"system_prompt"`
	Detection    *bool  `json:"detection,omitempty"`
	MCPURL       string `json:"mcp_url,omitempty"`
}

// Validate checks the request and its pipeline configuration.
func (r JoinRequest) Validate() error {
	if r.MeetingID == "" {
		return ErrMissingMeetingID
	}
	if r.Token == "" {
		return ErrMissingToken
	}
	if r.PipelineType == "" {
		return ErrMissingPipeline
	}
	if r.PipelineType != PipelineCascading {
		return nil
	}
	if !slices.Contains(sttProviders, r.STT) {
		return fmt.Errorf("%w: stt %q", ErrUnknownProvider, r.STT)
	}
	if !slices.Contains(llmProviders, r.LLM) {
		return fmt.Errorf("%w: llm %q", ErrUnknownProvider, r.LLM)
	}
	if !slices.Contains(ttsProviders, r.TTS) {
		return fmt.Errorf("%w: tts %q", ErrUnknownProvider, r.TTS)
	}
	return nil
}

// Spec converts the request into a worker spec. Detection defaults to on.
func (r JoinRequest) Spec() AgentSpec {
	detection := true
	if r.Detection != nil {
		detection = *r.Detection
	}
	spec := AgentSpec{
		MeetingID:    r.MeetingID,
		Token:        r.Token,
		PipelineType: r.PipelineType,
		Personality:  r.Personality,
		SystemPrompt: r.SystemPrompt,
		Detection:    detection,
		MCPURL:       r.MCPURL,
	}
	if r.PipelineType == PipelineCascading {
		spec.STT, spec.LLM, spec.TTS = r.STT, r.LLM, r.TTS
	}
	return spec
}

// LeaveRequest is the /leave-agent request body.
type LeaveRequest struct {
	MeetingID string `json:"meeting_id"`
}

// LeaveStatus is the status reported by /leave-agent.
type LeaveStatus string

const (
	LeaveRemoved  LeaveStatus = "removed"
	LeaveNotFound LeaveStatus = "not_found"
	LeaveError    LeaveStatus = "error"
)

// LeaveResponse is the /leave-agent response body.
type LeaveResponse struct {
	Status    LeaveStatus `json:"status"`
	MeetingID string      `json:"meeting_id"`
	Message   string      `json:"message"`
}

// AgentSpec describes the worker to run for one meeting.
type AgentSpec struct {
	MeetingID    string
	Token        string
	PipelineType string
	STT          string
	LLM          string
	TTS          string
	Personality  string
	SystemPrompt string
	Detection    bool
	MCPURL       string

	// OnStarted, when set, is called once the worker is up.
	OnStarted func(workerID string)
}

// Env returns the spec as worker environment variables.
func (s AgentSpec) Env() map[string]string {
	env := map[string]string{
		"MEETING_ID":     s.MeetingID,
		"VIDEOSDK_TOKEN": s.Token,
		"PIPELINE_TYPE":  s.PipelineType,
		"PERSONALITY":    s.Personality,
		"SYSTEM_PROMPT":  s.SystemPrompt,
		"DETECTION":      strconv.FormatBool(s.Detection),
	}
	for k, v := range map[string]string{"STT": s.STT, "LLM": s.LLM, "TTS": s.TTS, "MCP_URL": s.MCPURL} {
		if v != "" {
			env[k] = v
		}
	}
	return env
}

// Started invokes OnStarted when set.
func (s AgentSpec) Started(workerID string) {
	if s.OnStarted != nil {
		s.OnStarted(workerID)
	}
}
