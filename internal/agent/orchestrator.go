package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/agentroom/internal/telemetry"
)

// customPersonality tells the backend to use the supplied system prompt verbatim.
const customPersonality = "Custom"

// OrchestratorConfig holds the invite parameters.
type OrchestratorConfig struct {
	Token        string
	PipelineType string
	Personality  string
}

// Orchestrator invites and removes the agent for meetings.
type Orchestrator struct {
	backend Backend
	prompts *Prompts
	cfg     OrchestratorConfig
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil prompts uses the built-in catalogue.
func NewOrchestrator(backend Backend, prompts *Prompts, cfg OrchestratorConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &Orchestrator{
		backend: backend,
		prompts: prompts,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// InviteAgent asks the backend to send an agent with the configured personality.
func (o *Orchestrator) InviteAgent(ctx context.Context, meetingID string) error {
	req := InviteRequest{
		MeetingID:    meetingID,
		Token:        o.cfg.Token,
		PipelineType: o.cfg.PipelineType,
		Personality:  customPersonality,
		SystemPrompt: o.prompts.Get(o.cfg.Personality),
	}

	if err := o.backend.Invite(ctx, req); err != nil {
		result := "failed"
		if errors.Is(err, ErrTimeout) {
			result = "timeout"
		}
		o.metrics.Invite(ctx, result)
		o.logger.Warn("Failed to invite agent", "meeting_id", meetingID, "error", err)
		return err
	}

	o.metrics.Invite(ctx, "accepted")
	o.logger.Info("Agent invited", "meeting_id", meetingID, "personality", o.cfg.Personality)
	return nil
}

// LeaveAgent asks the backend to withdraw the agent. It never fails; the
// outcome is logged and returned for diagnostics.
func (o *Orchestrator) LeaveAgent(ctx context.Context, meetingID string) RemovalResult {
	res := o.backend.Remove(ctx, meetingID)
	o.metrics.Removal(ctx, string(res.Outcome))

	switch res.Outcome {
	case OutcomeRemoved:
		o.logger.Info("Agent removed", "meeting_id", meetingID)
	case OutcomeNotFound:
		o.logger.Info("Agent was not in meeting", "meeting_id", meetingID, "message", res.Message)
	default:
		o.logger.Warn("Agent removal failed", "meeting_id", meetingID, "outcome", res.Outcome, "message", res.Message)
	}
	return res
}
