package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentroom/internal/api"
	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 64 << 10

// Handler serves the join-agent and leave-agent endpoints.
type Handler struct {
	mgr    *Manager
	logger *slog.Logger
}

// NewHandler creates a new agentd handler.
func NewHandler(mgr *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers agentd routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/join-agent", h.JoinAgent)
	r.Post("/leave-agent", h.LeaveAgent)
	r.Get("/agents", h.ListAgents)
}

// JoinAgent validates the request and launches the worker in the background.
func (h *Handler) JoinAgent(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decode(w, r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("Join agent requested",
		"meeting_id", req.MeetingID,
		"pipeline_type", req.PipelineType,
		"personality", req.Personality,
		"mcp_url", req.MCPURL)
	h.mgr.Join(req.Spec())

	api.JSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("AI agent joining process initiated for meeting %s", req.MeetingID),
	})
}

// LeaveAgent stops the meeting's worker. Every outcome is reported with 200 and
// a status field.
func (h *Handler) LeaveAgent(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := decode(w, r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MeetingID == "" {
		api.Error(w, http.StatusBadRequest, ErrMissingMeetingID.Error())
		return
	}

	status, err := h.mgr.Leave(r.Context(), req.MeetingID)
	resp := LeaveResponse{Status: status, MeetingID: req.MeetingID}
	switch status {
	case LeaveRemoved:
		resp.Message = fmt.Sprintf("Agent termination process initiated for meeting %s.", req.MeetingID)
		h.logger.Info("Agent removed", "meeting_id", req.MeetingID)
	case LeaveNotFound:
		resp.Message = fmt.Sprintf("No active session found for meeting %s.", req.MeetingID)
		h.logger.Info("No active agent for meeting", "meeting_id", req.MeetingID)
	default:
		resp.Message = fmt.Sprintf("An error occurred during agent leave process: %v", err)
		h.logger.Error("Agent leave failed", "meeting_id", req.MeetingID, "error", err)
	}
	api.JSON(w, http.StatusOK, resp)
}

// ListAgents returns the meetings with an active worker.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string][]string{"meetings": h.mgr.Active()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("invalid JSON at offset %d", syntaxErr.Offset)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
