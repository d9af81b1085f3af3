package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ashureev/agentroom/internal/connection"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/meeting"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/go-chi/chi/v5"
)

var meetingIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RoomCreator creates meeting rooms.
type RoomCreator interface {
	CreateRoom(ctx context.Context) (string, error)
}

// ClientConfig is the configuration exposed to clients.
type ClientConfig struct {
	MaxRetries        int      `json:"max_retries"`
	RetryBackoffMS    int64    `json:"retry_backoff_ms"`
	PipelineType      string   `json:"pipeline_type"`
	Personality       string   `json:"personality"`
	Personalities     []string `json:"personalities"`
	SpeakingThreshold float64  `json:"speaking_threshold"`
	// Token lets the relay page join meetings with the meeting SDK.
	Token string `json:"token,omitempty"`
}

// SessionHandler handles room and session endpoints.
type SessionHandler struct {
	sessions *connection.Registry
	rooms    RoomCreator
	history  store.SessionRepository
	limiter  *middleware.RateLimiter
	client   ClientConfig
	logger   *slog.Logger
}

// NewSessionHandler creates a session handler. A nil limiter disables rate
// limiting; a nil history disables GET /api/sessions history.
func NewSessionHandler(sessions *connection.Registry, rooms RoomCreator, history store.SessionRepository,
	limiter *middleware.RateLimiter, client ClientConfig, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		sessions: sessions,
		rooms:    rooms,
		history:  history,
		limiter:  limiter,
		client:   client,
		logger:   logger,
	}
}

// RegisterRoutes registers room and session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Post("/rooms", h.CreateRoom)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.With(h.rateLimit).Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/connect", h.command((*connection.Runner).Connect))
				r.Post("/disconnect", h.command((*connection.Runner).Disconnect))
				r.Post("/retry", h.command((*connection.Runner).Retry))
				r.Post("/mic", h.command((*connection.Runner).ToggleMic))
				r.Post("/invite", h.command((*connection.Runner).InviteAgent))
			})
		})
	})
}

func (h *SessionHandler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(func(r *http.Request) string {
		if owner := identity.OwnerIDFromContext(r.Context()); owner != "" {
			return owner
		}
		return identity.IPFromRequest(r)
	})(next)
}

// sessionView is the client representation of a session.
type sessionView struct {
	domain.Session
	Status   domain.Status `json:"status"`
	CanRetry bool          `json:"can_retry"`
	RelayURL string        `json:"relay_url,omitempty"`
}

func newSessionView(s domain.Session, live bool) sessionView {
	v := sessionView{Session: s, Status: domain.DeriveStatus(s), CanRetry: s.CanRetry()}
	if live {
		v.RelayURL = "/ws/sessions/" + s.ID
	}
	return v
}

// GetConfig returns the configuration for clients.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

// CreateRoom creates a new meeting room.
func (h *SessionHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.rooms.CreateRoom(r.Context())
	if err != nil {
		h.logger.Error("Failed to create room", "error", err)
		roomError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"room_id": roomID})
}

func roomError(w http.ResponseWriter, err error) {
	if errors.Is(err, meeting.ErrTimeout) {
		Error(w, http.StatusGatewayTimeout, "creating the room timed out")
		return
	}
	Error(w, http.StatusBadGateway, "failed to create room")
}

type createSessionRequest struct {
	MeetingID string `json:"meeting_id"`
}

// CreateSession creates a session for an existing or new room and starts connecting.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	meetingID := req.MeetingID
	if meetingID == "" {
		roomID, err := h.rooms.CreateRoom(r.Context())
		if err != nil {
			h.logger.Error("Failed to create room for session", "error", err, "owner_id", ownerID)
			roomError(w, err)
			return
		}
		meetingID = roomID
	} else if !meetingIDPattern.MatchString(meetingID) {
		Error(w, http.StatusBadRequest, "invalid meeting_id")
		return
	}

	runner := h.sessions.Create(meetingID, ownerID)
	runner.Connect()

	h.logger.Info("Session started", "session_id", runner.ID(), "meeting_id", meetingID, "owner_id", ownerID)
	JSON(w, http.StatusCreated, newSessionView(runner.Snapshot(), true))
}

// ListSessions returns the caller's live sessions and persisted history.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	live := h.sessions.List(ownerID)
	active := make([]sessionView, 0, len(live))
	liveIDs := make(map[string]bool, len(live))
	for _, s := range live {
		active = append(active, newSessionView(s, true))
		liveIDs[s.ID] = true
	}

	history := []sessionView{}
	if h.history != nil {
		limit := 20
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
			limit = v
		}
		past, err := h.history.ListSessions(r.Context(), ownerID, limit)
		if err != nil {
			h.logger.Error("Failed to list session history", "error", err, "owner_id", ownerID)
			Error(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		for _, s := range past {
			if !liveIDs[s.ID] {
				history = append(history, newSessionView(*s, false))
			}
		}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"active":  active,
		"history": history,
	})
}

// GetSession returns a live session snapshot, falling back to history.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if runner, ok := h.lookup(r); ok {
		JSON(w, http.StatusOK, newSessionView(runner.Snapshot(), true))
		return
	}

	if h.history != nil {
		ownerID := identity.OwnerIDFromContext(r.Context())
		s, err := h.history.GetSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.logger.Error("Failed to load session", "error", err)
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if s != nil && s.OwnerID == ownerID {
			JSON(w, http.StatusOK, newSessionView(*s, false))
			return
		}
	}
	Error(w, http.StatusNotFound, "session not found")
}

// command returns a handler that dispatches a user command to a live session.
func (h *SessionHandler) command(fn func(*connection.Runner) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runner, ok := h.lookup(r)
		if !ok {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		if !fn(runner) {
			Error(w, http.StatusGone, "session closed")
			return
		}
		JSON(w, http.StatusAccepted, newSessionView(runner.Snapshot(), true))
	}
}

// lookup resolves the {id} route parameter to a live session owned by the caller.
func (h *SessionHandler) lookup(r *http.Request) (*connection.Runner, bool) {
	runner, ok := h.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		return nil, false
	}
	if runner.Snapshot().OwnerID != identity.OwnerIDFromContext(r.Context()) {
		return nil, false
	}
	return runner, true
}

// NewClientConfig builds the client configuration.
func NewClientConfig(maxRetries int, retryBackoff time.Duration, pipelineType, personality string,
	personalities []string, threshold float64) ClientConfig {
	return ClientConfig{
		MaxRetries:        maxRetries,
		RetryBackoffMS:    retryBackoff.Milliseconds(),
		PipelineType:      pipelineType,
		Personality:       personality,
		Personalities:     personalities,
		SpeakingThreshold: threshold,
	}
}
