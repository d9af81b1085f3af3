package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/meeting"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// maxMessageSize bounds a single frame; PCM chunks dominate.
const maxMessageSize = 1 << 20

// Target is the session a relay drives.
type Target interface {
	Snapshot() domain.Session
	Attach(s meeting.Session)
	Detach(s meeting.Session)
	HandleMeetingEvent(ev meeting.Event)
	WriteAgentAudio(pcm []byte)
	SetAudioFormat(sampleRate int)
	Subscribe() (<-chan domain.Session, func())
}

// Lookup resolves a session id to its target.
type Lookup func(sessionID string) (Target, bool)

// Handler serves GET /ws/sessions/{id}.
type Handler struct {
	lookup        Lookup
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a relay handler.
func NewHandler(lookup Lookup, sm *SessionManager, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		lookup:        lookup,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	ownerID := identity.OwnerIDFromContext(r.Context())
	logger := h.logger.With("session_id", sessionID)

	target, ok := h.lookup(sessionID)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if owner := target.Snapshot().OwnerID; owner != "" && owner != ownerID {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	conn := newConn(ws, logger)
	defer conn.close(websocket.StatusNormalClosure, "relay ended")

	h.sm.Register(sessionID, conn)
	defer h.sm.Unregister(sessionID, conn)

	target.Attach(conn)
	defer target.Detach(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Status loop: session -> browser.
	go func() {
		defer wg.Done()
		defer cancel()
		h.statusLoop(ctx, conn, target)
	}()

	// Read loop: browser -> session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, target, logger)
	}()

	wg.Wait()
	logger.Info("Meeting relay ended")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) statusLoop(ctx context.Context, conn *Conn, target Target) {
	updates, unsubscribe := target.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			msg := statusMessage{Type: TypeStatus, Status: domain.DeriveStatus(snap), Session: snap}
			if err := conn.writeJSON(ctx, msg); err != nil {
				if ctx.Err() == nil {
					conn.logger.Debug("Failed to push status", "error", err)
				}
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn, target Target, logger *slog.Logger) {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug("Meeting relay closed by client")
			} else {
				logger.Warn("Meeting relay read error", "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			target.WriteAgentAudio(data)
			continue
		}

		msg, err := decodeInbound(data)
		if err != nil {
			logger.Warn("Dropping malformed relay message", "error", err)
			continue
		}

		switch msg.Type {
		case TypeAck:
			conn.resolve(msg.ID, msg.Error)
		case TypePing:
			if err := conn.writeJSON(ctx, map[string]string{"type": TypePong}); err != nil {
				logger.Debug("Failed to send pong", "error", err)
			}
		case TypeAudioFormat:
			if msg.SampleRate > 0 {
				target.SetAudioFormat(msg.SampleRate)
			}
		default:
			ev, err := msg.event()
			if err != nil {
				logger.Warn("Dropping relay message", "type", msg.Type, "error", err)
				continue
			}
			target.HandleMeetingEvent(ev)
		}
	}
}
