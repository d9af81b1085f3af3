// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

// SessionRepository persists meeting session snapshots for history.
type SessionRepository interface {
	// SaveSession creates or updates a session snapshot.
	SaveSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by id. It returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns an owner's sessions, newest first. An empty ownerID
	// lists every owner.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]*domain.Session, error)

	// DeleteSessionsBefore removes sessions last updated before t.
	DeleteSessionsBefore(ctx context.Context, t time.Time) (int64, error)
}

// AgentSessionRepository persists agent worker registrations for agentd.
type AgentSessionRepository interface {
	// GetAgentSession retrieves the worker registered for a meeting.
	GetAgentSession(ctx context.Context, meetingID string) (*domain.AgentSession, error)

	// UpsertAgentSession creates or replaces the worker registered for a meeting.
	UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error

	// DeleteAgentSession removes a meeting's worker registration.
	DeleteAgentSession(ctx context.Context, meetingID string) error

	// ListAgentSessions returns every registration, oldest first.
	ListAgentSessions(ctx context.Context) ([]*domain.AgentSession, error)

	// GetExpiredAgentSessions returns registrations created more than maxLifetime ago.
	GetExpiredAgentSessions(ctx context.Context, maxLifetime time.Duration) ([]*domain.AgentSession, error)
}

// Repository is the full persistence surface.
type Repository interface {
	SessionRepository
	AgentSessionRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
