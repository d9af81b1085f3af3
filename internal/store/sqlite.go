package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		meeting_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error_kind TEXT,
		last_error_message TEXT,
		agent_error_kind TEXT,
		agent_error_message TEXT,
		agent_invited INTEGER NOT NULL DEFAULT 0,
		agent_joined INTEGER NOT NULL DEFAULT 0,
		agent_participant_id TEXT,
		mic_enabled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		meeting_id TEXT PRIMARY KEY,
		pipeline_type TEXT NOT NULL,
		personality TEXT,
		runner TEXT NOT NULL,
		worker_id TEXT,
		state TEXT NOT NULL,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_created ON agent_sessions(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// write runs a mutation under the write lock, retrying on SQLite conflicts.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, op, fn)
}

const sessionColumns = `id, owner_id, meeting_id, phase, retry_count,
	last_error_kind, last_error_message, agent_error_kind, agent_error_message,
	agent_invited, agent_joined, agent_participant_id, mic_enabled,
	created_at, updated_at`

// SaveSession creates or updates a session snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		phase = excluded.phase,
		retry_count = excluded.retry_count,
		last_error_kind = excluded.last_error_kind,
		last_error_message = excluded.last_error_message,
		agent_error_kind = excluded.agent_error_kind,
		agent_error_message = excluded.agent_error_message,
		agent_invited = excluded.agent_invited,
		agent_joined = excluded.agent_joined,
		agent_participant_id = excluded.agent_participant_id,
		mic_enabled = excluded.mic_enabled,
		updated_at = excluded.updated_at`

	lastKind, lastMsg := errorColumns(sess.LastError)
	agentKind, agentMsg := errorColumns(sess.AgentError)

	var participantID interface{}
	if sess.AgentParticipantID != "" {
		participantID = sess.AgentParticipantID
	}

	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := s.write(ctx, "save_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.OwnerID, sess.MeetingID, string(sess.Phase), sess.RetryCount,
			lastKind, lastMsg, agentKind, agentMsg,
			sess.Invitation.Invited, sess.Invitation.Joined, participantID, sess.MicEnabled,
			sess.CreatedAt.Unix(), updatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []interface{}{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSessionsBefore removes sessions last updated before t.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, t time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, "delete_sessions", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, t.Unix())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var phase string
	var lastKind, lastMsg, agentKind, agentMsg, participantID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.MeetingID, &phase, &sess.RetryCount,
		&lastKind, &lastMsg, &agentKind, &agentMsg,
		&sess.Invitation.Invited, &sess.Invitation.Joined, &participantID, &sess.MicEnabled,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Phase = domain.Phase(phase)
	sess.LastError = sessionError(lastKind, lastMsg)
	sess.AgentError = sessionError(agentKind, agentMsg)
	sess.AgentParticipantID = participantID.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

func errorColumns(e *domain.SessionError) (kind, message interface{}) {
	if e == nil {
		return nil, nil
	}
	return string(e.Kind), e.Message
}

func sessionError(kind, message sql.NullString) *domain.SessionError {
	if !kind.Valid {
		return nil
	}
	return &domain.SessionError{Kind: domain.ErrorKind(kind.String), Message: message.String}
}

const agentSessionColumns = `meeting_id, pipeline_type, personality, runner, worker_id,
	state, last_error, created_at, updated_at`

// GetAgentSession retrieves the worker registered for a meeting.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, meetingID string) (*domain.AgentSession, error) {
	query := `SELECT ` + agentSessionColumns + ` FROM agent_sessions WHERE meeting_id = ?`

	session, err := scanAgentSession(s.db.QueryRowContext(ctx, query, meetingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	return session, nil
}

// UpsertAgentSession creates or replaces the worker registered for a meeting.
func (s *SQLiteStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	query := `
		INSERT INTO agent_sessions (` + agentSessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(meeting_id) DO UPDATE SET
			pipeline_type = excluded.pipeline_type,
			personality = excluded.personality,
			runner = excluded.runner,
			worker_id = COALESCE(excluded.worker_id, agent_sessions.worker_id),
			state = excluded.state,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`

	var workerID interface{}
	if session.WorkerID != "" {
		workerID = session.WorkerID
	}
	var lastError interface{}
	if session.LastError != "" {
		lastError = session.LastError
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := s.write(ctx, "upsert_agent_session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.MeetingID, session.PipelineType, session.Personality, session.Runner, workerID,
			string(session.State), lastError, createdAt.Unix(), time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// DeleteAgentSession removes a meeting's worker registration.
func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, meetingID string) error {
	err := s.write(ctx, "delete_agent_session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE meeting_id = ?`, meetingID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete agent session for %s: %w", meetingID, err)
	}
	return nil
}

// ListAgentSessions returns every registration, oldest first.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context) ([]*domain.AgentSession, error) {
	query := `SELECT ` + agentSessionColumns + ` FROM agent_sessions ORDER BY created_at ASC`
	return s.queryAgentSessions(ctx, query)
}

// GetExpiredAgentSessions returns registrations older than maxLifetime.
func (s *SQLiteStore) GetExpiredAgentSessions(ctx context.Context, maxLifetime time.Duration) ([]*domain.AgentSession, error) {
	threshold := time.Now().Add(-maxLifetime).Unix()
	query := `SELECT ` + agentSessionColumns + ` FROM agent_sessions WHERE created_at < ? ORDER BY created_at ASC`
	return s.queryAgentSessions(ctx, query, threshold)
}

func (s *SQLiteStore) queryAgentSessions(ctx context.Context, query string, args ...interface{}) ([]*domain.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent session rows", "error", closeErr)
		}
	}()

	var out []*domain.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session row: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent sessions: %w", err)
	}
	return out, nil
}

func scanAgentSession(row rowScanner) (*domain.AgentSession, error) {
	var session domain.AgentSession
	var state string
	var personality, workerID, lastError sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.MeetingID, &session.PipelineType, &personality, &session.Runner, &workerID,
		&state, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Personality = personality.String
	session.WorkerID = workerID.String
	session.State = domain.AgentState(state)
	session.LastError = lastError.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}
