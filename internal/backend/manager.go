package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/store"
)

const recordTimeout = 5 * time.Second

// Runner launches and stops agent workers.
type Runner interface {
	// Start runs the worker for spec.MeetingID. It blocks until the worker
	// exits or ctx is canceled.
	Start(ctx context.Context, spec AgentSpec) error

	// Stop stops the meeting's worker. Stopping an absent worker is not an error.
	Stop(ctx context.Context, meetingID string) error
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager tracks the active worker of each meeting.
type Manager struct {
	runner     Runner
	runnerName string
	repo       store.AgentSessionRepository
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*worker
}

// NewManager creates a manager. A nil repo disables persistence.
func NewManager(runner Runner, runnerName string, repo store.AgentSessionRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:     runner,
		runnerName: runnerName,
		repo:       repo,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]*worker),
	}
}

// Join launches a worker for spec.MeetingID in the background. An existing
// worker for the same meeting is canceled and replaced.
func (m *Manager) Join(spec AgentSpec) {
	ctx, cancel := context.WithCancel(m.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.active[spec.MeetingID]
	m.active[spec.MeetingID] = w
	m.mu.Unlock()

	if prev != nil {
		m.logger.Warn("Agent already active for meeting, starting a new one", "meeting_id", spec.MeetingID)
		prev.cancel()
	}

	m.wg.Add(1)
	go m.run(ctx, w, prev, spec)
}

func (m *Manager) run(ctx context.Context, w, prev *worker, spec AgentSpec) {
	defer m.wg.Done()
	defer close(w.done)
	defer w.cancel()

	logger := m.logger.With("meeting_id", spec.MeetingID, "pipeline_type", spec.PipelineType)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			m.finish(w, spec.MeetingID)
			return
		}
	}

	record := &domain.AgentSession{
		MeetingID:    spec.MeetingID,
		PipelineType: spec.PipelineType,
		Personality:  spec.Personality,
		Runner:       m.runnerName,
		State:        domain.AgentStateStarting,
		CreatedAt:    time.Now(),
	}
	m.save(w, record)

	spec.OnStarted = func(workerID string) {
		logger.Info("Agent worker started", "worker_id", workerID)
		running := *record
		running.WorkerID = workerID
		running.State = domain.AgentStateRunning
		m.save(w, &running)
	}

	logger.Info("Starting agent worker")
	err := m.runner.Start(ctx, spec)
	switch {
	case ctx.Err() != nil:
		logger.Info("Agent worker canceled")
	case err != nil:
		logger.Error("Agent worker failed", "error", err)
	default:
		logger.Info("Agent worker finished")
	}

	m.finish(w, spec.MeetingID)
}

// save persists record while w is still the meeting's worker.
func (m *Manager) save(w *worker, record *domain.AgentSession) {
	if m.repo == nil || !m.owns(w, record.MeetingID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.repo.UpsertAgentSession(ctx, record); err != nil {
		m.logger.Warn("Failed to persist agent session", "meeting_id", record.MeetingID, "error", err)
	}
}

func (m *Manager) owns(w *worker, meetingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[meetingID] == w
}

func (m *Manager) finish(w *worker, meetingID string) {
	m.mu.Lock()
	owned := m.active[meetingID] == w
	if owned {
		delete(m.active, meetingID)
	}
	m.mu.Unlock()

	if owned {
		m.deleteRecord(meetingID)
		m.logger.Info("Cleaned up agent session", "meeting_id", meetingID)
	}
}

func (m *Manager) deleteRecord(meetingID string) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.repo.DeleteAgentSession(ctx, meetingID); err != nil {
		m.logger.Warn("Failed to delete agent session", "meeting_id", meetingID, "error", err)
	}
}

// Leave cancels the meeting's worker and stops it.
func (m *Manager) Leave(ctx context.Context, meetingID string) (LeaveStatus, error) {
	m.mu.Lock()
	w, ok := m.active[meetingID]
	delete(m.active, meetingID)
	m.mu.Unlock()

	if !ok {
		return LeaveNotFound, nil
	}

	w.cancel()
	err := m.runner.Stop(ctx, meetingID)
	m.deleteRecord(meetingID)
	if err != nil {
		return LeaveError, fmt.Errorf("stop agent for %s: %w", meetingID, err)
	}
	return LeaveRemoved, nil
}

// Evict stops the meeting's worker, including workers left behind by a
// previous process that this manager does not track.
func (m *Manager) Evict(ctx context.Context, meetingID string) error {
	status, err := m.Leave(ctx, meetingID)
	if status != LeaveNotFound {
		return err
	}
	if err := m.runner.Stop(ctx, meetingID); err != nil {
		return fmt.Errorf("stop orphaned agent for %s: %w", meetingID, err)
	}
	m.deleteRecord(meetingID)
	return nil
}

// Recover evicts every persisted worker. It is meant to run once at startup,
// before any Join.
func (m *Manager) Recover(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	sessions, err := m.repo.ListAgentSessions(ctx)
	if err != nil {
		return fmt.Errorf("list agent sessions: %w", err)
	}
	var errs []error
	for _, s := range sessions {
		m.logger.Info("Evicting agent from previous run", "meeting_id", s.MeetingID, "worker_id", s.WorkerID)
		if err := m.Evict(ctx, s.MeetingID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the meetings with an active worker, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Shutdown stops every worker and waits for them to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, id := range m.Active() {
		if _, err := m.Leave(ctx, id); err != nil {
			m.logger.Warn("Failed to stop agent during shutdown", "meeting_id", id, "error", err)
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
