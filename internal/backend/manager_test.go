package backend

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

type fakeRunner struct {
	mu       sync.Mutex
	starts   []AgentSpec
	stops    []string
	startErr error
	stopErr  error

	started chan string
	exit    chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 16), exit: make(chan struct{})}
}

func (f *fakeRunner) Start(ctx context.Context, spec AgentSpec) error {
	f.mu.Lock()
	f.starts = append(f.starts, spec)
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	spec.Started("worker-" + spec.MeetingID)
	f.started <- spec.MeetingID

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.exit:
		return nil
	}
}

func (f *fakeRunner) Stop(_ context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, meetingID)
	return f.stopErr
}

func (f *fakeRunner) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.stops)
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.AgentSession
	now      time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]domain.AgentSession), now: time.Now()}
}

func (r *memRepo) GetAgentSession(_ context.Context, meetingID string) (*domain.AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[meetingID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memRepo) UpsertAgentSession(_ context.Context, s *domain.AgentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.MeetingID] = *s
	return nil
}

func (r *memRepo) DeleteAgentSession(_ context.Context, meetingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, meetingID)
	return nil
}

func (r *memRepo) ListAgentSessions(context.Context) ([]*domain.AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.AgentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, &s)
	}
	return out, nil
}

func (r *memRepo) GetExpiredAgentSessions(_ context.Context, maxLifetime time.Duration) ([]*domain.AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AgentSession
	for _, s := range r.sessions {
		if s.Expired(r.now, maxLifetime) {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (r *memRepo) get(meetingID string) (domain.AgentSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[meetingID]
	return s, ok
}

func (r *memRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, r *fakeRunner, meetingID string) {
	t.Helper()
	select {
	case got := <-r.started:
		if got != meetingID {
			t.Fatalf("expected %s to start, got %s", meetingID, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to start", meetingID)
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner, *memRepo) {
	t.Helper()
	runner := newFakeRunner()
	repo := newMemRepo()
	mgr := NewManager(runner, "fake", repo, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, runner, repo
}

func TestManagerJoinAndLeave(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	mgr.Join(AgentSpec{MeetingID: "m-1", PipelineType: "google", Personality: "Custom"})
	waitStarted(t, runner, "m-1")

	waitFor(t, "running record", func() bool {
		s, ok := repo.get("m-1")
		return ok && s.State == domain.AgentStateRunning
	})
	s, _ := repo.get("m-1")
	if s.WorkerID != "worker-m-1" || s.Runner != "fake" || s.PipelineType != "google" {
		t.Fatalf("unexpected record %+v", s)
	}
	if got := mgr.Active(); !slices.Equal(got, []string{"m-1"}) {
		t.Fatalf("unexpected active %v", got)
	}

	status, err := mgr.Leave(context.Background(), "m-1")
	if err != nil || status != LeaveRemoved {
		t.Fatalf("expected removed, got %s (%v)", status, err)
	}
	if got := runner.stopped(); !slices.Equal(got, []string{"m-1"}) {
		t.Fatalf("expected one stop, got %v", got)
	}
	if _, ok := repo.get("m-1"); ok {
		t.Fatal("expected record deleted")
	}
	if len(mgr.Active()) != 0 {
		t.Fatal("expected no active agents")
	}
}

func TestManagerLeaveUnknown(t *testing.T) {
	t.Parallel()

	mgr, runner, _ := newTestManager(t)
	status, err := mgr.Leave(context.Background(), "nope")
	if err != nil || status != LeaveNotFound {
		t.Fatalf("expected not_found, got %s (%v)", status, err)
	}
	if len(runner.stopped()) != 0 {
		t.Fatal("expected no stop for unknown meeting")
	}
}

func TestManagerLeaveStopError(t *testing.T) {
	t.Parallel()

	mgr, runner, _ := newTestManager(t)
	runner.stopErr = errors.New("daemon unreachable")
	mgr.Join(AgentSpec{MeetingID: "m-1"})
	waitStarted(t, runner, "m-1")

	status, err := mgr.Leave(context.Background(), "m-1")
	if status != LeaveError || err == nil {
		t.Fatalf("expected error status, got %s (%v)", status, err)
	}
}

func TestManagerJoinReplacesExistingWorker(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	mgr.Join(AgentSpec{MeetingID: "m-1", Personality: "first"})
	waitStarted(t, runner, "m-1")
	mgr.Join(AgentSpec{MeetingID: "m-1", Personality: "second"})
	waitStarted(t, runner, "m-1")

	if runner.startCount() != 2 {
		t.Fatalf("expected two starts, got %d", runner.startCount())
	}
	if got := mgr.Active(); !slices.Equal(got, []string{"m-1"}) {
		t.Fatalf("unexpected active %v", got)
	}
	waitFor(t, "replacement record", func() bool {
		s, ok := repo.get("m-1")
		return ok && s.Personality == "second" && s.State == domain.AgentStateRunning
	})
}

func TestManagerWorkerExitCleansUp(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	mgr.Join(AgentSpec{MeetingID: "m-1"})
	waitStarted(t, runner, "m-1")

	close(runner.exit)
	waitFor(t, "cleanup", func() bool { return len(mgr.Active()) == 0 && repo.len() == 0 })
}

func TestManagerStartFailureCleansUp(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	runner.startErr = errors.New("image not found")
	mgr.Join(AgentSpec{MeetingID: "m-1"})

	waitFor(t, "cleanup", func() bool {
		return runner.startCount() == 1 && len(mgr.Active()) == 0 && repo.len() == 0
	})
}

func TestManagerRecoverEvictsOrphans(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	_ = repo.UpsertAgentSession(context.Background(), &domain.AgentSession{MeetingID: "ghost", State: domain.AgentStateRunning})

	if err := mgr.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := runner.stopped(); !slices.Equal(got, []string{"ghost"}) {
		t.Fatalf("expected orphan stopped, got %v", got)
	}
	if repo.len() != 0 {
		t.Fatal("expected orphan record deleted")
	}
}

func TestManagerCleanupExpired(t *testing.T) {
	t.Parallel()

	mgr, runner, repo := newTestManager(t)
	mgr.Join(AgentSpec{MeetingID: "fresh"})
	waitStarted(t, runner, "fresh")
	_ = repo.UpsertAgentSession(context.Background(), &domain.AgentSession{
		MeetingID: "stale",
		State:     domain.AgentStateRunning,
		CreatedAt: repo.now.Add(-2 * time.Hour),
	})

	if n := mgr.cleanupExpired(context.Background(), time.Hour); n != 1 {
		t.Fatalf("expected one agent evicted, got %d", n)
	}
	if _, ok := repo.get("stale"); ok {
		t.Fatal("expected stale record deleted")
	}
	if got := mgr.Active(); !slices.Equal(got, []string{"fresh"}) {
		t.Fatalf("expected fresh agent untouched, got %v", got)
	}
}

func TestManagerShutdownStopsAll(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	mgr := NewManager(runner, "fake", nil, nil)
	mgr.Join(AgentSpec{MeetingID: "a"})
	mgr.Join(AgentSpec{MeetingID: "b"})
	<-runner.started
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got := runner.stopped()
	slices.Sort(got)
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("expected both stopped, got %v", got)
	}
}
