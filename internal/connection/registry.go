package connection

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/google/uuid"
)

const (
	ttlWorkerInterval = time.Minute
	// Left sessions stay visible this long before they are dropped from memory.
	leftRetention  = 2 * time.Minute
	persistTimeout = 5 * time.Second
	// Persisted history older than this is deleted by the TTL worker.
	historyRetention = 7 * 24 * time.Hour
)

// SessionStore persists session snapshots.
type SessionStore interface {
	SaveSession(ctx context.Context, s *domain.Session) error
}

// historyPruner is implemented by stores that can drop old history.
type historyPruner interface {
	DeleteSessionsBefore(ctx context.Context, t time.Time) (int64, error)
}

// Registry owns the live session runners.
type Registry struct {
	base   RunnerConfig
	store  SessionStore
	logger *slog.Logger

	mu      sync.RWMutex
	runners map[string]*Runner

	persistMu sync.Mutex
	persisted map[string]domain.Session

	onRemove func(id string)
}

// NewRegistry creates a registry. base is copied into every runner; its identity
// and callbacks are filled in per session. A nil store disables persistence.
func NewRegistry(base RunnerConfig, store SessionStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if base.Logger == nil {
		base.Logger = logger
	}
	return &Registry{
		base:      base,
		store:     store,
		logger:    logger,
		runners:   make(map[string]*Runner),
		persisted: make(map[string]domain.Session),
	}
}

// OnRemove registers fn to run after a runner is removed, typically to close
// the session's relay. It must be called before the registry is used.
func (g *Registry) OnRemove(fn func(id string)) {
	g.onRemove = fn
}

// Create starts a runner for meetingID owned by ownerID.
func (g *Registry) Create(meetingID, ownerID string) *Runner {
	cfg := g.base
	cfg.ID = uuid.New().String()
	cfg.MeetingID = meetingID
	cfg.OwnerID = ownerID
	cfg.OnChange = g.persist
	cfg.OnDisconnected = func(id string) {
		g.logger.Info("Session disconnected", "session_id", id)
	}

	r := NewRunner(cfg)

	g.mu.Lock()
	g.runners[cfg.ID] = r
	g.mu.Unlock()

	g.persist(r.Snapshot())
	g.logger.Info("Session created", "session_id", cfg.ID, "meeting_id", meetingID)
	return r
}

// Get returns the runner for id.
func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

// List returns the snapshots of live sessions owned by ownerID, oldest first.
// An empty ownerID lists every session.
func (g *Registry) List(ownerID string) []domain.Session {
	g.mu.RLock()
	out := make([]domain.Session, 0, len(g.runners))
	for _, r := range g.runners {
		snap := r.Snapshot()
		if ownerID == "" || snap.OwnerID == ownerID {
			out = append(out, snap)
		}
	}
	g.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runners)
}

// Remove stops and forgets the runner for id.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	r, ok := g.runners[id]
	delete(g.runners, id)
	g.mu.Unlock()
	if !ok {
		return
	}

	r.Close()
	g.persistMu.Lock()
	delete(g.persisted, id)
	g.persistMu.Unlock()
	if g.onRemove != nil {
		g.onRemove(id)
	}
}

// Close stops every runner.
func (g *Registry) Close() {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for id, r := range g.runners {
		runners = append(runners, r)
		delete(g.runners, id)
	}
	g.mu.Unlock()

	for _, r := range runners {
		r.Close()
	}
}

// Shutdown disconnects every live session, waits until each has left the
// meeting or ctx is done, then stops all runners.
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.RLock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		switch r.Snapshot().Phase {
		case domain.PhaseIdle, domain.PhaseLeft:
			continue
		}
		r.Disconnect()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !waitLeft(ctx, r) {
				g.logger.Warn("Session did not leave before shutdown", "session_id", r.ID())
			}
		}()
	}
	wg.Wait()
	g.Close()
}

// waitLeft blocks until r reaches left. It returns false if ctx ends first.
func waitLeft(ctx context.Context, r *Runner) bool {
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()
	for {
		select {
		case snap := <-ch:
			if snap.Phase == domain.PhaseLeft {
				return true
			}
		case <-r.Done():
			return r.Snapshot().Phase == domain.PhaseLeft
		case <-ctx.Done():
			return false
		}
	}
}

// Sweep disconnects sessions idle for longer than ttl, drops never-connected
// idle sessions past ttl and forgets left sessions after a short retention.
func (g *Registry) Sweep(now time.Time, ttl time.Duration) (disconnected, removed int) {
	g.mu.RLock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.RUnlock()

	for _, r := range runners {
		snap := r.Snapshot()
		idle := now.Sub(r.LastActivity())
		switch snap.Phase {
		case domain.PhaseLeft:
			if now.Sub(snap.UpdatedAt) > leftRetention {
				g.Remove(r.ID())
				removed++
			}
		case domain.PhaseIdle:
			if idle > ttl {
				g.Remove(r.ID())
				removed++
			}
		case domain.PhaseLeaving:
		default:
			if idle > ttl {
				g.logger.Info("TTL worker disconnecting idle session", "session_id", r.ID(), "idle", idle)
				r.Disconnect()
				disconnected++
			}
		}
	}
	return disconnected, removed
}

// StartTTLWorker runs a background goroutine that periodically sweeps
// inactive sessions.
func (g *Registry) StartTTLWorker(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		g.logger.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case now := <-ticker.C:
				disconnected, removed := g.Sweep(now, ttl)
				if disconnected > 0 || removed > 0 {
					g.logger.Info("TTL worker sweep completed", "disconnected", disconnected, "removed", removed)
				}
				g.pruneHistory(ctx, now)
			case <-ctx.Done():
				g.logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (g *Registry) pruneHistory(ctx context.Context, now time.Time) {
	pruner, ok := g.store.(historyPruner)
	if !ok {
		return
	}
	if deleted, err := pruner.DeleteSessionsBefore(ctx, now.Add(-historyRetention)); err != nil {
		g.logger.Error("TTL worker failed to prune session history", "error", err)
	} else if deleted > 0 {
		g.logger.Info("TTL worker pruned session history", "count", deleted)
	}
}

// persist saves a snapshot when something other than the speaking flag or
// timestamp changed.
func (g *Registry) persist(s domain.Session) {
	if g.store == nil {
		return
	}

	key := s
	key.AgentSpeaking = false
	key.UpdatedAt = time.Time{}

	g.persistMu.Lock()
	if prev, ok := g.persisted[s.ID]; ok && prev == key {
		g.persistMu.Unlock()
		return
	}
	g.persisted[s.ID] = key
	g.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.SaveSession(ctx, &s); err != nil {
		g.logger.Warn("Failed to persist session", "session_id", s.ID, "error", err)
	}
}
