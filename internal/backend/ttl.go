package backend

import (
	"context"
	"time"
)

const ttlWorkerInterval = time.Minute

// StartTTLWorker runs a background goroutine that periodically evicts agents
// older than maxLifetime.
func (m *Manager) StartTTLWorker(ctx context.Context, maxLifetime time.Duration) {
	if m.repo == nil {
		return
	}
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("TTL worker started", "interval", ttlWorkerInterval, "max_lifetime", maxLifetime)

		for {
			select {
			case <-ticker.C:
				m.cleanupExpired(ctx, maxLifetime)
			case <-ctx.Done():
				m.logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) cleanupExpired(ctx context.Context, maxLifetime time.Duration) int {
	expired, err := m.repo.GetExpiredAgentSessions(ctx, maxLifetime)
	if err != nil {
		m.logger.Error("TTL worker failed to get expired agent sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	m.logger.Info("TTL worker found expired agent sessions", "count", len(expired))

	cleaned := 0
	for _, s := range expired {
		m.logger.Info("TTL worker evicting agent",
			"meeting_id", s.MeetingID,
			"worker_id", s.WorkerID,
			"age", time.Since(s.CreatedAt).Round(time.Second))

		if err := m.Evict(ctx, s.MeetingID); err != nil {
			m.logger.Error("TTL worker failed to evict agent",
				"error", err,
				"meeting_id", s.MeetingID)
			continue
		}
		cleaned++
	}

	m.logger.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
