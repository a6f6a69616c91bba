package session

import (
	"context"
	"time"
)

// Probe pings one session's page. An unreachable transport moves the
// session to error and drops it from the live index; the failure is
// reported, never silently retried. A session busy with an instruction is
// skipped: traffic is proof of life.
func (m *Manager) Probe(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	entry := m.acquireLock(id)
	defer m.releaseLock(id)
	if !entry.mu.TryLock() {
		return nil
	}
	defer entry.mu.Unlock()

	if !s.State().Live() {
		return nil
	}
	if err := s.Page().Ping(ctx); err != nil {
		s.fail(err)
		m.dropLive(s)
		m.cfg.Logger.Warn("session: probe failed",
			"session", id, "profile", s.ProfileID, "error", err)
		return err
	}
	return nil
}

// Run probes every live session on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.List() {
				if !st.State.Live() {
					continue
				}
				m.Probe(ctx, st.ID)
			}
		}
	}
}
