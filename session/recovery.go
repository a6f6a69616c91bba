package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domsteer/driver"
)

// AwaitLogin waits for the login anchor to become visible, proving the
// profile is authenticated. A headless session whose anchor never appears
// is torn down and relaunched headful on the same profile, cookies and
// fingerprint intact, so a human can complete the login. That escalation
// happens exactly once; when the anchor still does not appear, the session
// fails with ErrRecoveryExhausted. There is no mid-wait resume: callers
// replay from their last completed step.
func (m *Manager) AwaitLogin(ctx context.Context, id, anchorSel string, wait time.Duration) error {
	if wait <= 0 {
		wait = m.cfg.LoginWait
	}
	return m.WithSession(ctx, id, func(s *Session) error {
		err := s.Page().WaitVisible(ctx, anchorSel, wait)
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrOperationTimeout) {
			return err
		}
		if !s.Headless() || s.Escalated() {
			exhausted := fmt.Errorf("%w: anchor %s never appeared", ErrRecoveryExhausted, anchorSel)
			s.fail(exhausted)
			return exhausted
		}

		m.cfg.Logger.Info("session: login anchor timed out, escalating to headful",
			"session", s.ID, "profile", s.ProfileID, "anchor", anchorSel)

		s.teardown()
		if err := m.launch(ctx, s, false); err != nil {
			s.fail(err)
			return err
		}
		s.mu.Lock()
		s.escalated = true
		s.mu.Unlock()

		err = s.Page().WaitVisible(ctx, anchorSel, wait)
		if err == nil {
			m.cfg.Logger.Info("session: login recovered headful",
				"session", s.ID, "profile", s.ProfileID)
			return nil
		}
		if errors.Is(err, driver.ErrOperationTimeout) {
			exhausted := fmt.Errorf("%w: anchor %s never appeared headful", ErrRecoveryExhausted, anchorSel)
			s.fail(exhausted)
			return exhausted
		}
		return err
	})
}
