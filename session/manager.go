package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domsteer/driver"
)

// Config configures the Manager.
type Config struct {
	// LoginWait bounds AwaitLogin's anchor wait per attempt. Default: 30s.
	LoginWait time.Duration

	// ProbeInterval is the health probe period for Run. Default: 30s.
	ProbeInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.LoginWait <= 0 {
		c.LoginWait = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// lockEntry holds one session's instruction mutex and its reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager owns every session in the process. It enforces one live session
// per profile, serializes instructions per session through refcounted keyed
// locks, and is the only place a login escalation is decided.
type Manager struct {
	launcher Launcher
	profiles *ProfileStore
	cfg      Config

	mu        sync.Mutex
	sessions  map[string]*Session // by session ID, closed ones included
	byProfile map[string]*Session // live or creating session per profile
	locks     map[string]*lockEntry
}

// NewManager creates a Manager over a launcher and profile store.
func NewManager(launcher Launcher, profiles *ProfileStore, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		launcher:  launcher,
		profiles:  profiles,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		byProfile: make(map[string]*Session),
		locks:     make(map[string]*lockEntry),
	}
}

// StartOptions configure a session start.
type StartOptions struct {
	// URL is the page the session opens on.
	URL string

	// Headless selects the initial launch mode. Escalation may flip it.
	Headless bool
}

// Start returns the live session for profileID, launching one if needed.
// A second Start on a profile with a live session returns that session
// unchanged; a concurrent Start waits for the in-flight launch instead of
// racing it. The per-profile invariant holds under any interleaving.
func (m *Manager) Start(ctx context.Context, profileID string, opts StartOptions) (*Session, error) {
	m.mu.Lock()
	if existing := m.byProfile[profileID]; existing != nil {
		m.mu.Unlock()
		return m.awaitCreated(ctx, existing)
	}

	s := newSession(profileID, opts.URL, opts.Headless)
	m.sessions[s.ID] = s
	m.byProfile[profileID] = s
	m.mu.Unlock()

	if err := m.launch(ctx, s, opts.Headless); err != nil {
		s.fail(err)
		m.dropLive(s)
		return nil, fmt.Errorf("session: start %s: %w", profileID, err)
	}
	if !s.setState(StateReady) {
		// Closed while launching. Drop the browser we just attached.
		s.teardown()
		return nil, fmt.Errorf("%w: %s closed during start", ErrNotUsable, s.ID)
	}
	m.cfg.Logger.Info("session: started",
		"session", s.ID, "profile", profileID, "headless", opts.Headless)
	return s, nil
}

// awaitCreated blocks until a session has left the creating state, then
// returns it, or the launch error if it never became usable.
func (m *Manager) awaitCreated(ctx context.Context, s *Session) (*Session, error) {
	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if st := s.State(); !st.Live() {
		err := s.Err()
		if err == nil {
			err = fmt.Errorf("session: %s is %s", s.ID, st)
		}
		return nil, err
	}
	return s, nil
}

// launch provisions the profile and attaches a fresh browser and page to s.
func (m *Manager) launch(ctx context.Context, s *Session, headless bool) error {
	prof, err := m.profiles.Ensure(ctx, s.ProfileID)
	if err != nil {
		return err
	}
	fp, err := driver.LoadFingerprint(prof.FingerprintPath)
	if err != nil {
		return err
	}

	b, err := m.launcher.Launch(ctx, driver.LaunchSpec{
		ProfileDir:  prof.Dir,
		Fingerprint: fp,
		Headless:    headless,
	})
	if err != nil {
		return err
	}
	pg, err := b.NewPage(ctx, s.URL())
	if err != nil {
		b.Close()
		return err
	}
	s.attach(b, pg, headless)

	if err := m.profiles.Touch(ctx, s.ProfileID); err != nil {
		m.cfg.Logger.Warn("session: touch profile failed", "profile", s.ProfileID, "error", err)
	}
	return nil
}

// dropLive removes s from the per-profile index if it is still the holder.
func (m *Manager) dropLive(s *Session) {
	m.mu.Lock()
	if m.byProfile[s.ProfileID] == s {
		delete(m.byProfile, s.ProfileID)
	}
	m.mu.Unlock()
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Status reports one session.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	return s.Snapshot(), nil
}

// List reports every known session, closed ones included.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// acquireLock gets or creates the keyed lock entry and bumps its refcount.
func (m *Manager) acquireLock(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// releaseLock drops a reference and garbage-collects the entry at zero.
func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// WithSession runs fn holding the session's instruction lock: one driver
// call per session at a time. The session is busy while fn runs. An
// unreachable browser moves the session to error; fn's other errors leave
// state alone and propagate.
func (m *Manager) WithSession(ctx context.Context, id string, fn func(*Session) error) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	entry := m.acquireLock(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.releaseLock(id)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if st := s.State(); !st.Live() {
		return fmt.Errorf("%w: %s is %s", ErrNotUsable, id, st)
	}

	s.setState(StateBusy)
	err = fn(s)
	if errors.Is(err, driver.ErrUnreachable) {
		s.fail(err)
	}
	if s.State() == StateError {
		m.dropLive(s)
		return err
	}
	s.setState(StateReady)
	return err
}

// MarkIdle moves a ready session to idle. The engine calls it between
// workflow runs; any instruction makes the session busy again.
func (m *Manager) MarkIdle(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.setState(StateIdle)
	return nil
}

// CloseSession tears a session down. Idempotent: closing a closed session
// is a no-op. Waits for any in-flight instruction.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	entry := m.acquireLock(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.releaseLock(id)
	}()

	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosing)
	s.teardown()
	s.setState(StateClosed)
	m.dropLive(s)
	m.cfg.Logger.Info("session: closed", "session", id, "profile", s.ProfileID)
	return nil
}

// Close tears down every session. The manager is unusable afterwards.
func (m *Manager) Close(ctx context.Context) error {
	for _, st := range m.List() {
		if err := m.CloseSession(ctx, st.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.cfg.Logger.Warn("session: close failed", "session", st.ID, "error", err)
		}
	}
	return nil
}
