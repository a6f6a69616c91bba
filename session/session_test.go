package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsteer/dbopen"
	"github.com/hazyhaar/domsteer/driver"
)

// fakeLauncher hands out fake browsers and records every launch spec so
// tests can assert on profile reuse and mode flips.
type fakeLauncher struct {
	mu             sync.Mutex
	specs          []driver.LaunchSpec
	delay          time.Duration
	anchorHeadless bool // login anchor visible on headless pages
	anchorHeadful  bool // login anchor visible on headful pages
	failLaunch     error
}

func (l *fakeLauncher) Launch(ctx context.Context, spec driver.LaunchSpec) (Browser, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.failLaunch != nil {
		return nil, l.failLaunch
	}
	return &fakeBrowser{l: l, headless: spec.Headless}, nil
}

func (l *fakeLauncher) launches() []driver.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]driver.LaunchSpec(nil), l.specs...)
}

type fakeBrowser struct {
	l        *fakeLauncher
	headless bool
	closed   atomic.Bool
}

func (b *fakeBrowser) NewPage(ctx context.Context, pageURL string) (Page, error) {
	return &fakePage{b: b, url: pageURL}, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakePage struct {
	b       *fakeBrowser
	url     string
	mu      sync.Mutex
	pingErr error
	evals   int
}

func (p *fakePage) Eval(ctx context.Context, js string, args ...any) ([]byte, error) {
	p.mu.Lock()
	p.evals++
	p.mu.Unlock()
	return []byte(`null`), nil
}

func (p *fakePage) Navigate(ctx context.Context, pageURL string) error {
	p.url = pageURL
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, sel string, wait time.Duration) error {
	visible := p.b.l.anchorHeadful
	if p.b.headless {
		visible = p.b.l.anchorHeadless
	}
	if visible {
		return nil
	}
	return fmt.Errorf("wait %s: %w", sel, driver.ErrOperationTimeout)
}

func (p *fakePage) Click(ctx context.Context, path string) error         { return nil }
func (p *fakePage) Input(ctx context.Context, path, text string) error   { return nil }
func (p *fakePage) OuterHTML(ctx context.Context, path string) (string, error) {
	return "<div></div>", nil
}

func (p *fakePage) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingErr
}

func (p *fakePage) Close() error { return nil }

func newTestManager(t *testing.T, l *fakeLauncher) *Manager {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ps, err := NewProfileStore(t.TempDir(), db)
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	return NewManager(l, ps, Config{LoginWait: 50 * time.Millisecond})
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreating, StateReady, true},
		{StateCreating, StateBusy, false},
		{StateReady, StateBusy, true},
		{StateBusy, StateReady, true},
		{StateReady, StateIdle, true},
		{StateIdle, StateBusy, true},
		{StateBusy, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosed, StateReady, false},
		{StateClosed, StateError, false},
		{StateBusy, StateError, true},
		{StateError, StateClosing, true},
		{StateError, StateReady, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, st := range []State{StateReady, StateIdle, StateBusy} {
		if !st.Live() {
			t.Errorf("%s should be live", st)
		}
	}
	for _, st := range []State{StateCreating, StateClosing, StateClosed, StateError} {
		if st.Live() {
			t.Errorf("%s should not be live", st)
		}
	}
}

func TestStartIdempotent(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s1, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/feed", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s1.State() != StateReady {
		t.Fatalf("state: got %s, want ready", s1.State())
	}

	s2, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/other", Headless: false})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("second Start returned a different session: %s vs %s", s2.ID, s1.ID)
	}
	if got := len(l.launches()); got != 1 {
		t.Fatalf("launches: got %d, want 1", got)
	}
	// The original options stand; the second call's are ignored.
	if s2.URL() != "https://example.com/feed" || !s2.Headless() {
		t.Errorf("session options changed: url=%s headless=%v", s2.URL(), s2.Headless())
	}
}

func TestConcurrentStartSingleSession(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true, delay: 20 * time.Millisecond}
	m := newTestManager(t, l)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Start %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("Start %d got session %s, want %s", i, ids[i], ids[0])
		}
	}
	if got := len(l.launches()); got != 1 {
		t.Fatalf("launches: got %d, want 1", got)
	}

	live := 0
	for _, st := range m.List() {
		if st.State.Live() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live sessions: got %d, want 1", live)
	}
}

func TestStartAfterCloseRelaunches(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s1, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.CloseSession(ctx, s1.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if s1.State() != StateClosed {
		t.Fatalf("state after close: %s", s1.State())
	}
	// Idempotent close.
	if err := m.CloseSession(ctx, s1.ID); err != nil {
		t.Fatalf("second CloseSession: %v", err)
	}

	s2, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s2.ID == s1.ID {
		t.Fatal("restart reused the closed session")
	}
	if got := len(l.launches()); got != 2 {
		t.Fatalf("launches: got %d, want 2", got)
	}
}

func TestWithSessionSerializes(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var inFlight, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithSession(ctx, s.ID, func(s *Session) error {
				if atomic.AddInt32(&inFlight, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				if s.State() != StateBusy {
					t.Errorf("state inside instruction: %s", s.State())
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&overlaps); got != 0 {
		t.Fatalf("instructions overlapped %d times", got)
	}
	if s.State() != StateReady {
		t.Fatalf("state after instructions: %s", s.State())
	}
}

func TestWithSessionErrors(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	if err := m.WithSession(ctx, "sess_missing", func(*Session) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session: got %v, want ErrSessionNotFound", err)
	}

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A plain step failure leaves the session usable.
	stepErr := errors.New("button missing")
	if err := m.WithSession(ctx, s.ID, func(*Session) error { return stepErr }); !errors.Is(err, stepErr) {
		t.Fatalf("step error: got %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state after step error: %s", s.State())
	}

	// An unreachable browser fails the session and frees the profile.
	unreachable := fmt.Errorf("eval: %w", driver.ErrUnreachable)
	if err := m.WithSession(ctx, s.ID, func(*Session) error { return unreachable }); !errors.Is(err, driver.ErrUnreachable) {
		t.Fatalf("unreachable: got %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("state after unreachable: %s", s.State())
	}
	if err := m.WithSession(ctx, s.ID, func(*Session) error { return nil }); !errors.Is(err, ErrNotUsable) {
		t.Fatalf("instruction on errored session: got %v", err)
	}

	s2, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("restart after error: %v", err)
	}
	if s2.ID == s.ID {
		t.Fatal("restart reused the errored session")
	}
}

func TestAwaitLoginEscalatesOnce(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: false, anchorHeadful: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/login", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.AwaitLogin(ctx, s.ID, "nav .profile-badge", 30*time.Millisecond); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}

	specs := l.launches()
	if len(specs) != 2 {
		t.Fatalf("launches: got %d, want 2", len(specs))
	}
	if !specs[0].Headless || specs[1].Headless {
		t.Fatalf("modes: got %v/%v, want headless then headful", specs[0].Headless, specs[1].Headless)
	}
	if specs[0].ProfileDir != specs[1].ProfileDir || specs[0].ProfileDir == "" {
		t.Fatalf("profile dir not preserved: %q vs %q", specs[0].ProfileDir, specs[1].ProfileDir)
	}
	if specs[0].Fingerprint == nil || specs[1].Fingerprint == nil ||
		specs[0].Fingerprint.UserAgent != specs[1].Fingerprint.UserAgent {
		t.Fatal("fingerprint not preserved across escalation")
	}

	if !s.Escalated() || s.Headless() {
		t.Fatalf("session flags: escalated=%v headless=%v", s.Escalated(), s.Headless())
	}
	if s.State() != StateReady {
		t.Fatalf("state: %s", s.State())
	}
}

func TestAwaitLoginExhausted(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: false, anchorHeadful: false}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/login", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = m.AwaitLogin(ctx, s.ID, "nav .profile-badge", 30*time.Millisecond)
	if !errors.Is(err, ErrRecoveryExhausted) {
		t.Fatalf("got %v, want ErrRecoveryExhausted", err)
	}
	if got := len(l.launches()); got != 2 {
		t.Fatalf("launches: got %d, want 2 (exactly one escalation)", got)
	}
	if s.State() != StateError {
		t.Fatalf("state: %s", s.State())
	}
}

func TestAwaitLoginHeadfulNeverEscalates(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: false, anchorHeadful: false}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/login", Headless: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = m.AwaitLogin(ctx, s.ID, "nav .profile-badge", 30*time.Millisecond)
	if !errors.Is(err, ErrRecoveryExhausted) {
		t.Fatalf("got %v, want ErrRecoveryExhausted", err)
	}
	if got := len(l.launches()); got != 1 {
		t.Fatalf("launches: got %d, want 1 (headful has no next rung)", got)
	}
}

func TestAwaitLoginImmediate(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com/feed", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.AwaitLogin(ctx, s.ID, "nav .profile-badge", 30*time.Millisecond); err != nil {
		t.Fatalf("AwaitLogin: %v", err)
	}
	if got := len(l.launches()); got != 1 {
		t.Fatalf("launches: got %d, want 1", got)
	}
	if s.Escalated() {
		t.Fatal("escalated without a timeout")
	}
}

func TestProbeMarksUnreachable(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Probe(ctx, s.ID); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}

	pg := s.Page().(*fakePage)
	pg.mu.Lock()
	pg.pingErr = fmt.Errorf("ping: %w", driver.ErrUnreachable)
	pg.mu.Unlock()

	if err := m.Probe(ctx, s.ID); !errors.Is(err, driver.ErrUnreachable) {
		t.Fatalf("dead probe: got %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("state after dead probe: %s", s.State())
	}
}

func TestMarkIdle(t *testing.T) {
	l := &fakeLauncher{anchorHeadless: true}
	m := newTestManager(t, l)
	ctx := context.Background()

	s, err := m.Start(ctx, "acct-main", StartOptions{URL: "https://example.com", Headless: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.MarkIdle(s.ID); err != nil {
		t.Fatalf("MarkIdle: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state: %s", s.State())
	}
	// Idle sessions still take instructions.
	if err := m.WithSession(ctx, s.ID, func(*Session) error { return nil }); err != nil {
		t.Fatalf("instruction on idle session: %v", err)
	}
}
