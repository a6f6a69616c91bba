// Package session manages browser sessions over profiles: one live session
// per profile, per-session instruction serialization, login recovery with a
// single headless-to-headful escalation, and health probing. Profiles keep
// their cookies, local storage, and fingerprint across relaunches.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/domsteer/driver"
	"github.com/hazyhaar/domsteer/idgen"
)

// State is a session lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateError    State = "error"
)

// Live reports whether the session can accept instructions. Live states
// count against the one-session-per-profile invariant.
func (s State) Live() bool {
	return s == StateReady || s == StateIdle || s == StateBusy
}

// Terminal reports whether the session is finished for good.
func (s State) Terminal() bool { return s == StateClosed }

// transitions lists the legal moves. Error is reachable from every
// non-terminal state; recovery from error goes through closing.
var transitions = map[State][]State{
	StateCreating: {StateReady, StateClosing, StateError},
	StateReady:    {StateIdle, StateBusy, StateClosing, StateError},
	StateIdle:     {StateReady, StateBusy, StateClosing, StateError},
	StateBusy:     {StateReady, StateIdle, StateClosing, StateError},
	StateClosing:  {StateClosed, StateError},
	StateError:    {StateClosing},
	StateClosed:   nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Page is the slice of a driver page a session exposes to instructions.
// *driver.Page satisfies it.
type Page interface {
	Eval(ctx context.Context, js string, args ...any) ([]byte, error)
	Navigate(ctx context.Context, pageURL string) error
	WaitVisible(ctx context.Context, sel string, wait time.Duration) error
	Click(ctx context.Context, path string) error
	Input(ctx context.Context, path, text string) error
	OuterHTML(ctx context.Context, path string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Browser is the slice of a driver browser the manager needs.
type Browser interface {
	NewPage(ctx context.Context, pageURL string) (Page, error)
	Close() error
}

// Launcher starts browser instances. *DriverLauncher adapts driver.Driver;
// tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec driver.LaunchSpec) (Browser, error)
}

var newSessionID = idgen.Prefixed("sess_", idgen.Timestamped(idgen.NanoID(6)))

// Session is one live browser bound to a profile. State moves under its own
// mutex so status reads never wait behind a long instruction; instruction
// serialization is the manager's keyed lock, not this mutex.
type Session struct {
	ID        string
	ProfileID string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	url       string
	headless  bool
	escalated bool
	lastErr   error
	browser   Browser
	page      Page

	readyCh chan struct{} // closed when the session leaves creating
}

func newSession(profileID, url string, headless bool) *Session {
	return &Session{
		ID:        newSessionID(),
		ProfileID: profileID,
		CreatedAt: time.Now().UTC(),
		state:     StateCreating,
		url:       url,
		headless:  headless,
		readyCh:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the address the session was started on.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Headless reports the current launch mode; false after escalation.
func (s *Session) Headless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headless
}

// Escalated reports whether the one headful relaunch has been used.
func (s *Session) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// Err returns the error that moved the session into the error state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Page returns the live page. Callers must hold the session's instruction
// lock via Manager.WithSession.
func (s *Session) Page() Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// setState applies a transition if legal and reports whether it happened.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) bool {
	if !canTransition(s.state, to) {
		return false
	}
	from := s.state
	s.state = to
	if from == StateCreating {
		close(s.readyCh)
	}
	return true
}

// fail moves the session into the error state and records why.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setStateLocked(StateError) {
		s.lastErr = err
	}
}

// attach binds a freshly launched browser and page. Used at start and again
// on headful escalation.
func (s *Session) attach(b Browser, pg Page, headless bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browser = b
	s.page = pg
	s.headless = headless
}

// teardown closes the page and browser, keeping the profile dir on disk.
func (s *Session) teardown() {
	s.mu.Lock()
	pg, b := s.page, s.browser
	s.page, s.browser = nil, nil
	s.mu.Unlock()

	if pg != nil {
		pg.Close()
	}
	if b != nil {
		b.Close()
	}
}

// Status is a point-in-time snapshot of a session for callers.
type Status struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profileId"`
	State     State     `json:"state"`
	URL       string    `json:"url"`
	Headless  bool      `json:"headless"`
	Escalated bool      `json:"escalated"`
	CreatedAt time.Time `json:"createdAt"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot captures the session status under the state lock.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:        s.ID,
		ProfileID: s.ProfileID,
		State:     s.state,
		URL:       s.url,
		Headless:  s.headless,
		Escalated: s.escalated,
		CreatedAt: s.CreatedAt,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}
