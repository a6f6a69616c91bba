package session

import "errors"

// ErrSessionNotFound is returned when a session ID resolves to nothing.
// Not retryable: the caller's handle is stale.
var ErrSessionNotFound = errors.New("session: not found")

// ErrRecoveryExhausted means login recovery failed after the one allowed
// headful escalation. Fatal for the task; operator attention needed.
var ErrRecoveryExhausted = errors.New("session: recovery exhausted")

// ErrNotUsable is returned when an instruction targets a session that is
// not in a live state.
var ErrNotUsable = errors.New("session: not usable")
