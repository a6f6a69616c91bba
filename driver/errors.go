package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnreachable means the browser transport is dead: launch failed, the
// websocket dropped, or the CDP target is gone. Retryable after relaunch.
var ErrUnreachable = errors.New("driver: browser unreachable")

// ErrOperationTimeout means a single page operation exceeded its deadline
// while the transport itself stayed up.
var ErrOperationTimeout = errors.New("driver: operation timed out")

// ErrElementGone means a positional path no longer resolves to an element.
// The DOM moved under us; callers re-match and replay.
var ErrElementGone = errors.New("driver: element gone")

// classify maps raw rod and CDP failures onto the sentinel errors so
// callers branch on errors.Is instead of matching strings.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("%w: %v", ErrOperationTimeout, err)
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

// isTransportError detects a dead CDP session or websocket from the error
// text. CDP error -32001 is "session not found".
func isTransportError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Session with given id not found") ||
		strings.Contains(s, "Session closed") ||
		strings.Contains(s, "Target closed") ||
		strings.Contains(s, "-32001") ||
		strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "websocket: close")
}
