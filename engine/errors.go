package engine

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/domsteer/driver"
)

// ErrOperationPermanent marks a step failure retrying cannot fix: the
// target element is definitively gone, required parameters are missing,
// or the operation itself is unknown. The runner surfaces these
// immediately without retry.
var ErrOperationPermanent = errors.New("engine: operation permanently failed")

// RateLimitedError is a soft denial from the rate gate. The plan did
// not fail; the caller decides whether to wait WaitMs and resubmit or
// abandon.
type RateLimitedError struct {
	Key           string `json:"key"`
	WaitMs        int64  `json:"waitMs"`
	CountInWindow int    `json:"countInWindow"`
	MaxCount      int    `json:"maxCount"`
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("engine: rate limited on %s, retry in %dms (%d/%d in window)",
		e.Key, e.WaitMs, e.CountInWindow, e.MaxCount)
}

// StepError wraps a step failure with the session state and step index
// a caller needs to replay the plan from its last completed step.
type StepError struct {
	Kind         StepKind
	StepIndex    int
	SessionState string
	Err          error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("engine: step %d (%s) failed in session state %q: %v",
		e.StepIndex, e.Kind, e.SessionState, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// retryable reports whether a step failure is worth another attempt.
// Timeouts and transport failures are transient; everything else
// propagates as-is.
func retryable(err error) bool {
	return errors.Is(err, driver.ErrOperationTimeout) || errors.Is(err, driver.ErrUnreachable)
}

// permanentIfGone converts a vanished-element failure into a permanent
// one. A path that no longer resolves will not come back by retrying
// the same instruction.
func permanentIfGone(err error) error {
	if errors.Is(err, driver.ErrElementGone) {
		return fmt.Errorf("%w: %v", ErrOperationPermanent, err)
	}
	return err
}
