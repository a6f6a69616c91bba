// Package engine runs operation plans against managed sessions and
// delivers engine events through declarative rules.
//
// A plan is a deterministic step list built from capability flags. The
// runner executes it one step at a time: interaction steps consult the
// rate gate first, transient failures retry with doubling backoff,
// permanent failures surface immediately, and each step's result is
// merged into the plan state. Cancellation is cooperative and only
// takes effect between steps; an instruction already dispatched to the
// browser always finishes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/hazyhaar/domsteer/rategate"
	"github.com/hazyhaar/domsteer/session"
)

// Events emitted by the runner. Rules subscribe to these names or to
// globs over them.
const (
	EventPlanStarted   = "plan:started"
	EventPlanCompleted = "plan:completed"
	EventStepCompleted = "step:completed"
	EventStepFailed    = "step:failed"
)

// stepLogin labels a login-anchor failure in StepError. It is not a
// plannable step kind.
const stepLogin StepKind = "login"

// Config tunes the runner.
type Config struct {
	// MaxRetries bounds retry attempts per step for transient
	// failures. Default: 2.
	MaxRetries int
	// BaseBackoff is the wait before the first retry, doubled each
	// attempt. Default: 500ms.
	BaseBackoff time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Runner executes plans. It is the only place step failures turn into
// retry-or-surface decisions; session recovery stays with the session
// manager.
type Runner struct {
	sessions *session.Manager
	gate     *rategate.Gate
	ops      *Registry
	rules    *Rules
	cfg      Config
}

// NewRunner wires a runner. gate and rules may not be nil; use empty
// instances to disable gating or rule delivery.
func NewRunner(sessions *session.Manager, gate *rategate.Gate, ops *Registry, rules *Rules, cfg Config) *Runner {
	cfg.defaults()
	return &Runner{sessions: sessions, gate: gate, ops: ops, rules: rules, cfg: cfg}
}

// Rules exposes the runner's rule engine.
func (r *Runner) Rules() *Rules { return r.rules }

// StepResult records one dispatched step.
type StepResult struct {
	Index      int      `json:"index"`
	Kind       StepKind `json:"kind"`
	Status     string   `json:"status"`
	DurationMs int64    `json:"durationMs"`
	Error      string   `json:"error,omitempty"`
}

// Result is the outcome of one plan run. Steps lists every dispatched
// step, completed or failed; State is the merged plan state.
type Result struct {
	PlanID    string         `json:"planId"`
	Target    Target         `json:"target"`
	Steps     []StepResult   `json:"steps"`
	State     map[string]any `json:"state,omitempty"`
	Completed bool           `json:"completed"`
}

// Run executes plan against tgt. On failure the returned Result holds
// everything that completed before the failing step, and the error
// carries the step index and last known session state for replay.
func (r *Runner) Run(ctx context.Context, plan Plan, tgt Target) (*Result, error) {
	if plan.State == nil {
		plan.State = map[string]any{}
	}
	res := &Result{PlanID: plan.ID, Target: tgt, State: plan.State}
	log := r.cfg.Logger.With("plan", plan.ID, "session", tgt.SessionID)

	if tgt.LoginAnchor != "" {
		wait := time.Duration(tgt.LoginWaitMs) * time.Millisecond
		if err := r.sessions.AwaitLogin(ctx, tgt.SessionID, tgt.LoginAnchor, wait); err != nil {
			log.WarnContext(ctx, "login anchor not reached", "anchor", tgt.LoginAnchor, "error", err)
			return res, &StepError{
				Kind:         stepLogin,
				StepIndex:    0,
				SessionState: r.sessionState(tgt.SessionID),
				Err:          err,
			}
		}
	}

	r.rules.Emit(ctx, EventPlanStarted, map[string]any{
		"plan": plan.ID, "sessionId": tgt.SessionID, "steps": len(plan.Steps),
	})

	for i, step := range plan.Steps {
		// Cooperative cancellation: checked here, never mid-step.
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if gatedKinds[step.Kind] {
			key := string(step.Kind) + ":" + r.gateScope(tgt)
			d := r.gate.Permit(key)
			if !d.Allowed {
				log.InfoContext(ctx, "step rate limited",
					"step", step.Kind, "index", i, "wait_ms", d.WaitMs)
				r.rules.Emit(ctx, EventStepFailed, map[string]any{
					"plan": plan.ID, "kind": string(step.Kind), "index": i, "rateLimited": true,
				})
				return res, &RateLimitedError{
					Key:           key,
					WaitMs:        d.WaitMs,
					CountInWindow: d.CountInWindow,
					MaxCount:      d.MaxCount,
				}
			}
		}

		start := time.Now()
		data, err := r.runStep(ctx, step, tgt, log)
		sr := StepResult{Index: i, Kind: step.Kind, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			sr.Status = "failed"
			sr.Error = err.Error()
			res.Steps = append(res.Steps, sr)
			r.rules.Emit(ctx, EventStepFailed, map[string]any{
				"plan": plan.ID, "kind": string(step.Kind), "index": i, "error": err.Error(),
			})
			return res, &StepError{
				Kind:         step.Kind,
				StepIndex:    i,
				SessionState: r.sessionState(tgt.SessionID),
				Err:          err,
			}
		}
		sr.Status = "ok"
		res.Steps = append(res.Steps, sr)

		if len(data) > 0 {
			if err := mergo.Merge(&plan.State, data, mergo.WithOverride); err != nil {
				return res, fmt.Errorf("engine: merge step state: %w", err)
			}
			res.State = plan.State
		}

		r.rules.Emit(ctx, EventStepCompleted, map[string]any{
			"plan": plan.ID, "kind": string(step.Kind), "index": i,
		})
	}

	res.Completed = true
	r.rules.Emit(ctx, EventPlanCompleted, map[string]any{
		"plan": plan.ID, "sessionId": tgt.SessionID,
	})
	return res, nil
}

// runStep dispatches one step with the retry policy: transient
// failures retry up to MaxRetries with doubling backoff, everything
// else returns on the first attempt.
func (r *Runner) runStep(ctx context.Context, step Step, tgt Target, log *slog.Logger) (map[string]any, error) {
	fn, ok := r.ops.lookup(step.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown step kind %q", ErrOperationPermanent, step.Kind)
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		var data map[string]any
		err := r.sessions.WithSession(ctx, tgt.SessionID, func(s *session.Session) error {
			var opErr error
			data, opErr = fn(ctx, s.Page(), tgt, step.Params)
			return opErr
		})
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !retryable(err) {
			return nil, lastErr
		}

		if attempt < r.cfg.MaxRetries {
			wait := r.cfg.BaseBackoff * (1 << uint(attempt))
			log.WarnContext(ctx, "retrying step",
				"step", step.Kind,
				"attempt", attempt+1,
				"max_retries", r.cfg.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

// gateScope is the per-identity part of a rate key. Keys look like
// "comment:profile-7", so rules can target one kind across profiles
// ("comment:*") or everything for a profile ("*:profile-7").
func (r *Runner) gateScope(tgt Target) string {
	if tgt.ProfileID != "" {
		return tgt.ProfileID
	}
	return tgt.SessionID
}

func (r *Runner) sessionState(id string) string {
	st, err := r.sessions.Status(id)
	if err != nil {
		return "unknown"
	}
	return string(st.State)
}
