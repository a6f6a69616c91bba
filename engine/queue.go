package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/idgen"
	"github.com/hazyhaar/domsteer/session"
	"github.com/hazyhaar/domsteer/vtq"
)

// QueueJob is the payload of one queued plan.
type QueueJob struct {
	Plan   Plan   `json:"plan"`
	Target Target `json:"target"`
}

// QueueConfig tunes the plan queue.
type QueueConfig struct {
	// Queue is the vtq queue name. Default: "plans".
	Queue string
	// Visibility is how long a claimed job stays hidden; it should
	// exceed the longest expected plan. Default: 2m.
	Visibility time.Duration
	// Poll is the claim poll interval. Default: 2s.
	Poll time.Duration
	// MaxAttempts discards a job after this many deliveries.
	// Default: 5.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *QueueConfig) defaults() {
	if c.Queue == "" {
		c.Queue = "plans"
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.Poll <= 0 {
		c.Poll = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// QueueRunner persists plan jobs in a sqlite visibility-timeout queue
// and runs them in the background. Jobs survive restarts: a daemon
// that dies mid-plan has its job redelivered once the visibility
// window lapses, and the runner replays from the plan's first step.
type QueueRunner struct {
	q      *vtq.Q
	runner *Runner
	logger *slog.Logger
}

var newJobID = idgen.Prefixed("job_", idgen.Timestamped(idgen.NanoID(6)))

// NewQueueRunner wires a queue over db and ensures its table exists.
func NewQueueRunner(db *sql.DB, runner *Runner, cfg QueueConfig) (*QueueRunner, error) {
	cfg.defaults()
	q := vtq.New(db, vtq.Options{
		Queue:        cfg.Queue,
		Visibility:   cfg.Visibility,
		PollInterval: cfg.Poll,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       cfg.Logger,
	})
	if err := q.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("engine: ensure queue table: %w", err)
	}
	return &QueueRunner{q: q, runner: runner, logger: cfg.Logger}, nil
}

// Enqueue persists a plan job and returns its queue ID.
func (qr *QueueRunner) Enqueue(ctx context.Context, plan Plan, tgt Target) (string, error) {
	payload, err := json.Marshal(QueueJob{Plan: plan, Target: tgt})
	if err != nil {
		return "", fmt.Errorf("engine: marshal plan job: %w", err)
	}
	id := newJobID()
	if err := qr.q.Publish(ctx, id, payload); err != nil {
		return "", fmt.Errorf("engine: enqueue plan: %w", err)
	}
	return id, nil
}

// Pending returns the number of jobs still in the queue.
func (qr *QueueRunner) Pending(ctx context.Context) (int, error) {
	return qr.q.Len(ctx)
}

// Run consumes queued plan jobs until ctx is cancelled.
func (qr *QueueRunner) Run(ctx context.Context) {
	qr.q.Run(ctx, qr.handle)
}

func (qr *QueueRunner) handle(ctx context.Context, job *vtq.Job) error {
	var qj QueueJob
	if err := json.Unmarshal(job.Payload, &qj); err != nil {
		// Undecodable payloads would redeliver forever.
		qr.logger.Error("queue: dropping malformed job", "id", job.ID, "error", err)
		return nil
	}

	res, err := qr.runner.Run(ctx, qj.Plan, qj.Target)
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			// Not a failure: redeliver once the window frees up.
			return &vtq.Deferred{After: time.Duration(rl.WaitMs) * time.Millisecond}
		}
		if errors.Is(err, ErrOperationPermanent) ||
			errors.Is(err, session.ErrSessionNotFound) ||
			errors.Is(err, session.ErrRecoveryExhausted) {
			qr.logger.Error("queue: plan failed permanently",
				"id", job.ID, "plan", qj.Plan.ID, "error", err)
			return nil
		}
		return err
	}

	qr.logger.Info("queue: plan completed",
		"id", job.ID, "plan", res.PlanID, "steps", len(res.Steps))
	return nil
}
