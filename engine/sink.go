package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/horosafe"
)

// Emission is what sinks receive: one emitted event plus the
// evaluation entries it produced.
type Emission struct {
	Event   string         `json:"event"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
	Entries []Entry        `json:"entries"`
}

// Sink delivers emissions to an output backend.
type Sink interface {
	Send(ctx context.Context, em Emission) error
	Close() error
}

// SinkRouter fans out emissions to all configured sinks. One sink
// failing does not block the others; the first error is returned.
type SinkRouter struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewSinkRouter creates a fan-out router delivering to all sinks.
func NewSinkRouter(logger *slog.Logger, sinks ...Sink) *SinkRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkRouter{sinks: sinks, logger: logger}
}

func (r *SinkRouter) Send(ctx context.Context, em Emission) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, em); err != nil {
			r.logger.Warn("sink: send failed", "event", em.Event, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *SinkRouter) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StdoutSink writes emissions as JSON lines to an io.Writer (default
// os.Stdout).
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a StdoutSink. If w is nil, os.Stdout is used.
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutSink{enc: json.NewEncoder(w)}
}

func (s *StdoutSink) Send(_ context.Context, em Emission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(em)
}

func (s *StdoutSink) Close() error { return nil }

// WebhookSink POSTs emissions as JSON with retry and doubling backoff.
type WebhookSink struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *WebhookSink) { w.maxRetries = n }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *WebhookSink) { w.logger = l }
}

// NewWebhookSink creates a webhook sink targeting url. The URL is
// validated up front: loopback, private and link-local targets are
// rejected.
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if err := horosafe.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("engine: webhook url: %w", err)
	}
	w := &WebhookSink{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *WebhookSink) Send(ctx context.Context, em Emission) error {
	body, err := json.Marshal(em)
	if err != nil {
		return fmt.Errorf("engine: webhook marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			wait := w.backoff * (1 << uint(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("engine: webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook: request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("engine: webhook status %d", resp.StatusCode)
		w.logger.Warn("webhook: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("engine: webhook retries exhausted: %w", lastErr)
}

func (w *WebhookSink) Close() error { return nil }

// EmissionFunc is called for each emission delivered to a
// CallbackSink.
type EmissionFunc func(ctx context.Context, em Emission) error

// CallbackSink delivers emissions in-process with zero serialization.
// Used when the consumer lives in the same binary.
type CallbackSink struct {
	fn EmissionFunc
}

// NewCallbackSink creates a CallbackSink. fn may be nil.
func NewCallbackSink(fn EmissionFunc) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (c *CallbackSink) Send(ctx context.Context, em Emission) error {
	if c.fn != nil {
		return c.fn(ctx, em)
	}
	return nil
}

func (c *CallbackSink) Close() error { return nil }
