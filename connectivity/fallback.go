package connectivity

import (
	"context"
	"log/slog"
)

// WithFallback returns a HandlerMiddleware that falls back to a local handler
// when the primary (remote) handler fails. If the remote node is down, the
// action runs locally instead.
//
// The fallback is only attempted if the local handler is non-nil. Context
// cancellation errors are NOT retried locally — they indicate the caller
// gave up, not that the remote failed.
func WithFallback(local Handler, action string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil {
				return resp, nil
			}

			if ctx.Err() != nil {
				return nil, err
			}

			if logger != nil {
				logger.WarnContext(ctx, "remote failed, falling back to local",
					"action", action,
					"remote_error", err)
			}

			return local(ctx, payload)
		}
	}
}
