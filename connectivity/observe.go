package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/domsteer/observability"
)

// WithObservability returns a HandlerMiddleware that records call duration
// as a metric and counts errors via the observability package.
//
// It emits an "action.duration_ms" metric for every call and an
// "action.error_count" metric on failures. Labels carry the action name
// and routing strategy.
func WithObservability(mm *observability.MetricsManager, action, strategy string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			labels := map[string]string{
				"action":   action,
				"strategy": strategy,
			}

			mm.Record(&observability.Metric{
				Name:      observability.MetricActionDurationMs,
				Timestamp: start,
				Value:     float64(dur.Milliseconds()),
				Labels:    labels,
				Unit:      "milliseconds",
			})

			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricActionErrorCount,
					Timestamp: start,
					Value:     1,
					Labels:    labels,
					Unit:      "count",
				})
			}

			return resp, err
		}
	}
}

// WithCallLogging returns a HandlerMiddleware that uses slog for structured
// call logging with duration, payload size and error details.
func WithCallLogging(logger *slog.Logger, action string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "connectivity call failed",
					"action", action,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity call ok",
					"action", action,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}
