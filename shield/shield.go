// Package shield provides the HTTP middleware stack for the control
// surface: security headers, body limits, request tracing, rate
// limiting, maintenance mode, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(1 << 20))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(gate).Middleware)
//
// Or apply the default stack in one call:
//
//	stack, mm := shield.DefaultStack(db, gate)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/domsteer/rategate"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context, falling
// back to slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware stack for the daemon,
// ordered: Maintenance → HeadToGet → SecurityHeaders → MaxBody →
// TraceID → RateLimiter. The health probe bypasses maintenance and
// rate limiting so monitors keep seeing the real state. The returned
// MaintenanceMode handle is for StartReloader and manual toggling.
func DefaultStack(db *sql.DB, gate *rategate.Gate) ([]func(http.Handler) http.Handler, *MaintenanceMode) {
	mm := NewMaintenanceMode(db, "/health")
	rl := NewRateLimiter(gate, "/health")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
		rl.Middleware,
	}, mm
}
