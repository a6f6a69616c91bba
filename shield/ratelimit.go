package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/rategate"
)

// RateLimiter enforces per-IP, per-endpoint request budgets through a
// rategate.Gate. Each request is keyed as
//
//	http:<METHOD> <path>:<ip>
//
// so rules with patterns like "http:*" (global) or
// "http:POST /api/call*" (per endpoint) apply. Rule reload and bucket
// GC belong to the gate; run Gate.Run alongside the server.
type RateLimiter struct {
	gate    *rategate.Gate
	exclude []string // path prefixes never rate limited
}

// NewRateLimiter wraps gate as HTTP middleware. Requests whose path
// starts with one of excludePrefixes bypass the gate.
func NewRateLimiter(gate *rategate.Gate, excludePrefixes ...string) *RateLimiter {
	return &RateLimiter{gate: gate, exclude: excludePrefixes}
}

// Middleware is the HTTP middleware that enforces rate limits. Denied
// requests get a 429 JSON envelope with a Retry-After header derived
// from the gate's wait estimate.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		key := "http:" + r.Method + " " + r.URL.Path + ":" + ip
		dec := rl.gate.Permit(key)
		if dec.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked",
			"ip", ip, "method", r.Method, "path", r.URL.Path, "wait_ms", dec.WaitMs)

		retry := dec.WaitMs / 1000
		if dec.WaitMs%1000 != 0 {
			retry++
		}
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error": map[string]any{
				"code":    "RATE_LIMITED",
				"message": "rate limit exceeded, retry later",
			},
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
