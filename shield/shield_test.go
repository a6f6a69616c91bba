package shield

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsteer/dbopen"
	"github.com/hazyhaar/domsteer/kit"
	"github.com/hazyhaar/domsteer/rategate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'none'") {
		t.Errorf("CSP = %q, want default-src 'none'", csp)
	}
	if pp := rec.Header().Get("Permissions-Policy"); pp == "" {
		t.Error("Permissions-Policy not set")
	}
}

func TestSecurityHeadersSkipsEmpty(t *testing.T) {
	h := SecurityHeaders(HeaderConfig{XFrameOptions: "DENY"})(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "" {
		t.Errorf("CSP set to %q, want unset", got)
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))

	if seen != http.MethodGet {
		t.Fatalf("inner handler saw method %q, want GET", seen)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("short")))
	if readErr != nil {
		t.Fatalf("small body read failed: %v", readErr)
	}

	rec = httptest.NewRecorder()
	big := strings.Repeat("x", 64)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big)))
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("large body read error = %v, want MaxBytesError", readErr)
	}
}

func TestTraceID(t *testing.T) {
	var traceFromCtx, addrFromCtx string
	var defaultLogger bool
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceFromCtx = kit.GetTraceID(r.Context())
		addrFromCtx = kit.GetRemoteAddr(r.Context())
		defaultLogger = GetLogger(r.Context()) == GetLogger(t.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call", nil))

	header := rec.Header().Get("X-Trace-ID")
	if len(header) != 8 {
		t.Fatalf("X-Trace-ID = %q, want 8 hex chars", header)
	}
	if traceFromCtx != header {
		t.Errorf("context trace ID %q != header %q", traceFromCtx, header)
	}
	if addrFromCtx == "" {
		t.Error("remote addr not propagated to context")
	}
	if defaultLogger {
		t.Error("per-request logger not installed")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded single", "203.0.113.7", "10.0.0.1:9999", "203.0.113.7"},
		{"forwarded chain", "203.0.113.7, 10.0.0.2", "10.0.0.1:9999", "203.0.113.7"},
		{"remote host port", "", "192.0.2.4:51234", "192.0.2.4"},
		{"remote bare", "", "192.0.2.4", "192.0.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ExtractIP(r); got != tt.want {
				t.Errorf("ExtractIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestGate(t *testing.T, rules ...rategate.Rule) *rategate.Gate {
	t.Helper()
	gate := rategate.New()
	if err := gate.SetRules(rules); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	return gate
}

func TestRateLimiterDenies(t *testing.T) {
	gate := newTestGate(t, rategate.Rule{
		Pattern: "http:*", MaxCount: 1, Window: time.Minute, Enabled: true,
	})
	h := NewRateLimiter(gate).Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/call", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/call", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("Retry-After = %q, want integer >= 1", rec.Header().Get("Retry-After"))
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("envelope = %+v, want RATE_LIMITED", env)
	}
}

func TestRateLimiterExcludesPrefixes(t *testing.T) {
	gate := newTestGate(t, rategate.Rule{
		Pattern: "http:*", MaxCount: 1, Window: time.Minute, Enabled: true,
	})
	h := NewRateLimiter(gate, "/health").Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("health request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimiterKeysPerIP(t *testing.T) {
	gate := newTestGate(t, rategate.Rule{
		Pattern: "http:*", MaxCount: 1, Window: time.Minute, Enabled: true,
	})
	h := NewRateLimiter(gate).Middleware(okHandler())

	send := func(ip string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/call", nil)
		r.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first IP first request = %d", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("first IP second request = %d, want 429", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("second IP first request = %d, want 200", code)
	}
}

func TestMaintenanceModeOff(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mm := NewMaintenanceMode(db, "/health")
	if mm.Active() {
		t.Fatal("maintenance active after fresh Init")
	}

	rec := httptest.NewRecorder()
	mm.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d with maintenance off", rec.Code)
	}
}

func TestMaintenanceModeBlocks(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := db.Exec(`UPDATE maintenance SET active = 1, message = 'upgrading storage' WHERE id = 1`); err != nil {
		t.Fatalf("flip flag: %v", err)
	}

	mm := NewMaintenanceMode(db, "/health")
	if !mm.Active() {
		t.Fatal("maintenance not active after flag set")
	}
	if mm.Message() != "upgrading storage" {
		t.Fatalf("Message = %q", mm.Message())
	}

	h := mm.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/call", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
	env := decodeEnvelope(t, rec)
	if env.Error.Code != "MAINTENANCE" || env.Error.Message != "upgrading storage" {
		t.Fatalf("envelope = %+v", env)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d during maintenance, want 200", rec.Code)
	}
}

func TestMaintenanceModeDefaultMessage(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`); err != nil {
		t.Fatalf("flip flag: %v", err)
	}

	mm := NewMaintenanceMode(db)
	if mm.Message() != defaultMaintenanceMessage {
		t.Fatalf("Message = %q, want default", mm.Message())
	}
}

func TestMaintenanceModeMissingTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	mm := NewMaintenanceMode(db)
	if mm.Active() {
		t.Fatal("maintenance active with no table")
	}
}

func TestDefaultStack(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	gate := rategate.New()

	stack, mm := DefaultStack(db, gate)
	if mm == nil {
		t.Fatal("nil maintenance handle")
	}

	h := okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/containers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d through default stack", rec.Code)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("trace header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}
