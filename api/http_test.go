package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/engine"
	"github.com/hazyhaar/domsteer/rategate"
)

func newHTTPServer(t *testing.T, svc *Service, requireAuth func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	svc.RegisterHTTP(r, requireAuth)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postCall(t *testing.T, srv *httptest.Server, body string) (*http.Response, CallResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/call", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, out
}

func TestHTTPCallSuccess(t *testing.T) {
	rig := newTestRig(t)
	srv := newHTTPServer(t, rig.svc, nil)

	resp, out := postCall(t, srv, `{"action":"plan:build","payload":{"comment":true,"like":true}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if !out.Success || out.Error != nil {
		t.Fatalf("envelope = %+v", out)
	}

	var plan engine.Plan
	if err := json.Unmarshal(out.Data, &plan); err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 2 || plan.Steps[0].Kind != engine.StepCommentLike {
		t.Fatalf("steps = %+v", plan.Steps)
	}
}

func TestHTTPCallErrors(t *testing.T) {
	rig := newTestRig(t)
	srv := newHTTPServer(t, rig.svc, nil)

	resp, out := postCall(t, srv, `{"action":"nope:nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", resp.StatusCode)
	}
	if out.Success || out.Error == nil || out.Error.Code != CodeActionNotFound {
		t.Fatalf("envelope = %+v", out)
	}

	resp, out = postCall(t, srv, `{"action":`)
	if resp.StatusCode != http.StatusBadRequest || out.Error.Code != CodeBadRequest {
		t.Fatalf("truncated body: status=%d envelope=%+v", resp.StatusCode, out)
	}

	resp, out = postCall(t, srv, `{}`)
	if resp.StatusCode != http.StatusBadRequest || out.Error.Code != CodeBadRequest {
		t.Fatalf("missing action: status=%d envelope=%+v", resp.StatusCode, out)
	}

	// Handler-level failures still come back enveloped.
	resp, out = postCall(t, srv, `{"action":"containers:match","payload":{"container":"page"}}`)
	if resp.StatusCode != http.StatusBadRequest || out.Error.Code != CodeBadRequest {
		t.Fatalf("sourceless match: status=%d envelope=%+v", resp.StatusCode, out)
	}
}

func TestHTTPRateLimitSetsRetryAfter(t *testing.T) {
	rig := newTestRig(t)
	var calls atomic.Int32
	rig.reg.Register(engine.StepComment, fixedOp(&calls, nil))
	if err := rig.gate.SetRules([]rategate.Rule{
		{Pattern: "comment:*", MaxCount: 1, Window: time.Minute, Enabled: true},
	}); err != nil {
		t.Fatal(err)
	}
	srv := newHTTPServer(t, rig.svc, nil)

	body := `{"action":"plan:run","payload":{"plan":{"steps":[{"kind":"comment"}]},"target":{"sessionId":"` + rig.sessID + `","path":"root/0"}}}`

	resp, out := postCall(t, srv, body)
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("first run: status=%d envelope=%+v", resp.StatusCode, out)
	}

	resp, out = postCall(t, srv, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second run status = %d", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != CodeRateLimited {
		t.Fatalf("envelope = %+v", out)
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestHTTPHealth(t *testing.T) {
	rig := newTestRig(t)
	srv := newHTTPServer(t, rig.svc, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Sessions != 1 {
		t.Fatalf("health = %+v", h)
	}
}

func TestHTTPRequireAuthGuardsCallOnly(t *testing.T) {
	rig := newTestRig(t)
	requireAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != "sekrit" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	srv := newHTTPServer(t, rig.svc, requireAuth)

	resp, err := http.Post(srv.URL+"/api/call", "application/json",
		strings.NewReader(`{"action":"rules:list"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated call status = %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/call",
		strings.NewReader(`{"action":"rules:list"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated call status = %d", resp.StatusCode)
	}

	// The probe stays open.
	hresp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", hresp.StatusCode)
	}
}
