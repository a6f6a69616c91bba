package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func testEmission(event string) Emission {
	return Emission{
		Event: event,
		Time:  time.Now().UTC(),
		Data:  map[string]any{"k": "v"},
		Entries: []Entry{
			{ID: "evt_1", Event: event, Rule: "r1", Matched: true, Fired: true},
		},
	}
}

func TestStdoutSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(&buf)

	if err := s.Send(context.Background(), testEmission("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), testEmission("b")); err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(&buf)
	var events []string
	for sc.Scan() {
		var em Emission
		if err := json.Unmarshal(sc.Bytes(), &em); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, em.Event)
	}
	if len(events) != 2 || events[0] != "a" || events[1] != "b" {
		t.Fatalf("got %v, want [a b]", events)
	}
}

func TestSinkRouterFansOutAndReturnsFirstError(t *testing.T) {
	var first, second atomic.Int32
	boom := errors.New("boom")

	router := NewSinkRouter(slog.Default(),
		NewCallbackSink(func(context.Context, Emission) error {
			first.Add(1)
			return boom
		}),
		NewCallbackSink(func(context.Context, Emission) error {
			second.Add(1)
			return nil
		}),
	)

	err := router.Send(context.Background(), testEmission("x"))
	if !errors.Is(err, boom) {
		t.Fatalf("want first error back, got %v", err)
	}
	// The failing sink does not block the one after it.
	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("delivery counts %d/%d, want 1/1", first.Load(), second.Load())
	}
}

func TestCallbackSinkNilFunc(t *testing.T) {
	s := NewCallbackSink(nil)
	if err := s.Send(context.Background(), testEmission("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewWebhookSinkValidatesURL(t *testing.T) {
	tests := []string{
		"not a url at all ://",
		"ftp://files.example.test/hook",
		"http://127.0.0.1:9/hook",
		"http://10.0.0.5/hook",
	}
	for _, raw := range tests {
		if _, err := NewWebhookSink(raw); err == nil {
			t.Errorf("NewWebhookSink(%q) accepted an unsafe URL", raw)
		}
	}
}

func TestWebhookSinkRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var em Emission
		if err := json.NewDecoder(r.Body).Decode(&em); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Constructed directly: the test server lives on loopback, which
	// the constructor's SSRF check refuses.
	w := &WebhookSink{
		url:        srv.URL,
		client:     srv.Client(),
		maxRetries: 2,
		backoff:    time.Millisecond,
		logger:     slog.Default(),
	}

	if err := w.Send(context.Background(), testEmission("x")); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("got %d requests, want 2", got)
	}
}

func TestWebhookSinkExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &WebhookSink{
		url:        srv.URL,
		client:     srv.Client(),
		maxRetries: 1,
		backoff:    time.Millisecond,
		logger:     slog.Default(),
	}

	if err := w.Send(context.Background(), testEmission("x")); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("got %d requests, want 2 (initial + 1 retry)", got)
	}
}

func TestRulesFlushToSink(t *testing.T) {
	var got atomic.Int32
	sink := NewCallbackSink(func(_ context.Context, em Emission) error {
		if em.Event == "debug:test" && len(em.Entries) == 2 {
			got.Add(1)
		}
		return nil
	})

	r := NewRules(WithSink(sink))
	mustSubscribe(t, r, Rule{Name: "exact", Trigger: "debug:test", Enabled: true})
	mustSubscribe(t, r, Rule{Name: "wild", Trigger: "*", Enabled: true})

	r.Emit(context.Background(), "debug:test", nil)

	if got.Load() != 1 {
		t.Fatal("sink should receive one emission carrying both entries")
	}
}
