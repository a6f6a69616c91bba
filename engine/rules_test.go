package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// recorder captures the delivery order of rule actions.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) action(name string) ActionFunc {
	return func(context.Context, string, map[string]any, map[string]any) error {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func mustSubscribe(t *testing.T, r *Rules, rule Rule) {
	t.Helper()
	if err := r.Subscribe(rule); err != nil {
		t.Fatalf("subscribe %s: %v", rule.Name, err)
	}
}

func TestEmitExactAndWildcardHistory(t *testing.T) {
	r := NewRules()
	mustSubscribe(t, r, Rule{Name: "exact", Trigger: "debug:test", Enabled: true})
	mustSubscribe(t, r, Rule{Name: "wild", Trigger: "*", Enabled: true})

	entries := r.Emit(context.Background(), "debug:test", map[string]any{"x": 1})

	if len(entries) != 2 {
		t.Fatalf("one emission with one exact and one wildcard rule should yield exactly 2 entries, got %d", len(entries))
	}
	if entries[0].Rule != "exact" || entries[1].Rule != "wild" {
		t.Fatalf("got order %s, %s; want exact, wild", entries[0].Rule, entries[1].Rule)
	}
	for _, e := range entries {
		if e.Event != "debug:test" || !e.Matched {
			t.Fatalf("bad entry: %+v", e)
		}
		if e.ID == "" || e.Time.IsZero() {
			t.Fatalf("entry missing id or time: %+v", e)
		}
	}

	hist := r.History().ByEvent("debug:test")
	if len(hist) != 2 {
		t.Fatalf("history should hold exactly 2 entries for the emission, got %d", len(hist))
	}
}

func TestEmitExactClassBeforeWildcardClass(t *testing.T) {
	rec := &recorder{}
	r := NewRules()
	r.RegisterAction("rec-wild", rec.action("wild"))
	r.RegisterAction("rec-exact", rec.action("exact"))

	// Wildcard subscribes first, yet exact still delivers first.
	mustSubscribe(t, r, Rule{Name: "wild", Trigger: "*", Enabled: true, Action: "rec-wild"})
	mustSubscribe(t, r, Rule{Name: "exact", Trigger: "step:completed", Enabled: true, Action: "rec-exact"})

	r.Emit(context.Background(), "step:completed", nil)

	got := rec.got()
	if len(got) != 2 || got[0] != "exact" || got[1] != "wild" {
		t.Fatalf("got delivery order %v, want [exact wild]", got)
	}
}

func TestEmitSubscriptionOrderWithinClass(t *testing.T) {
	rec := &recorder{}
	r := NewRules()
	r.RegisterAction("a", rec.action("a"))
	r.RegisterAction("b", rec.action("b"))
	r.RegisterAction("c", rec.action("c"))

	mustSubscribe(t, r, Rule{Name: "first", Trigger: "ev", Enabled: true, Action: "a"})
	mustSubscribe(t, r, Rule{Name: "second", Trigger: "ev", Enabled: true, Action: "b"})
	mustSubscribe(t, r, Rule{Name: "third", Trigger: "ev*", Enabled: true, Action: "c"})

	r.Emit(context.Background(), "ev", nil)

	got := rec.got()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEmitSkipsDisabledAndUnmatched(t *testing.T) {
	r := NewRules()
	mustSubscribe(t, r, Rule{Name: "off", Trigger: "ev", Enabled: false})
	mustSubscribe(t, r, Rule{Name: "other", Trigger: "other:ev", Enabled: true})
	mustSubscribe(t, r, Rule{Name: "on", Trigger: "ev", Enabled: true})

	entries := r.Emit(context.Background(), "ev", nil)

	if len(entries) != 1 || entries[0].Rule != "on" {
		t.Fatalf("disabled and unmatched rules must not produce entries, got %+v", entries)
	}
}

func TestEmitPredicateMissRecordsEntryWithoutAction(t *testing.T) {
	rec := &recorder{}
	r := NewRules()
	r.RegisterAction("rec", rec.action("ran"))
	mustSubscribe(t, r, Rule{
		Name:            "gated",
		Trigger:         "ev",
		Enabled:         true,
		Predicate:       "field_equals",
		PredicateParams: map[string]any{"field": "kind", "value": "comment"},
		Action:          "rec",
	})

	entries := r.Emit(context.Background(), "ev", map[string]any{"kind": "like"})

	if len(entries) != 1 {
		t.Fatalf("predicate miss must still record one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Matched || e.Fired {
		t.Fatalf("entry should be matched=false fired=false, got %+v", e)
	}
	if len(rec.got()) != 0 {
		t.Fatal("action ran despite predicate miss")
	}

	// Same rule, matching data: action runs.
	entries = r.Emit(context.Background(), "ev", map[string]any{"kind": "comment"})
	if !entries[0].Matched || !entries[0].Fired {
		t.Fatalf("expected matched and fired, got %+v", entries[0])
	}
	if len(rec.got()) != 1 {
		t.Fatal("action should have run on predicate hit")
	}
}

func TestEmitGlobTrigger(t *testing.T) {
	r := NewRules()
	mustSubscribe(t, r, Rule{Name: "steps", Trigger: "step:*", Enabled: true})

	if got := r.Emit(context.Background(), "step:completed", nil); len(got) != 1 {
		t.Fatalf("step:* should match step:completed, got %d entries", len(got))
	}
	if got := r.Emit(context.Background(), "plan:started", nil); len(got) != 0 {
		t.Fatalf("step:* must not match plan:started, got %d entries", len(got))
	}
}

func TestAnnotateVisibleToLaterRules(t *testing.T) {
	rec := &recorder{}
	r := NewRules()
	r.RegisterAction("rec", rec.action("saw-flag"))

	mustSubscribe(t, r, Rule{
		Name:         "tagger",
		Trigger:      "ev",
		Enabled:      true,
		Action:       "annotate",
		ActionParams: map[string]any{"key": "flag", "value": "on"},
	})
	mustSubscribe(t, r, Rule{
		Name:            "reader",
		Trigger:         "ev",
		Enabled:         true,
		Predicate:       "field_equals",
		PredicateParams: map[string]any{"field": "flag", "value": "on"},
		Action:          "rec",
	})

	entries := r.Emit(context.Background(), "ev", map[string]any{})

	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if !entries[1].Matched {
		t.Fatal("reader should observe the annotation written by tagger")
	}
	if len(rec.got()) != 1 {
		t.Fatal("reader action should have fired")
	}
}

func TestMinCountPredicate(t *testing.T) {
	r := NewRules()
	mustSubscribe(t, r, Rule{
		Name:            "bulk",
		Trigger:         "ev",
		Enabled:         true,
		Predicate:       "min_count",
		PredicateParams: map[string]any{"field": "n", "min": 3},
	})

	tests := []struct {
		name    string
		data    map[string]any
		matched bool
	}{
		{"above", map[string]any{"n": 5}, true},
		{"equal", map[string]any{"n": 3}, true},
		{"below", map[string]any{"n": 2}, false},
		{"float from json", map[string]any{"n": float64(4)}, true},
		{"missing", map[string]any{}, false},
		{"non numeric", map[string]any{"n": "many"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := r.Emit(context.Background(), "ev", tt.data)
			if entries[0].Matched != tt.matched {
				t.Fatalf("matched=%v, want %v", entries[0].Matched, tt.matched)
			}
		})
	}
}

func TestSubscribeRejectsBadRules(t *testing.T) {
	r := NewRules()

	tests := []struct {
		name string
		rule Rule
	}{
		{"no name", Rule{Trigger: "ev"}},
		{"no trigger", Rule{Name: "x"}},
		{"unknown predicate", Rule{Name: "x", Trigger: "ev", Predicate: "nope"}},
		{"unknown action", Rule{Name: "x", Trigger: "ev", Action: "nope"}},
		{"bad glob", Rule{Name: "x", Trigger: "ev[", Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Subscribe(tt.rule); err == nil {
				t.Fatalf("expected error for %+v", tt.rule)
			}
		})
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("rejected rules must not subscribe, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRules()
	mustSubscribe(t, r, Rule{Name: "keep", Trigger: "ev", Enabled: true})
	mustSubscribe(t, r, Rule{Name: "drop", Trigger: "ev", Enabled: true})

	if !r.Unsubscribe("drop") {
		t.Fatal("expected removal")
	}
	if r.Unsubscribe("drop") {
		t.Fatal("second removal should report false")
	}

	list := r.List()
	if len(list) != 1 || list[0].Name != "keep" {
		t.Fatalf("got %+v, want only keep", list)
	}
	if entries := r.Emit(context.Background(), "ev", nil); len(entries) != 1 {
		t.Fatalf("removed rule still delivered: %d entries", len(entries))
	}
}

func TestHistoryCap(t *testing.T) {
	r := NewRules(WithHistorySize(3))
	mustSubscribe(t, r, Rule{Name: "all", Trigger: "*", Enabled: true})

	for range 5 {
		r.Emit(context.Background(), "ev", nil)
	}

	if got := r.History().Len(); got != 3 {
		t.Fatalf("history should retain 3 entries, got %d", got)
	}
	recent := r.History().Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(recent))
	}
}

func TestSubscribeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - name: note-comments
    trigger: "step:completed"
    enabled: true
    predicate: field_equals
    predicate_params:
      field: kind
      value: comment
    action: log
  - name: audit-all
    trigger: "*"
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRules()
	n, err := r.SubscribeFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got %d rules, want 2", n)
	}

	// Predicate params from YAML flow through decoding: the exact rule
	// matches comment steps only, the wildcard matches everything.
	entries := r.Emit(context.Background(), "step:completed", map[string]any{"kind": "comment"})
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if !entries[0].Matched {
		t.Fatal("note-comments should match kind=comment")
	}

	entries = r.Emit(context.Background(), "step:completed", map[string]any{"kind": "like"})
	if entries[0].Matched {
		t.Fatal("note-comments must not match kind=like")
	}
}

func TestLoadRuleFileMissing(t *testing.T) {
	if _, err := LoadRuleFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
