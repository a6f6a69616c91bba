package rategate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsteer/dbopen"
)

// testClock is a steerable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGate(t *testing.T, clock *testClock, rules ...Rule) *Gate {
	t.Helper()
	g := New(WithClock(clock.Now))
	if err := g.SetRules(rules); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	return g
}

func TestPermitSlidingWindow(t *testing.T) {
	clock := newTestClock()
	g := newGate(t, clock, Rule{Pattern: "k", MaxCount: 2, Window: 60 * time.Second, Enabled: true})

	d := g.Permit("k")
	if !d.Allowed || d.CountInWindow != 1 || d.MaxCount != 2 || d.WaitMs != 0 {
		t.Fatalf("first permit = %+v", d)
	}

	clock.Advance(10 * time.Second)
	d = g.Permit("k")
	if !d.Allowed || d.CountInWindow != 2 {
		t.Fatalf("second permit = %+v", d)
	}

	clock.Advance(10 * time.Second)
	d = g.Permit("k")
	if d.Allowed {
		t.Fatalf("third permit within window = %+v", d)
	}
	// oldest grant at t0 slides out at t0+60s; now is t0+20s
	if d.WaitMs != 40_000 {
		t.Errorf("waitMs = %d, want 40000", d.WaitMs)
	}
	if d.CountInWindow != 2 || d.MaxCount != 2 {
		t.Errorf("denied decision = %+v", d)
	}

	// once the window fully elapses the key is admitted again
	clock.Advance(41 * time.Second)
	d = g.Permit("k")
	if !d.Allowed || d.CountInWindow != 2 {
		// the second grant (t0+10s) is still inside the window at t0+61s
		t.Fatalf("post-window permit = %+v", d)
	}

	clock.Advance(60 * time.Second)
	d = g.Permit("k")
	if !d.Allowed || d.CountInWindow != 1 {
		t.Fatalf("fresh-window permit = %+v", d)
	}
}

func TestPermitDenialsNotRecorded(t *testing.T) {
	clock := newTestClock()
	g := newGate(t, clock, Rule{Pattern: "k", MaxCount: 1, Window: time.Minute, Enabled: true})

	g.Permit("k")
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if d := g.Permit("k"); d.Allowed {
			t.Fatalf("probe %d allowed", i)
		}
	}
	// probing did not extend the penalty: the single grant expires on time
	clock.Advance(56 * time.Second)
	if d := g.Permit("k"); !d.Allowed {
		t.Fatalf("after window = %+v", d)
	}
}

func TestRulePrecedence(t *testing.T) {
	clock := newTestClock()
	g := newGate(t, clock,
		Rule{Pattern: "search:*", MaxCount: 10, Window: time.Minute, Enabled: true},
		Rule{Pattern: "search:hot", MaxCount: 1, Window: time.Minute, Enabled: true},
		Rule{Pattern: "*", MaxCount: 99, Window: time.Minute, Enabled: true},
	)

	// exact pattern wins over the earlier glob
	d := g.Permit("search:hot")
	if d.MaxCount != 1 {
		t.Errorf("exact rule not preferred: %+v", d)
	}
	// first matching glob wins over later globs
	d = g.Permit("search:cold")
	if d.MaxCount != 10 {
		t.Errorf("glob order not honored: %+v", d)
	}
	d = g.Permit("anything:else")
	if d.MaxCount != 99 {
		t.Errorf("catch-all not applied: %+v", d)
	}
}

func TestUnruledAndDisabledKeys(t *testing.T) {
	clock := newTestClock()
	g := newGate(t, clock, Rule{Pattern: "off", MaxCount: 1, Window: time.Minute, Enabled: false})

	for i := 0; i < 3; i++ {
		if d := g.Permit("free"); !d.Allowed || d.MaxCount != 0 {
			t.Fatalf("unruled key = %+v", d)
		}
		if d := g.Permit("off"); !d.Allowed {
			t.Fatalf("disabled rule must admit: %+v", d)
		}
	}
	if keys := g.Keys(); len(keys) != 0 {
		t.Errorf("unlimited keys must not be recorded: %v", keys)
	}
}

func TestSetRulesValidation(t *testing.T) {
	g := New()
	if err := g.SetRules([]Rule{{Pattern: "", MaxCount: 1, Window: time.Second}}); err == nil {
		t.Error("empty pattern accepted")
	}
	if err := g.SetRules([]Rule{{Pattern: "k", MaxCount: 0, Window: time.Second}}); err == nil {
		t.Error("zero max count accepted")
	}
	if err := g.SetRules([]Rule{{Pattern: "k", MaxCount: 1, Window: 0}}); err == nil {
		t.Error("zero window accepted")
	}
	if err := g.SetRules([]Rule{{Pattern: "[bad", MaxCount: 1, Window: time.Second, Enabled: true}}); err == nil {
		t.Error("malformed glob accepted")
	}
}

func TestGC(t *testing.T) {
	clock := newTestClock()
	g := newGate(t, clock, Rule{Pattern: "*", MaxCount: 5, Window: time.Minute, Enabled: true})

	g.Permit("a")
	g.Permit("b")
	if got := g.Keys(); len(got) != 2 {
		t.Fatalf("keys = %v", got)
	}

	clock.Advance(30 * time.Second)
	g.Permit("b")
	clock.Advance(45 * time.Second)

	// a's only grant is 75s old, b still has one inside the window
	if removed := g.GC(); removed != 1 {
		t.Errorf("GC removed %d, want 1", removed)
	}
	if got := g.Keys(); len(got) != 1 || got[0] != "b" {
		t.Errorf("keys after GC = %v", got)
	}
}

func TestReloadFromDB(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()

	if err := UpsertRule(ctx, db, Rule{Pattern: "search:*", MaxCount: 2, Window: time.Minute, Enabled: true}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if err := UpsertRule(ctx, db, Rule{Pattern: "follow", MaxCount: 5, Window: time.Hour, Enabled: true}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	g := New(WithDB(db))
	if err := g.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	rules := g.Rules()
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Pattern != "search:*" || rules[0].MaxCount != 2 || rules[0].Window != time.Minute {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].Pattern != "follow" || rules[1].Window != time.Hour {
		t.Errorf("rule 1 = %+v", rules[1])
	}

	// upsert replaces in place, delete removes
	if err := UpsertRule(ctx, db, Rule{Pattern: "follow", MaxCount: 1, Window: time.Minute, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if err := g.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	rules = g.Rules()
	if len(rules) != 2 || rules[1].MaxCount != 1 || rules[1].Enabled {
		t.Errorf("updated rule = %+v", rules[1])
	}

	if err := DeleteRule(ctx, db, "follow"); err != nil {
		t.Fatal(err)
	}
	if err := DeleteRule(ctx, db, "follow"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("double delete = %v", err)
	}
	if err := g.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if rules := g.Rules(); len(rules) != 1 {
		t.Errorf("rules after delete = %+v", rules)
	}
}

func TestReloadWithoutDB(t *testing.T) {
	g := New()
	if err := g.Reload(context.Background()); err == nil {
		t.Error("Reload without a database must fail")
	}
}
