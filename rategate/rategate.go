// Package rategate is a sliding-window admission gate for bursty actions:
// repeated searches, follow sprees, anything a remote site meters. Rules
// map key patterns to a window and a grant budget; Permit answers whether
// one more action may happen right now and, if not, how long to wait.
//
// The gate only decides. It never queues, sleeps, or retries — waiting or
// abandoning is the caller's call.
package rategate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Decision is the outcome of one Permit call. CountInWindow includes the
// grant just issued when Allowed is true.
type Decision struct {
	Allowed       bool  `json:"allowed"`
	WaitMs        int64 `json:"waitMs"`
	CountInWindow int   `json:"countInWindow"`
	MaxCount      int   `json:"maxCount"`
}

// Rule limits keys matching Pattern to MaxCount grants per Window.
// Patterns are either exact keys or globs ("search:*").
type Rule struct {
	Pattern  string        `json:"pattern"`
	MaxCount int           `json:"maxCount"`
	Window   time.Duration `json:"window"`
	Enabled  bool          `json:"enabled"`
}

type compiledRule struct {
	Rule
	matcher glob.Glob
	exact   bool
}

// Gate holds the rule set and the per-key grant history. Safe for
// concurrent use; all state is in memory, so decisions are process-local.
type Gate struct {
	mu     sync.Mutex
	rules  []compiledRule
	grants map[string][]time.Time

	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects a time source, used by tests to steer the window.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithDB attaches the database holding the rate_rules table, enabling
// Reload and Watch.
func WithDB(db *sql.DB) Option {
	return func(g *Gate) { g.db = db }
}

// New creates a Gate with no rules. Every key is unlimited until SetRules
// or Reload installs a rule set.
func New(opts ...Option) *Gate {
	g := &Gate{
		grants: make(map[string][]time.Time),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetRules compiles and installs a rule set, replacing the previous one.
// Rule order is kept: among globs the first match wins, and exact patterns
// always win over globs.
func (g *Gate) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			return fmt.Errorf("rategate: rule with empty pattern")
		}
		if r.MaxCount <= 0 || r.Window <= 0 {
			return fmt.Errorf("rategate: rule %q: max count and window must be positive", r.Pattern)
		}
		cr := compiledRule{Rule: r, exact: !strings.ContainsAny(r.Pattern, `*?[\`)}
		if !cr.exact {
			m, err := glob.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("rategate: rule %q: %w", r.Pattern, err)
			}
			cr.matcher = m
		}
		compiled = append(compiled, cr)
	}
	g.mu.Lock()
	g.rules = compiled
	g.mu.Unlock()
	return nil
}

// ruleFor resolves the rule governing a key: exact patterns first, then
// globs in rule order. Callers hold g.mu.
func (g *Gate) ruleFor(key string) (compiledRule, bool) {
	for _, r := range g.rules {
		if r.exact && r.Pattern == key {
			return r, true
		}
	}
	for _, r := range g.rules {
		if !r.exact && r.matcher.Match(key) {
			return r, true
		}
	}
	return compiledRule{}, false
}

// Permit decides whether one more action under key may proceed now.
//
// Grants inside the rule's window are counted; under budget the action is
// granted and recorded, over budget it is denied with WaitMs measuring how
// long until the oldest in-window grant slides out. Denied calls are not
// recorded, so probing does not extend the penalty. Keys without an
// enabled rule are always allowed and never recorded.
func (g *Gate) Permit(key string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	rule, ok := g.ruleFor(key)
	if !ok || !rule.Enabled {
		return Decision{Allowed: true}
	}

	now := g.clock()
	cutoff := now.Add(-rule.Window)
	kept := g.grants[key][:0]
	for _, ts := range g.grants[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < rule.MaxCount {
		kept = append(kept, now)
		g.grants[key] = kept
		return Decision{
			Allowed:       true,
			CountInWindow: len(kept),
			MaxCount:      rule.MaxCount,
		}
	}

	g.grants[key] = kept
	wait := kept[0].Add(rule.Window).Sub(now).Milliseconds()
	if wait <= 0 {
		wait = 1
	}
	return Decision{
		Allowed:       false,
		WaitMs:        wait,
		CountInWindow: len(kept),
		MaxCount:      rule.MaxCount,
	}
}

// Rules returns a copy of the installed rules in match-precedence order.
func (g *Gate) Rules() []Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Rule, len(g.rules))
	for i, r := range g.rules {
		out[i] = r.Rule
	}
	return out
}

// GC drops keys whose grants all slid out of their window, so idle keys do
// not accumulate forever.
func (g *Gate) GC() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	removed := 0
	for key, stamps := range g.grants {
		rule, ok := g.ruleFor(key)
		window := time.Hour
		if ok {
			window = rule.Window
		}
		live := false
		for _, ts := range stamps {
			if ts.After(now.Add(-window)) {
				live = true
				break
			}
		}
		if !live {
			delete(g.grants, key)
			removed++
		}
	}
	return removed
}

// Run does periodic housekeeping until ctx is cancelled: grant GC, plus
// rule reloads when a database is attached. Callers run it in a goroutine.
func (g *Gate) Run(ctx context.Context, reloadEvery, gcEvery time.Duration) {
	if reloadEvery <= 0 {
		reloadEvery = time.Minute
	}
	if gcEvery <= 0 {
		gcEvery = 5 * time.Minute
	}
	reload := time.NewTicker(reloadEvery)
	gc := time.NewTicker(gcEvery)
	defer reload.Stop()
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload.C:
			if g.db == nil {
				continue
			}
			if err := g.Reload(ctx); err != nil {
				g.logger.Warn("rategate: rule reload failed", "error", err)
			}
		case <-gc.C:
			if n := g.GC(); n > 0 {
				g.logger.Debug("rategate: dropped idle keys", "count", n)
			}
		}
	}
}

// Keys lists keys with recorded grants, sorted, for inspection.
func (g *Gate) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.grants))
	for k := range g.grants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
