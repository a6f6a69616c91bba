package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/mitchellh/mapstructure"

	"github.com/hazyhaar/domsteer/idgen"
	"github.com/hazyhaar/domsteer/observability"
)

// PredicateFunc decides whether a rule's action runs for an emission.
// params come from the rule definition; each predicate decodes its own
// shape.
type PredicateFunc func(event string, data, params map[string]any) (bool, error)

// ActionFunc runs a matched rule's effect. data is shared across the
// emission: an action may annotate it and rules delivered later see
// the annotation.
type ActionFunc func(ctx context.Context, event string, data, params map[string]any) error

// Rule is one declarative subscription. Trigger is an exact event name
// or a glob ("step:*", "*"). An empty Predicate always matches; an
// empty Action records the evaluation and does nothing else.
type Rule struct {
	Name            string         `json:"name" yaml:"name"`
	Trigger         string         `json:"trigger" yaml:"trigger"`
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	Predicate       string         `json:"predicate,omitempty" yaml:"predicate"`
	PredicateParams map[string]any `json:"predicateParams,omitempty" yaml:"predicate_params"`
	Action          string         `json:"action,omitempty" yaml:"action"`
	ActionParams    map[string]any `json:"actionParams,omitempty" yaml:"action_params"`
}

type boundRule struct {
	rule      Rule
	exact     bool
	matcher   glob.Glob
	predicate PredicateFunc
	action    ActionFunc
}

// Rules is the event rule engine: a subscription table, the predicate
// and action registries, the evaluation history, and the delivery
// sinks. Each engine owns one instance; there are no package-level
// tables.
//
// Delivery is synchronous and ordered: exact-trigger subscribers
// receive an event before glob subscribers, and within each class
// delivery follows subscription order. Handlers run to completion on
// the emitting goroutine, so a slow action delays everything behind
// it.
type Rules struct {
	mu         sync.Mutex
	subs       []*boundRule
	predicates map[string]PredicateFunc
	actions    map[string]ActionFunc

	history *History
	sink    Sink
	audit   *observability.AuditLogger
	logger  *slog.Logger
	newID   idgen.Generator
}

// RulesOption configures a Rules engine.
type RulesOption func(*Rules)

// WithSink routes every emission to s after delivery.
func WithSink(s Sink) RulesOption {
	return func(r *Rules) { r.sink = s }
}

// WithAudit mirrors every emission into the audit log.
func WithAudit(a *observability.AuditLogger) RulesOption {
	return func(r *Rules) { r.audit = a }
}

// WithRulesLogger sets a custom logger.
func WithRulesLogger(l *slog.Logger) RulesOption {
	return func(r *Rules) { r.logger = l }
}

// WithHistorySize caps the in-memory evaluation history.
func WithHistorySize(n int) RulesOption {
	return func(r *Rules) { r.history = NewHistory(n) }
}

// NewRules creates a rule engine with the built-in predicates and
// actions installed.
func NewRules(opts ...RulesOption) *Rules {
	r := &Rules{
		predicates: make(map[string]PredicateFunc),
		actions:    make(map[string]ActionFunc),
		history:    NewHistory(0),
		logger:     slog.Default(),
		newID:      idgen.Prefixed("evt_", idgen.Default),
	}
	r.registerBuiltins()
	for _, o := range opts {
		o(r)
	}
	return r
}

// History exposes the evaluation log.
func (r *Rules) History() *History { return r.history }

// RegisterPredicate installs or replaces a predicate by name.
func (r *Rules) RegisterPredicate(name string, fn PredicateFunc) {
	r.mu.Lock()
	r.predicates[name] = fn
	r.mu.Unlock()
}

// RegisterAction installs or replaces an action by name.
func (r *Rules) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[name] = fn
	r.mu.Unlock()
}

// globMeta are the characters that turn a trigger into a glob pattern.
const globMeta = "*?[]{}"

// Subscribe adds a rule at the end of its delivery class. Subscription
// order is part of the contract and is preserved across List and Emit.
func (r *Rules) Subscribe(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("engine: rule needs a name")
	}
	if rule.Trigger == "" {
		return fmt.Errorf("engine: rule %s needs a trigger", rule.Name)
	}

	b := &boundRule{rule: rule}
	if strings.ContainsAny(rule.Trigger, globMeta) {
		m, err := glob.Compile(rule.Trigger)
		if err != nil {
			return fmt.Errorf("engine: rule %s: bad trigger %q: %w", rule.Name, rule.Trigger, err)
		}
		b.matcher = m
	} else {
		b.exact = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.Predicate != "" {
		p, ok := r.predicates[rule.Predicate]
		if !ok {
			return fmt.Errorf("engine: rule %s: unknown predicate %q", rule.Name, rule.Predicate)
		}
		b.predicate = p
	}
	if rule.Action != "" {
		a, ok := r.actions[rule.Action]
		if !ok {
			return fmt.Errorf("engine: rule %s: unknown action %q", rule.Name, rule.Action)
		}
		b.action = a
	}
	r.subs = append(r.subs, b)
	return nil
}

// Unsubscribe removes every rule with the given name, preserving the
// order of the rest. It reports whether anything was removed.
func (r *Rules) Unsubscribe(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	removed := false
	for _, b := range r.subs {
		if b.rule.Name == name {
			removed = true
			continue
		}
		kept = append(kept, b)
	}
	r.subs = kept
	return removed
}

// List returns the rules in subscription order.
func (r *Rules) List() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rule, len(r.subs))
	for i, b := range r.subs {
		out[i] = b.rule
	}
	return out
}

// Emit delivers event synchronously: exact-trigger matches in
// subscription order, then glob matches in subscription order. Every
// enabled matching rule yields exactly one history entry whether or
// not its predicate held. The entries for this emission are returned.
func (r *Rules) Emit(ctx context.Context, event string, data map[string]any) []Entry {
	if data == nil {
		data = map[string]any{}
	}

	r.mu.Lock()
	subs := make([]*boundRule, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	var batch []*boundRule
	for _, b := range subs {
		if b.exact && b.rule.Enabled && b.rule.Trigger == event {
			batch = append(batch, b)
		}
	}
	for _, b := range subs {
		if !b.exact && b.rule.Enabled && b.matcher.Match(event) {
			batch = append(batch, b)
		}
	}

	entries := make([]Entry, 0, len(batch))
	for _, b := range batch {
		e := r.deliver(ctx, event, data, b)
		r.history.append(e)
		entries = append(entries, e)
	}

	r.flush(ctx, event, data, entries)
	return entries
}

func (r *Rules) deliver(ctx context.Context, event string, data map[string]any, b *boundRule) Entry {
	e := Entry{
		ID:      r.newID(),
		Time:    time.Now().UTC(),
		Event:   event,
		Rule:    b.rule.Name,
		Trigger: b.rule.Trigger,
	}

	matched := true
	if b.predicate != nil {
		ok, err := b.predicate(event, data, b.rule.PredicateParams)
		if err != nil {
			e.Error = err.Error()
			r.logger.WarnContext(ctx, "rule predicate failed",
				"rule", b.rule.Name, "event", event, "error", err)
			return e
		}
		matched = ok
	}
	e.Matched = matched

	if matched && b.action != nil {
		if err := b.action(ctx, event, data, b.rule.ActionParams); err != nil {
			e.Error = err.Error()
			r.logger.WarnContext(ctx, "rule action failed",
				"rule", b.rule.Name, "event", event, "error", err)
		} else {
			e.Fired = true
		}
	}
	return e
}

// flush forwards the emission to the sink and the audit log. Both are
// best-effort: a delivery failure never fails the emit.
func (r *Rules) flush(ctx context.Context, event string, data map[string]any, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	if r.sink != nil {
		em := Emission{Event: event, Time: time.Now().UTC(), Data: data, Entries: entries}
		if err := r.sink.Send(ctx, em); err != nil {
			r.logger.WarnContext(ctx, "emission sink failed", "event", event, "error", err)
		}
	}
	if r.audit != nil {
		r.audit.LogAsync(r.audit.NewAuditEntry("engine.rules", event, data, entries, nil, 0))
	}
}

func (r *Rules) registerBuiltins() {
	r.predicates["always"] = predAlways
	r.predicates["field_equals"] = predFieldEquals
	r.predicates["min_count"] = predMinCount

	r.actions["log"] = r.actLog
	r.actions["annotate"] = actAnnotate
}

func predAlways(string, map[string]any, map[string]any) (bool, error) {
	return true, nil
}

type fieldEqualsParams struct {
	Field string `mapstructure:"field"`
	Value any    `mapstructure:"value"`
}

// predFieldEquals compares one data field against a configured value.
// Both sides are compared through fmt.Sprint so YAML and JSON scalar
// types agree.
func predFieldEquals(_ string, data, params map[string]any) (bool, error) {
	var p fieldEqualsParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return false, fmt.Errorf("engine: field_equals params: %w", err)
	}
	if p.Field == "" {
		return false, fmt.Errorf("engine: field_equals requires field")
	}
	v, ok := data[p.Field]
	if !ok {
		return false, nil
	}
	return fmt.Sprint(v) == fmt.Sprint(p.Value), nil
}

type minCountParams struct {
	Field string `mapstructure:"field"`
	Min   int    `mapstructure:"min"`
}

// predMinCount holds when a numeric data field is at least min. A
// missing or non-numeric field never matches.
func predMinCount(_ string, data, params map[string]any) (bool, error) {
	var p minCountParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return false, fmt.Errorf("engine: min_count params: %w", err)
	}
	if p.Field == "" {
		return false, fmt.Errorf("engine: min_count requires field")
	}
	n, ok := toFloat(data[p.Field])
	if !ok {
		return false, nil
	}
	return n >= float64(p.Min), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

type logActionParams struct {
	Message string `mapstructure:"message"`
}

func (r *Rules) actLog(ctx context.Context, event string, data, params map[string]any) error {
	var p logActionParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return fmt.Errorf("engine: log params: %w", err)
	}
	msg := p.Message
	if msg == "" {
		msg = "rule fired"
	}
	r.logger.InfoContext(ctx, msg, "event", event, "data", data)
	return nil
}

type annotateParams struct {
	Key   string `mapstructure:"key"`
	Value any    `mapstructure:"value"`
}

// actAnnotate writes a key into the emission data. Rules delivered
// after this one observe the annotation.
func actAnnotate(_ context.Context, _ string, data, params map[string]any) error {
	var p annotateParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return fmt.Errorf("engine: annotate params: %w", err)
	}
	if p.Key == "" {
		return fmt.Errorf("engine: annotate requires key")
	}
	data[p.Key] = p.Value
	return nil
}
