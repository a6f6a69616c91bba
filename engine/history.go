package engine

import (
	"sync"
	"time"
)

// Entry is one evaluation-history record. Every enabled rule subscribed
// to an emitted event produces exactly one entry per emission, whether
// or not its predicate matched.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	Rule    string    `json:"rule"`
	Trigger string    `json:"trigger"`
	Matched bool      `json:"matched"`
	Fired   bool      `json:"fired"`
	Error   string    `json:"error,omitempty"`
}

const defaultHistoryMax = 10000

// History is the in-memory evaluation log. Entries are append-only up
// to max; beyond that the oldest fall off the front. The durable copy
// lives in the audit log.
type History struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewHistory creates a history retaining up to max entries. max <= 0
// uses the default of 10000.
func NewHistory(max int) *History {
	if max <= 0 {
		max = defaultHistoryMax
	}
	return &History{max: max}
}

func (h *History) append(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Recent returns up to n retained entries, oldest first. n <= 0 returns
// everything retained.
func (h *History) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]Entry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// ByEvent returns the retained entries for one event name, oldest
// first.
func (h *History) ByEvent(event string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Entry
	for _, e := range h.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
