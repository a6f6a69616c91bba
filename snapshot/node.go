// Package snapshot models bounded DOM snapshots: a tree of element nodes
// captured from a live page (or parsed from static HTML), addressed by
// positional paths of the form "root/1/1/0".
//
// A snapshot is a value: capturing, hydrating a branch, and merging are the
// only mutations, and merges are serialized per snapshot instance. Paths
// index element children only (text and comment nodes are invisible here),
// so a path stays meaningful across captures as long as the page structure
// holds.
package snapshot

import (
	"sync"
	"time"
)

// BBox is an element bounding box in CSS pixels, from getBoundingClientRect.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box surface in square pixels.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Zero reports whether the box has no extent.
func (b BBox) Zero() bool {
	return b.Width == 0 && b.Height == 0
}

// Node is a single element in a snapshot tree.
//
// Truncated marks a node whose subtree was cut by the capture bounds: either
// its element children exceeded MaxChildren, or it sits at MaxDepth with
// children left uncaptured. A truncated node is still addressable and can be
// re-captured via branch hydration.
type Node struct {
	Path      string            `json:"path"`
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Text      string            `json:"text,omitempty"`
	BBox      BBox              `json:"bbox"`
	Visible   bool              `json:"visible"`
	Truncated bool              `json:"truncated,omitempty"`
	Children  []*Node           `json:"children,omitempty"`
}

// Attr returns the attribute value and whether it is present.
func (n *Node) Attr(key string) (string, bool) {
	v, ok := n.Attrs[key]
	return v, ok
}

// ID returns the element id attribute, or "".
func (n *Node) ID() string {
	return n.Attrs["id"]
}

// Classes returns the element class attribute split on whitespace.
func (n *Node) Classes() []string {
	return splitClasses(n.Attrs["class"])
}

// Walk visits n and its descendants depth-first in document order.
// Returning false from fn stops the walk.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *Node) Count() int {
	total := 0
	n.Walk(func(*Node) bool {
		total++
		return true
	})
	return total
}

// Limits bound a capture. Zero values take the package defaults.
type Limits struct {
	MaxDepth    int `json:"max_depth"`
	MaxChildren int `json:"max_children"`
}

// Capture bound defaults. MaxTextLen caps per-node text in the walker.
const (
	DefaultMaxDepth    = 12
	DefaultMaxChildren = 30
	MaxTextLen         = 160
)

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxChildren <= 0 {
		l.MaxChildren = DefaultMaxChildren
	}
	return l
}

// Snapshot is a bounded capture of a page's element tree.
type Snapshot struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	Limits     Limits    `json:"limits"`
	Root       *Node     `json:"root"`

	mergeMu sync.Mutex
}

// NumNodes returns the total node count.
func (s *Snapshot) NumNodes() int {
	if s.Root == nil {
		return 0
	}
	return s.Root.Count()
}

// Walk visits every node depth-first in document order.
func (s *Snapshot) Walk(fn func(*Node) bool) {
	if s.Root != nil {
		s.Root.Walk(fn)
	}
}

func splitClasses(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
