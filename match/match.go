package match

import (
	"fmt"

	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/snapshot"
)

// Ref is one element a container bound to.
type Ref struct {
	Path  string        `json:"path"`
	BBox  snapshot.BBox `json:"bbox"`
	Score float64       `json:"score"`
}

// Tree is a container definition hierarchy annotated with match results for
// one snapshot. Every definition node appears in the tree whether or not it
// matched; an empty Refs slice is a valid outcome, never an error.
//
// Pending lists matched element paths that are truncated in the snapshot
// while the definition still has children to bind there. A tree with no
// pending paths is fully resolved.
type Tree struct {
	Name     string         `json:"name"`
	Kind     container.Kind `json:"kind"`
	Refs     []Ref          `json:"refs"`
	Pending  []string       `json:"pending,omitempty"`
	Children []*Tree        `json:"children,omitempty"`
}

// Matched reports whether the container bound to at least one element.
func (t *Tree) Matched() bool { return len(t.Refs) > 0 }

// Find descends the tree by container names.
func (t *Tree) Find(names ...string) *Tree {
	cur := t
	for _, name := range names {
		var next *Tree
		for _, c := range cur.Children {
			if c.Name == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// PendingPaths collects every pending hydration path in the tree, deduped,
// in tree order.
func (t *Tree) PendingPaths() []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(*Tree)
	visit = func(n *Tree) {
		for _, p := range n.Pending {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(t)
	return out
}

// NumRefs counts matches across the whole tree.
func (t *Tree) NumRefs() int {
	total := len(t.Refs)
	for _, c := range t.Children {
		total += c.NumRefs()
	}
	return total
}

// Match evaluates a definition hierarchy against a snapshot.
//
// Each definition's selector runs inside the scope of its parent's matched
// elements (the document root for the top container). Only visible elements
// with a non-zero box are eligible. Single containers keep the first
// eligible element in document order, collections keep them all. A
// container with no match still appears in the tree, but its descendants
// are not evaluated.
//
// Match never touches the live page and never errors on "nothing found":
// the only failures are malformed definitions. Repeated calls against the
// same snapshot and definitions return identical trees.
func Match(def *container.Definition, snap *snapshot.Snapshot) (*Tree, error) {
	if def == nil {
		return nil, fmt.Errorf("match: nil definition")
	}
	if snap == nil || snap.Root == nil {
		return nil, fmt.Errorf("match: empty snapshot")
	}
	return matchIn(def, []*snapshot.Node{snap.Root})
}

func matchIn(def *container.Definition, scopes []*snapshot.Node) (*Tree, error) {
	sel, err := ParseSelector(def.Selector)
	if err != nil {
		return nil, fmt.Errorf("match: container %q: %w", def.Name, err)
	}

	var bound []*snapshot.Node
	seen := make(map[string]bool)
	for _, scope := range scopes {
		for _, n := range sel.collect(scope) {
			if !eligible(n) || seen[n.Path] {
				continue
			}
			seen[n.Path] = true
			bound = append(bound, n)
			if def.Kind == container.KindSingle {
				break
			}
		}
		if def.Kind == container.KindSingle && len(bound) > 0 {
			break
		}
	}

	t := &Tree{Name: def.Name, Kind: def.Kind}
	for _, n := range bound {
		t.Refs = append(t.Refs, Ref{Path: n.Path, BBox: n.BBox, Score: sel.scoreFor(n)})
	}

	for _, childDef := range def.Children {
		var child *Tree
		if len(bound) == 0 {
			child = unboundTree(childDef)
		} else {
			child, err = matchIn(childDef, bound)
			if err != nil {
				return nil, err
			}
		}
		t.Children = append(t.Children, child)
	}

	if len(def.Children) > 0 {
		t.Pending = pendingIn(def, bound, t.Children)
	}
	return t, nil
}

// pendingIn decides which truncated branches block children from binding.
//
// A collection child can always be hiding more instances behind any
// truncated node in scope, so those scopes hydrate unconditionally. With
// only single children, a scope hydrates just when some child failed to
// bind inside it: hydration cannot change an already-bound single match.
func pendingIn(def *container.Definition, bound []*snapshot.Node, children []*Tree) []string {
	wantsAll := false
	for _, c := range def.Children {
		if c.Kind == container.KindCollection {
			wantsAll = true
			break
		}
	}
	var pending []string
	for _, scope := range bound {
		need := wantsAll
		if !need {
			for _, childTree := range children {
				if !refUnder(childTree, scope.Path) {
					need = true
					break
				}
			}
		}
		if need {
			pending = appendTruncated(pending, scope)
		}
	}
	return pending
}

// refUnder reports whether the tree bound at least one element inside the
// scope path.
func refUnder(t *Tree, scopePath string) bool {
	for _, ref := range t.Refs {
		if snapshot.IsAncestorPath(scopePath, ref.Path) {
			return true
		}
	}
	return false
}

func appendTruncated(paths []string, n *snapshot.Node) []string {
	n.Walk(func(d *snapshot.Node) bool {
		if d.Truncated {
			paths = append(paths, d.Path)
		}
		return true
	})
	return paths
}

// unboundTree mirrors a definition subtree with empty matches, keeping the
// tree shape stable when a parent failed to bind.
func unboundTree(def *container.Definition) *Tree {
	t := &Tree{Name: def.Name, Kind: def.Kind}
	for _, c := range def.Children {
		t.Children = append(t.Children, unboundTree(c))
	}
	return t
}

// eligible keeps elements a user could actually see or interact with.
func eligible(n *snapshot.Node) bool {
	return n.Visible && n.BBox.Area() > 0
}
