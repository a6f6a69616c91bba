// Package match evaluates container definitions against DOM snapshots,
// producing container trees: the definition hierarchy annotated with the
// snapshot nodes each container bound to.
//
// Match is a pure function over an already-captured snapshot. Service wraps
// it with the lazy hydration loop that fetches truncated branches from the
// live page when a matched container still has children to bind.
package match

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/domsteer/snapshot"
)

// Selector is a parsed CSS subset expression:
//
//	tag  .class  #id  [attr]  [attr=val]
//
// in any combination per element, chained with spaces for descendants, with
// comma-separated alternates. Anything fancier (pseudo-classes, sibling
// combinators) is out of scope for snapshot matching.
type Selector struct {
	raw        string
	alternates [][]simpleSelector
}

type attrCond struct {
	key    string
	val    string
	hasVal bool
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

// ParseSelector parses a selector expression.
func ParseSelector(raw string) (Selector, error) {
	sel := Selector{raw: raw}
	for _, alt := range strings.Split(raw, ",") {
		parts := strings.Fields(alt)
		if len(parts) == 0 {
			return Selector{}, fmt.Errorf("match: empty selector in %q", raw)
		}
		chain := make([]simpleSelector, len(parts))
		for i, part := range parts {
			ss, err := parseSimple(part)
			if err != nil {
				return Selector{}, fmt.Errorf("match: selector %q: %w", raw, err)
			}
			chain[i] = ss
		}
		sel.alternates = append(sel.alternates, chain)
	}
	return sel, nil
}

// CheckSelector reports whether a selector expression parses. Catalog
// loaders call this so config mistakes surface at load, not at match time.
func CheckSelector(raw string) error {
	_, err := ParseSelector(raw)
	return err
}

func (s Selector) String() string { return s.raw }

// parseSimple parses one compound selector: attribute clauses are peeled
// first, then the remainder is scanned for tag, #id and .class segments.
func parseSimple(sel string) (simpleSelector, error) {
	var ss simpleSelector
	orig := sel

	for {
		open := strings.IndexByte(sel, '[')
		if open < 0 {
			break
		}
		end := strings.IndexByte(sel[open:], ']')
		if end < 0 {
			return ss, fmt.Errorf("unclosed attribute clause in %q", orig)
		}
		clause := sel[open+1 : open+end]
		sel = sel[:open] + sel[open+end+1:]
		if clause == "" {
			return ss, fmt.Errorf("empty attribute clause in %q", orig)
		}
		cond := attrCond{key: clause}
		if eq := strings.IndexByte(clause, '='); eq >= 0 {
			cond.key = clause[:eq]
			cond.val = strings.Trim(clause[eq+1:], `"'`)
			cond.hasVal = true
		}
		if cond.key == "" {
			return ss, fmt.Errorf("attribute clause without key in %q", orig)
		}
		ss.attrs = append(ss.attrs, cond)
	}

	// remainder: tag(#id|.class)*
	seg := sel
	for seg != "" {
		kind := byte(0)
		switch seg[0] {
		case '#', '.':
			kind = seg[0]
			seg = seg[1:]
		}
		end := strings.IndexAny(seg, "#.")
		var token string
		if end < 0 {
			token, seg = seg, ""
		} else {
			token, seg = seg[:end], seg[end:]
		}
		if token == "" {
			return ss, fmt.Errorf("dangling %q in %q", string(kind), orig)
		}
		switch kind {
		case '#':
			ss.id = token
		case '.':
			ss.classes = append(ss.classes, token)
		default:
			ss.tag = strings.ToLower(token)
		}
	}

	if ss.tag == "" && ss.id == "" && len(ss.classes) == 0 && len(ss.attrs) == 0 {
		return ss, fmt.Errorf("selector part %q selects nothing", orig)
	}
	return ss, nil
}

// nodeMatches checks one snapshot node against one compound selector.
func nodeMatches(n *snapshot.Node, ss simpleSelector) bool {
	if ss.tag != "" && ss.tag != "*" && n.Tag != ss.tag {
		return false
	}
	if ss.id != "" && n.ID() != ss.id {
		return false
	}
	if len(ss.classes) > 0 {
		have := n.Classes()
		for _, want := range ss.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, cond := range ss.attrs {
		v, ok := n.Attr(cond.key)
		if !ok {
			return false
		}
		if cond.hasVal && v != cond.val {
			return false
		}
	}
	return true
}

// collect evaluates the selector inside one scope node, excluding the scope
// itself, returning matches in document order without duplicates.
func (s Selector) collect(scope *snapshot.Node) []*snapshot.Node {
	var out []*snapshot.Node
	seen := make(map[string]bool)
	for _, chain := range s.alternates {
		level := []*snapshot.Node{scope}
		for _, part := range chain {
			level = descendantsMatching(level, part)
			if len(level) == 0 {
				break
			}
		}
		for _, n := range level {
			if !seen[n.Path] {
				seen[n.Path] = true
				out = append(out, n)
			}
		}
	}
	if len(s.alternates) > 1 {
		sortDocOrder(out)
	}
	return out
}

// sortDocOrder restores document order after alternates were collected
// sequentially. Paths compare as index sequences, parents before children.
func sortDocOrder(nodes []*snapshot.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return pathLess(nodes[i].Path, nodes[j].Path)
	})
}

func pathLess(a, b string) bool {
	ai, _ := snapshot.ParsePath(a)
	bi, _ := snapshot.ParsePath(b)
	for k := 0; k < len(ai) && k < len(bi); k++ {
		if ai[k] != bi[k] {
			return ai[k] < bi[k]
		}
	}
	return len(ai) < len(bi)
}

func descendantsMatching(roots []*snapshot.Node, ss simpleSelector) []*snapshot.Node {
	var out []*snapshot.Node
	seen := make(map[string]bool)
	for _, root := range roots {
		root.Walk(func(n *snapshot.Node) bool {
			if n != root && nodeMatches(n, ss) && !seen[n.Path] {
				seen[n.Path] = true
				out = append(out, n)
			}
			return true
		})
	}
	return out
}

// specificity turns the subject selector a node satisfied into a match
// score in (0, 1]: more precise selectors score higher.
func specificity(ss simpleSelector) float64 {
	score := 0.5
	if ss.id != "" {
		score += 0.2
	}
	if len(ss.classes) > 0 {
		score += 0.15
	}
	if len(ss.attrs) > 0 {
		score += 0.1
	}
	if ss.tag != "" && ss.tag != "*" {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

// scoreFor is the best specificity among alternates whose subject part the
// node satisfies.
func (s Selector) scoreFor(n *snapshot.Node) float64 {
	best := 0.0
	for _, chain := range s.alternates {
		subject := chain[len(chain)-1]
		if nodeMatches(n, subject) {
			if sc := specificity(subject); sc > best {
				best = sc
			}
		}
	}
	return best
}
