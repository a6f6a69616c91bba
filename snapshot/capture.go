package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Evaluator runs a JavaScript function on a live page and returns its result
// as JSON. The js argument is a function expression, args are passed to it.
type Evaluator interface {
	Eval(ctx context.Context, js string, args ...any) ([]byte, error)
}

// attrAllowlist is the attribute subset carried into snapshots, shared by
// the live walker and the static HTML loader. Everything else is dropped so
// snapshots stay small and stable across captures.
var attrAllowlist = []string{
	"id", "class", "href", "src", "name", "type", "role",
	"aria-label", "data-testid", "placeholder", "value", "alt", "title",
}

var jsAttrsLiteral = `["` + strings.Join(attrAllowlist, `","`) + `"]`

// jsWalkerBody serializes one element subtree, bounded by depth and child
// count. Text is the element's own text nodes, collapsed and capped.
var jsWalkerBody = `
	const ATTRS = ` + jsAttrsLiteral + `;
	const toNode = (el, depth) => {
		const r = el.getBoundingClientRect();
		const cs = getComputedStyle(el);
		const visible = cs.display !== "none" && cs.visibility !== "hidden" && r.width > 0 && r.height > 0;
		let text = "";
		for (const c of el.childNodes) {
			if (c.nodeType === 3) text += c.textContent;
		}
		text = text.replace(/\s+/g, " ").trim().slice(0, ` + jsMaxTextLen + `);
		const attrs = {};
		for (const a of ATTRS) {
			const v = el.getAttribute(a);
			if (v !== null && v !== "") attrs[a] = v.slice(0, 256);
		}
		const out = {
			tag: el.tagName.toLowerCase(),
			attrs: attrs,
			text: text,
			bbox: {x: r.x, y: r.y, width: r.width, height: r.height},
			visible: visible,
			truncated: false,
			children: []
		};
		const kids = el.children;
		if (depth >= maxDepth) {
			if (kids.length > 0) out.truncated = true;
			return out;
		}
		const n = Math.min(kids.length, maxChildren);
		for (let i = 0; i < n; i++) out.children.push(toNode(kids[i], depth + 1));
		if (kids.length > maxChildren) out.truncated = true;
		return out;
	};
`

const jsMaxTextLen = "160"

// jsCaptureTree walks the whole document from the html element.
var jsCaptureTree = `(maxDepth, maxChildren) => {` + jsWalkerBody + `
	return { url: location.href, root: toNode(document.documentElement, 0) };
}`

// jsCaptureBranch resolves an element by positional path, then walks it.
// Returns null when any index no longer resolves.
var jsCaptureBranch = `(indices, maxDepth, maxChildren) => {` + jsWalkerBody + `
	let el = document.documentElement;
	for (const i of indices) {
		el = el.children[i];
		if (!el) return null;
	}
	return toNode(el, 0);
}`

type wireNode struct {
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs"`
	Text      string            `json:"text"`
	BBox      BBox              `json:"bbox"`
	Visible   bool              `json:"visible"`
	Truncated bool              `json:"truncated"`
	Children  []*wireNode       `json:"children"`
}

type wireCapture struct {
	URL  string    `json:"url"`
	Root *wireNode `json:"root"`
}

// Capture walks the live document within limits and returns a fresh
// snapshot. Paths are assigned here, not in the page, so the path scheme
// has a single source of truth.
func Capture(ctx context.Context, ev Evaluator, limits Limits) (*Snapshot, error) {
	limits = limits.withDefaults()
	raw, err := ev.Eval(ctx, jsCaptureTree, limits.MaxDepth, limits.MaxChildren)
	if err != nil {
		return nil, fmt.Errorf("snapshot: capture: %w", err)
	}
	var wire wireCapture
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("snapshot: capture decode: %w", err)
	}
	if wire.Root == nil {
		return nil, fmt.Errorf("snapshot: capture returned no document root")
	}
	s := New(wire.URL, limits)
	s.Root = fromWire(wire.Root, RootPath)
	return s, nil
}

// HydrateBranch re-captures the subtree at path from the live page, with
// paths rebased onto path. Returns ErrBranchGone when the element vanished.
func HydrateBranch(ctx context.Context, ev Evaluator, path string, limits Limits) (*Node, error) {
	indices, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if indices == nil {
		indices = []int{}
	}
	limits = limits.withDefaults()
	raw, err := ev.Eval(ctx, jsCaptureBranch, indices, limits.MaxDepth, limits.MaxChildren)
	if err != nil {
		return nil, fmt.Errorf("snapshot: hydrate %s: %w", path, err)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("snapshot: hydrate %s: %w", path, ErrBranchGone)
	}
	var wire wireNode
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("snapshot: hydrate %s decode: %w", path, err)
	}
	return fromWire(&wire, path), nil
}

func fromWire(w *wireNode, path string) *Node {
	n := &Node{
		Path:      path,
		Tag:       w.Tag,
		Text:      w.Text,
		BBox:      w.BBox,
		Visible:   w.Visible,
		Truncated: w.Truncated,
	}
	if len(w.Attrs) > 0 {
		n.Attrs = w.Attrs
	}
	if len(w.Children) > 0 {
		n.Children = make([]*Node, len(w.Children))
		for i, c := range w.Children {
			n.Children[i] = fromWire(c, ChildPath(path, i))
		}
	}
	return n
}
