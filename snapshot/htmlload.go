package snapshot

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// invisibleTags never produce boxes in a rendered page. Their subtrees are
// carried but marked invisible so matching skips them.
var invisibleTags = map[string]bool{
	"head": true, "script": true, "style": true, "meta": true,
	"link": true, "title": true, "template": true, "noscript": true,
	"base": true,
}

// FromHTML parses static markup into a snapshot without a browser. Visibility
// is a heuristic (hidden attributes, inline display/visibility styles, and
// non-rendering tags) and boxes are synthetic unit squares for visible nodes,
// which is enough for matching and for tests.
func FromHTML(r io.Reader, limits Limits) (*Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse html: %w", err)
	}
	root := firstElement(doc)
	if root == nil {
		return nil, fmt.Errorf("snapshot: html document has no element root")
	}
	limits = limits.withDefaults()
	s := New("", limits)
	s.Root = loadElement(root, RootPath, 0, limits, true)
	return s, nil
}

func firstElement(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

func loadElement(el *html.Node, path string, depth int, limits Limits, parentVisible bool) *Node {
	visible := parentVisible && elementVisible(el)
	n := &Node{
		Path:    path,
		Tag:     strings.ToLower(el.Data),
		Text:    ownText(el),
		Visible: visible,
	}
	if visible {
		n.BBox = BBox{Width: 1, Height: 1}
	}
	for _, key := range attrAllowlist {
		if v := getNodeAttr(el, key); v != "" {
			if n.Attrs == nil {
				n.Attrs = make(map[string]string)
			}
			if len(v) > 256 {
				v = v[:256]
			}
			n.Attrs[key] = v
		}
	}

	kids := elementChildren(el)
	if depth >= limits.MaxDepth {
		n.Truncated = len(kids) > 0
		return n
	}
	keep := len(kids)
	if keep > limits.MaxChildren {
		keep = limits.MaxChildren
		n.Truncated = true
	}
	if keep > 0 {
		n.Children = make([]*Node, keep)
		for i := 0; i < keep; i++ {
			n.Children[i] = loadElement(kids[i], ChildPath(path, i), depth+1, limits, visible)
		}
	}
	return n
}

func elementChildren(el *html.Node) []*html.Node {
	var out []*html.Node
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func elementVisible(el *html.Node) bool {
	tag := strings.ToLower(el.Data)
	if invisibleTags[tag] {
		return false
	}
	if hasNodeAttr(el, "hidden") {
		return false
	}
	if tag == "input" && strings.EqualFold(getNodeAttr(el, "type"), "hidden") {
		return false
	}
	style := strings.ToLower(getNodeAttr(el, "style"))
	style = strings.ReplaceAll(style, " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false
	}
	return true
}

// ownText collapses the element's direct text children, capped at MaxTextLen.
func ownText(el *html.Node) string {
	var sb strings.Builder
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	text := strings.Join(strings.Fields(sb.String()), " ")
	if len(text) > MaxTextLen {
		text = text[:MaxTextLen]
	}
	return text
}

func getNodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasNodeAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
