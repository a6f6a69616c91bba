// Package container holds declarative container definitions: named element
// hierarchies (selector, multiplicity, capabilities, children) that describe
// what a page is expected to look like. Definitions live in YAML catalogs
// and are matched against DOM snapshots by the match package.
package container

import (
	"fmt"

	"github.com/hazyhaar/domsteer/horosafe"
)

// Kind is a container's multiplicity.
type Kind string

const (
	// KindSingle matches the first eligible element.
	KindSingle Kind = "single"
	// KindCollection matches every eligible element.
	KindCollection Kind = "collection"
)

func (k Kind) valid() bool {
	return k == KindSingle || k == KindCollection
}

// MaxNestingDepth bounds definition trees. Deeper hierarchies are a config
// mistake, not a real page.
const MaxNestingDepth = 12

// Definition is one node of a container hierarchy.
//
// Selector is a CSS subset: tag, .class, #id, [attr], [attr=val], their
// combinations, and space-separated descendant chains. Capabilities name the
// operations the engine may run against a matched instance.
type Definition struct {
	Name         string        `yaml:"name" json:"name"`
	Selector     string        `yaml:"selector" json:"selector"`
	Kind         Kind          `yaml:"kind" json:"kind"`
	Capabilities []string      `yaml:"capabilities" json:"capabilities,omitempty"`
	Children     []*Definition `yaml:"children" json:"children,omitempty"`
}

// Child returns the named direct child, or nil.
func (d *Definition) Child(name string) *Definition {
	for _, c := range d.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// HasCapability reports whether the definition allows an operation.
func (d *Definition) HasCapability(op string) bool {
	for _, c := range d.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// Descend resolves a name chain below d: Descend("feed_list", "feed_post").
// Returns nil as soon as a name is absent.
func (d *Definition) Descend(names ...string) *Definition {
	cur := d
	for _, name := range names {
		cur = cur.Child(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Validate checks the definition tree: identifier names, non-empty
// selectors, known kinds, sibling name uniqueness, bounded nesting.
func (d *Definition) Validate() error {
	return d.validate(nil, 0)
}

func (d *Definition) validate(trail []string, depth int) error {
	if depth > MaxNestingDepth {
		return fmt.Errorf("container %s: nesting exceeds %d levels", joinTrail(trail), MaxNestingDepth)
	}
	if err := horosafe.ValidateIdentifier(d.Name); err != nil {
		return fmt.Errorf("container %s: name: %w", joinTrail(append(trail, d.Name)), err)
	}
	trail = append(trail, d.Name)
	if d.Selector == "" {
		return fmt.Errorf("container %s: empty selector", joinTrail(trail))
	}
	if !d.Kind.valid() {
		return fmt.Errorf("container %s: kind %q is not single or collection", joinTrail(trail), d.Kind)
	}
	for _, op := range d.Capabilities {
		if op == "" {
			return fmt.Errorf("container %s: empty capability", joinTrail(trail))
		}
	}
	seen := make(map[string]bool, len(d.Children))
	for _, c := range d.Children {
		if c == nil {
			return fmt.Errorf("container %s: nil child", joinTrail(trail))
		}
		if seen[c.Name] {
			return fmt.Errorf("container %s: duplicate child %q", joinTrail(trail), c.Name)
		}
		seen[c.Name] = true
		if err := c.validate(trail, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func joinTrail(trail []string) string {
	if len(trail) == 0 {
		return "(root)"
	}
	out := trail[0]
	for _, t := range trail[1:] {
		out += "." + t
	}
	return out
}
