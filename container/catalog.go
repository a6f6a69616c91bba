package container

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Defaults are catalog-file defaults folded into every definition node that
// left the field empty.
type Defaults struct {
	Kind         Kind     `yaml:"kind"`
	Capabilities []string `yaml:"capabilities"`
}

// catalogFile is the YAML shape of one catalog file.
type catalogFile struct {
	Defaults   Defaults      `yaml:"defaults"`
	Containers []*Definition `yaml:"containers"`
}

// Catalog is the registry of root container definitions, keyed by name.
// Reads vastly outnumber reloads, so lookups take a read lock and Reload
// swaps the whole map.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

// Register validates and adds a root definition. Duplicate names are
// rejected; use Reload to replace a catalog wholesale.
func (c *Catalog) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("container: register nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.defs[def.Name]; dup {
		return fmt.Errorf("container: %q already registered", def.Name)
	}
	c.defs[def.Name] = def
	return nil
}

// Get returns the named root definition.
func (c *Catalog) Get(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// Lookup resolves a root name plus a descent chain in one call.
func (c *Catalog) Lookup(root string, path ...string) (*Definition, bool) {
	def, ok := c.Get(root)
	if !ok {
		return nil, false
	}
	def = def.Descend(path...)
	return def, def != nil
}

// Names returns registered root names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered roots.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// LoadReader parses one catalog document and registers its containers.
func (c *Catalog) LoadReader(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("container: read catalog: %w", err)
	}
	defs, err := parseCatalog(data)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile parses and registers one YAML catalog file.
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("container: open catalog: %w", err)
	}
	defer f.Close()
	if err := c.LoadReader(f); err != nil {
		return fmt.Errorf("container: %s: %w", path, err)
	}
	return nil
}

// LoadDir registers every .yaml/.yml file under dir, walked in lexical
// order so catalogs load deterministically.
func (c *Catalog) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			return c.LoadFile(path)
		}
		return nil
	})
}

// Reload builds a fresh catalog from dir and atomically swaps it in.
// On any error the current catalog stays as it was.
func (c *Catalog) Reload(dir string) error {
	next := NewCatalog()
	if err := next.LoadDir(dir); err != nil {
		return err
	}
	c.mu.Lock()
	c.defs = next.defs
	c.mu.Unlock()
	return nil
}

func parseCatalog(data []byte) ([]*Definition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("container: parse catalog: %w", err)
	}
	if len(file.Containers) == 0 {
		return nil, fmt.Errorf("container: catalog declares no containers")
	}
	fill := Definition{Kind: file.Defaults.Kind, Capabilities: file.Defaults.Capabilities}
	if fill.Kind == "" {
		fill.Kind = KindSingle
	}
	for _, def := range file.Containers {
		if def == nil {
			return nil, fmt.Errorf("container: catalog holds an empty container entry")
		}
		if err := applyDefaults(def, fill, 0); err != nil {
			return nil, err
		}
	}
	return file.Containers, nil
}

// applyDefaults zero-fills Kind and Capabilities on every node from the
// file defaults. mergo only touches empty fields, so explicit values win.
func applyDefaults(def *Definition, fill Definition, depth int) error {
	if depth > MaxNestingDepth {
		return fmt.Errorf("container: defaults: nesting exceeds %d levels", MaxNestingDepth)
	}
	if err := mergo.Merge(def, fill); err != nil {
		return fmt.Errorf("container: apply defaults to %q: %w", def.Name, err)
	}
	for _, child := range def.Children {
		if child == nil {
			continue
		}
		if err := applyDefaults(child, fill, depth+1); err != nil {
			return err
		}
	}
	return nil
}
