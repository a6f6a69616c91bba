package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/idgen"
)

// ErrBranchGone reports that a hydration target no longer exists on the
// live page. Callers treat it as soft: the page moved on, nothing broke.
var ErrBranchGone = errors.New("snapshot: branch no longer present on page")

// MissingBranchError reports a path whose ancestry is not fully materialized
// in the snapshot. Missing names the shortest absent prefix, which is the
// branch a caller should hydrate before retrying.
type MissingBranchError struct {
	Path    string
	Missing string
}

func (e *MissingBranchError) Error() string {
	return fmt.Sprintf("snapshot: path %s not materialized: missing branch %s", e.Path, e.Missing)
}

// newID is the snapshot ID generator: sortable, collision-safe enough for
// an in-process registry.
var newID = idgen.Prefixed("snap_", idgen.Timestamped(idgen.NanoID(6)))

// New builds an empty snapshot shell with defaulted limits.
func New(url string, limits Limits) *Snapshot {
	return &Snapshot{
		ID:         newID(),
		URL:        url,
		CapturedAt: time.Now().UTC(),
		Limits:     limits.withDefaults(),
	}
}

// NodeAt resolves a path to its node, or nil when any segment is absent.
func (s *Snapshot) NodeAt(path string) *Node {
	indices, err := ParsePath(path)
	if err != nil {
		return nil
	}
	n := s.Root
	for _, idx := range indices {
		if n == nil || idx >= len(n.Children) {
			return nil
		}
		n = n.Children[idx]
	}
	return n
}

// EnsurePath verifies that every prefix of path resolves to a captured node.
// On failure it returns a *MissingBranchError naming the shortest missing
// prefix so the caller knows exactly which branch to hydrate.
func (s *Snapshot) EnsurePath(path string) error {
	indices, err := ParsePath(path)
	if err != nil {
		return err
	}
	if s.Root == nil {
		return &MissingBranchError{Path: path, Missing: RootPath}
	}
	n := s.Root
	for i, idx := range indices {
		if idx >= len(n.Children) {
			return &MissingBranchError{Path: path, Missing: JoinPath(indices[:i+1])}
		}
		n = n.Children[idx]
	}
	return nil
}

// Merge grafts a freshly hydrated subtree onto the snapshot at path,
// replacing whatever was there. The subtree's own Path must equal path;
// sibling branches are untouched. Merging the same subtree twice is a
// no-op the second time, so retried hydrations are safe.
//
// Merges on one snapshot are serialized; readers holding *Node pointers
// from before a merge keep a consistent (stale) view of that branch.
func (s *Snapshot) Merge(path string, subtree *Node) error {
	if subtree == nil {
		return fmt.Errorf("snapshot: merge at %s: nil subtree", path)
	}
	if subtree.Path != path {
		return fmt.Errorf("snapshot: merge at %s: subtree rooted at %s", path, subtree.Path)
	}
	indices, err := ParsePath(path)
	if err != nil {
		return err
	}

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if len(indices) == 0 {
		s.Root = subtree
		return nil
	}
	if s.Root == nil {
		return &MissingBranchError{Path: path, Missing: RootPath}
	}
	parent := s.Root
	for i, idx := range indices[:len(indices)-1] {
		if idx >= len(parent.Children) {
			return &MissingBranchError{Path: path, Missing: JoinPath(indices[:i+1])}
		}
		parent = parent.Children[idx]
	}
	last := indices[len(indices)-1]
	if last >= len(parent.Children) {
		return &MissingBranchError{Path: path, Missing: path}
	}
	// the parent keeps its truncated flag: siblings past MaxChildren are
	// still missing even though this branch is now materialized
	parent.Children[last] = subtree
	return nil
}

// ForcePath materializes every ancestor of path, hydrating missing branches
// from the live page one level at a time. After it returns nil, EnsurePath
// on the same path is guaranteed to succeed, no matter how far beyond the
// original capture depth the path reaches.
func (s *Snapshot) ForcePath(ctx context.Context, ev Evaluator, path string, limits Limits) error {
	indices, err := ParsePath(path)
	if err != nil {
		return err
	}
	// each round materializes exactly one more level, so depth+1 rounds
	// always suffice
	for round := 0; round <= len(indices); round++ {
		err := s.EnsurePath(path)
		if err == nil {
			return nil
		}
		var missing *MissingBranchError
		if !errors.As(err, &missing) {
			return err
		}
		hydrateAt, ok := ParentPath(missing.Missing)
		if !ok {
			hydrateAt = RootPath
		}
		// one level deep, but wide enough to cover the wanted child index
		// even when it sits past the capture's MaxChildren bound
		chainLimits := Limits{MaxDepth: 1, MaxChildren: limits.withDefaults().MaxChildren}
		if missingIdx, err := ParsePath(missing.Missing); err != nil {
			return err
		} else if len(missingIdx) > 0 {
			if need := missingIdx[len(missingIdx)-1] + 1; need > chainLimits.MaxChildren {
				chainLimits.MaxChildren = need
			}
		}
		branch, err := HydrateBranch(ctx, ev, hydrateAt, chainLimits)
		if err != nil {
			return err
		}
		if err := s.extendBranch(hydrateAt, branch); err != nil {
			return err
		}
		if s.EnsurePath(missing.Missing) != nil {
			// the live page no longer has this child, hydration cannot help
			return fmt.Errorf("snapshot: force path %s: %w", path, ErrBranchGone)
		}
	}
	return fmt.Errorf("snapshot: force path %s: no progress", path)
}

// extendBranch appends the tail children a fresh one-level hydrate revealed
// beyond what is materialized at path. Children already present keep their
// subtrees untouched; captures keep child prefixes, so missing indices are
// always a tail.
func (s *Snapshot) extendBranch(path string, fresh *Node) error {
	if fresh == nil || fresh.Path != path {
		return fmt.Errorf("snapshot: extend at %s: misrooted subtree", path)
	}
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if path == RootPath && s.Root == nil {
		s.Root = fresh
		return nil
	}
	node := s.NodeAt(path)
	if node == nil {
		return &MissingBranchError{Path: path, Missing: path}
	}
	for i := len(node.Children); i < len(fresh.Children); i++ {
		node.Children = append(node.Children, fresh.Children[i])
	}
	node.Truncated = fresh.Truncated
	return nil
}

// EncodeJSON writes the snapshot to w.
func (s *Snapshot) EncodeJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(s)
}

// DecodeSnapshot reads a snapshot previously written with EncodeJSON.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &s, nil
}
