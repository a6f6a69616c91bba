package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/snapshot"
)

// DefaultMaxRounds bounds the hydrate-and-rematch loop. Each round can
// deepen the tree by the hydration depth limit, so a handful of rounds
// reaches far beyond any sane page.
const DefaultMaxRounds = 4

// Service runs matching with lazy hydration against a live page. The
// zero value is usable; Limits and MaxRounds default per package.
type Service struct {
	Limits    snapshot.Limits
	MaxRounds int
	Logger    *slog.Logger
}

// MatchHydrated matches def against snap, hydrating truncated branches
// that block container children from binding and re-matching until the
// tree settles or the round bound is hit.
//
// Branches that vanished from the live page are skipped, not fatal: the
// tree simply keeps its pending entry for them. Hydrations mutate snap
// through its serialized merge path, so the caller must not share snap
// with another hydrating goroutine.
func (sv *Service) MatchHydrated(ctx context.Context, ev snapshot.Evaluator, def *container.Definition, snap *snapshot.Snapshot) (*Tree, error) {
	rounds := sv.MaxRounds
	if rounds <= 0 {
		rounds = DefaultMaxRounds
	}
	logger := sv.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t, err := Match(def, snap)
	if err != nil {
		return nil, err
	}
	for round := 0; round < rounds; round++ {
		pending := t.PendingPaths()
		if len(pending) == 0 {
			return t, nil
		}
		progressed := false
		var hydrated []string
		for _, path := range pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if coveredBy(hydrated, path) {
				continue
			}
			branch, err := snapshot.HydrateBranch(ctx, ev, path, sv.Limits)
			if errors.Is(err, snapshot.ErrBranchGone) {
				logger.Debug("match: branch vanished during hydration", "path", path)
				continue
			}
			if err != nil {
				return nil, err
			}
			if err := snap.Merge(path, branch); err != nil {
				return nil, err
			}
			hydrated = append(hydrated, path)
			progressed = true
		}
		if !progressed {
			return t, nil
		}
		t, err = Match(def, snap)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// coveredBy reports whether path was already refreshed by an earlier
// hydration this round, directly or via an ancestor.
func coveredBy(hydrated []string, path string) bool {
	for _, h := range hydrated {
		if h == path || snapshot.IsAncestorPath(h, path) {
			return true
		}
	}
	return false
}

// VerifyRefPaths checks the force-path invariant on a finished tree: every
// matched path, however deep hydration pushed it, must resolve in the
// snapshot. A failure here is a programming error, not a page condition.
func VerifyRefPaths(t *Tree, snap *snapshot.Snapshot) error {
	var bad []string
	var visit func(*Tree)
	visit = func(n *Tree) {
		for _, ref := range n.Refs {
			if err := snap.EnsurePath(ref.Path); err != nil {
				bad = append(bad, ref.Path)
			}
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(t)
	if len(bad) > 0 {
		return fmt.Errorf("match: unresolvable ref paths %v", bad)
	}
	return nil
}
