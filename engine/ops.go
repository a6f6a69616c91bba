package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/hazyhaar/domsteer/session"
)

// Target names what a plan runs against: one managed session and the
// container node the operations act on. Paths are positional snapshot
// addresses like "root/1/0".
type Target struct {
	SessionID   string `json:"sessionId"`
	ProfileID   string `json:"profileId,omitempty"`
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	LoginAnchor string `json:"loginAnchor,omitempty"`
	LoginWaitMs int64  `json:"loginWaitMs,omitempty"`
}

// OpFunc executes one step against a live page. The returned map is
// merged into the plan state.
type OpFunc func(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error)

// Registry maps step kinds to implementations. Every engine instance
// owns its own table; there is no process-wide registry.
type Registry struct {
	mu  sync.RWMutex
	ops map[StepKind]OpFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[StepKind]OpFunc)}
}

// DefaultRegistry returns a registry with the built-in operations
// installed.
func DefaultRegistry(h *Harvester) *Registry {
	r := NewRegistry()
	r.Register(StepHarvestDetails, opHarvest(h, "details"))
	r.Register(StepHarvestComments, opHarvest(h, "comments"))
	r.Register(StepComment, opComment)
	r.Register(StepLike, opLike)
	r.Register(StepCommentLike, opCommentLike)
	r.Register(StepContinue, opContinue)
	return r
}

// Register installs fn for kind, replacing any previous entry.
func (r *Registry) Register(kind StepKind, fn OpFunc) {
	r.mu.Lock()
	r.ops[kind] = fn
	r.mu.Unlock()
}

func (r *Registry) lookup(kind StepKind) (OpFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[kind]
	return fn, ok
}

type harvestParams struct {
	Path string `mapstructure:"path"`
}

type commentParams struct {
	Text       string `mapstructure:"text"`
	InputPath  string `mapstructure:"inputPath"`
	SubmitPath string `mapstructure:"submitPath"`
}

type likeParams struct {
	Path string `mapstructure:"path"`
}

type commentLikeParams struct {
	commentParams `mapstructure:",squash"`
	LikePath      string `mapstructure:"likePath"`
}

type continueParams struct {
	Path     string `mapstructure:"path"`
	ScrollBy int    `mapstructure:"scrollBy"`
}

// opHarvest captures the outer HTML at the step's path (the target
// container by default) and stores its markdown rendition under key.
func opHarvest(h *Harvester, key string) OpFunc {
	return func(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error) {
		var p harvestParams
		if err := mapstructure.Decode(params, &p); err != nil {
			return nil, fmt.Errorf("%w: harvest params: %v", ErrOperationPermanent, err)
		}
		path := p.Path
		if path == "" {
			path = tgt.Path
		}
		html, err := pg.OuterHTML(ctx, path)
		if err != nil {
			return nil, permanentIfGone(err)
		}
		md, err := h.Markdown(html, tgt.URL)
		if err != nil {
			return nil, err
		}
		return map[string]any{key: md}, nil
	}
}

func opComment(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error) {
	var p commentParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("%w: comment params: %v", ErrOperationPermanent, err)
	}
	return runComment(ctx, pg, p)
}

func runComment(ctx context.Context, pg session.Page, p commentParams) (map[string]any, error) {
	if p.Text == "" {
		return nil, fmt.Errorf("%w: comment requires text", ErrOperationPermanent)
	}
	if p.InputPath == "" {
		return nil, fmt.Errorf("%w: comment requires inputPath", ErrOperationPermanent)
	}
	if err := pg.Input(ctx, p.InputPath, p.Text); err != nil {
		return nil, permanentIfGone(err)
	}
	if p.SubmitPath != "" {
		if err := pg.Click(ctx, p.SubmitPath); err != nil {
			return nil, permanentIfGone(err)
		}
	}
	return map[string]any{"commented": true}, nil
}

func opLike(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error) {
	var p likeParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("%w: like params: %v", ErrOperationPermanent, err)
	}
	return runLike(ctx, pg, p.Path)
}

func runLike(ctx context.Context, pg session.Page, path string) (map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: like requires path", ErrOperationPermanent)
	}
	if err := pg.Click(ctx, path); err != nil {
		return nil, permanentIfGone(err)
	}
	return map[string]any{"liked": true}, nil
}

// opCommentLike performs the comment and the like as one combined
// interaction. The comment lands first; a comment failure aborts the
// step before the like is attempted.
func opCommentLike(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error) {
	var p commentLikeParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("%w: comment_like params: %v", ErrOperationPermanent, err)
	}
	out, err := runComment(ctx, pg, p.commentParams)
	if err != nil {
		return nil, err
	}
	liked, err := runLike(ctx, pg, p.LikePath)
	if err != nil {
		return nil, err
	}
	for k, v := range liked {
		out[k] = v
	}
	return out, nil
}

const jsScrollBy = `(dy) => { window.scrollBy(0, dy); return true; }`

// opContinue advances past the current item: a click when the step
// names a path (a "next" control), otherwise a feed scroll.
func opContinue(ctx context.Context, pg session.Page, tgt Target, params map[string]any) (map[string]any, error) {
	var p continueParams
	if err := mapstructure.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("%w: continue params: %v", ErrOperationPermanent, err)
	}
	if p.Path != "" {
		if err := pg.Click(ctx, p.Path); err != nil {
			return nil, permanentIfGone(err)
		}
		return map[string]any{"advanced": "click"}, nil
	}
	dy := p.ScrollBy
	if dy <= 0 {
		dy = 800
	}
	if _, err := pg.Eval(ctx, jsScrollBy, dy); err != nil {
		return nil, err
	}
	return map[string]any{"advanced": "scroll"}, nil
}
