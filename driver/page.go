package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/snapshot"
)

// Page is one open tab. All operations take a context; callers without a
// deadline get the configured defaults. Elements are always addressed by
// positional path or CSS selector, never by live reference, so a reload
// between calls costs a re-match, not a crash.
type Page struct {
	pg  *rod.Page
	drv *Driver
	url string
}

var _ snapshot.Evaluator = (*Page)(nil)

const pingTimeout = 2 * time.Second

// URL returns the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Eval runs a JS function expression on the page and returns its result
// encoded as JSON.
func (p *Page) Eval(ctx context.Context, js string, args ...any) ([]byte, error) {
	ctx, cancel := p.opCtx(ctx, p.drv.cfg.EvalTimeout)
	defer cancel()

	res, err := p.pg.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, classify(err)
	}
	raw, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("driver: encode eval result: %w", err)
	}
	return raw, nil
}

// Navigate loads a new URL in place and waits for the load event.
func (p *Page) Navigate(ctx context.Context, pageURL string) error {
	ctx, cancel := p.opCtx(ctx, p.drv.cfg.NavTimeout)
	defer cancel()

	if err := p.pg.Context(ctx).Navigate(pageURL); err != nil {
		return fmt.Errorf("driver: navigate %s: %w", pageURL, classify(err))
	}
	if err := p.pg.Context(ctx).WaitLoad(); err != nil {
		p.drv.cfg.Logger.Warn("driver: wait load timeout", "url", pageURL, "error", err)
	}
	p.url = pageURL
	return nil
}

// WaitVisible blocks until an element matching sel is present and visible,
// or the wait elapses.
func (p *Page) WaitVisible(ctx context.Context, sel string, wait time.Duration) error {
	ctx, cancel := p.opCtx(ctx, wait)
	defer cancel()

	el, err := p.pg.Context(ctx).Element(sel)
	if err != nil {
		return fmt.Errorf("driver: wait %s: %w", sel, classify(err))
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("driver: wait %s visible: %w", sel, classify(err))
	}
	return nil
}

// Click resolves the element at path, scrolls it into view, and clicks it.
func (p *Page) Click(ctx context.Context, path string) error {
	ctx, cancel := p.opCtx(ctx, p.drv.cfg.EvalTimeout)
	defer cancel()

	el, err := p.elementByPath(ctx, path)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("driver: click %s: %w", path, classify(err))
	}
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("driver: scroll to %s: %w", path, classify(err))
	}
	// Let the layout settle so the click lands where the element is now.
	time.Sleep(300 * time.Millisecond)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("driver: click %s: %w", path, classify(err))
	}
	return nil
}

// Input focuses the element at path, clears it, and types text into it.
func (p *Page) Input(ctx context.Context, path, text string) error {
	ctx, cancel := p.opCtx(ctx, p.drv.cfg.EvalTimeout)
	defer cancel()

	el, err := p.elementByPath(ctx, path)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("driver: input %s: %w", path, classify(err))
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("driver: focus %s: %w", path, classify(err))
	}
	// Best-effort clear of whatever is already in the field.
	if err := el.SelectAllText(); err == nil {
		p.pg.Keyboard.Press(input.Backspace)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("driver: input %s: %w", path, classify(err))
	}
	return nil
}

// jsOuterHTMLByPath serialises the element at a positional path, or null
// when an index no longer resolves.
const jsOuterHTMLByPath = `(indices) => {
	let el = document.documentElement;
	for (const i of indices) {
		el = el.children[i];
		if (!el) return null;
	}
	return el.outerHTML;
}`

// OuterHTML returns the serialised HTML of the element at path.
func (p *Page) OuterHTML(ctx context.Context, path string) (string, error) {
	indices, err := snapshot.ParsePath(path)
	if err != nil {
		return "", err
	}
	if indices == nil {
		indices = []int{}
	}
	raw, err := p.Eval(ctx, jsOuterHTMLByPath, indices)
	if err != nil {
		return "", err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", fmt.Errorf("%w: %s", ErrElementGone, path)
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return "", fmt.Errorf("driver: decode outer html: %w", err)
	}
	return html, nil
}

// Ping probes the page with a trivial eval. Any failure means the tab or
// its transport is gone.
func (p *Page) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	res, err := p.pg.Context(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnreachable, err)
	}
	if res.Value.Str() == "" {
		return fmt.Errorf("%w: ping: empty ready state", ErrUnreachable)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	if p.pg != nil {
		return p.pg.Close()
	}
	return nil
}

// jsElementByPath resolves a positional path to the live element, or null.
const jsElementByPath = `(indices) => {
	let el = document.documentElement;
	for (const i of indices) {
		el = el.children[i];
		if (!el) return null;
	}
	return el;
}`

func (p *Page) elementByPath(ctx context.Context, path string) (*rod.Element, error) {
	indices, err := snapshot.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if indices == nil {
		indices = []int{}
	}
	el, err := p.pg.Context(ctx).ElementByJS(rod.Eval(jsElementByPath, indices))
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrOperationTimeout) {
			return nil, fmt.Errorf("driver: resolve %s: %w", path, err)
		}
		// Anything else means the JS walker hit a missing index.
		return nil, fmt.Errorf("%w: %s", ErrElementGone, path)
	}
	return el, nil
}

// opCtx applies the fallback timeout when the caller brought no deadline.
func (p *Page) opCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
