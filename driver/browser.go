package driver

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Browser is one live Chrome under the Driver's control.
type Browser struct {
	rod  *rod.Browser
	lnch *launcher.Launcher
	drv  *Driver
	spec LaunchSpec
}

// Headless reports the mode the browser was launched in.
func (b *Browser) Headless() bool { return b.spec.Headless }

// ProfileDir returns the user data directory the browser runs on.
func (b *Browser) ProfileDir() string { return b.spec.ProfileDir }

// NewPage opens a stealth page, applies the launch fingerprint and resource
// blocking, and navigates it. A failed load wait is logged, not fatal: the
// DOM is usually usable before every subresource settles.
func (b *Browser) NewPage(ctx context.Context, pageURL string) (*Page, error) {
	pg, err := stealth.Page(b.rod)
	if err != nil {
		return nil, fmt.Errorf("driver: create page: %w", classify(err))
	}

	if b.spec.Fingerprint != nil {
		if err := b.spec.Fingerprint.apply(pg); err != nil {
			pg.Close()
			return nil, fmt.Errorf("driver: fingerprint: %w", classify(err))
		}
	}

	if len(b.drv.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(pg, b.drv.cfg.ResourceBlocking); err != nil {
			b.drv.cfg.Logger.Warn("driver: resource blocking failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, b.drv.cfg.NavTimeout)
	defer cancel()

	if err := pg.Context(navCtx).Navigate(pageURL); err != nil {
		pg.Close()
		return nil, fmt.Errorf("driver: navigate %s: %w", pageURL, classify(err))
	}
	if err := pg.Context(navCtx).WaitLoad(); err != nil {
		b.drv.cfg.Logger.Warn("driver: wait load timeout", "url", pageURL, "error", err)
	}

	return &Page{pg: pg, drv: b.drv, url: pageURL}, nil
}

// Close shuts the Chrome down. The profile directory survives for relaunch.
func (b *Browser) Close() error {
	var err error
	if b.rod != nil {
		err = b.rod.Close()
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	return err
}
