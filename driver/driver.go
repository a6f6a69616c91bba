// Package driver runs Chrome through Rod: per-profile launches (headless,
// or headful behind Xvfb), remote attach, and the page operations the rest
// of the system is built on. Every operation is context-bounded; failures
// surface as the package's sentinel errors.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the driver.
type Config struct {
	// Remote is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome per profile via launcher.
	Remote string

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// NavTimeout bounds Navigate plus the load wait. Default: 30s.
	NavTimeout time.Duration

	// EvalTimeout bounds page evals that carry no caller deadline. Default: 15s.
	EvalTimeout time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Driver launches Chrome instances. One Driver serves the whole process;
// Xvfb is shared by every headful launch and lives until Close.
type Driver struct {
	cfg    Config
	mu     sync.Mutex
	xvfb   *exec.Cmd
	closed bool
}

// New creates a Driver. Call Launch per browser instance.
func New(cfg Config) *Driver {
	cfg.defaults()
	return &Driver{cfg: cfg}
}

// LaunchSpec describes one Chrome instance.
type LaunchSpec struct {
	// ProfileDir is the Chrome user data directory. Cookies and local
	// storage persist there across launches.
	ProfileDir string

	// Fingerprint is applied to every page the browser opens. Nil means
	// whatever Chrome presents on its own.
	Fingerprint *Fingerprint

	// Headless selects the launch mode. Headful runs on the shared Xvfb
	// display.
	Headless bool
}

// Launch starts a Chrome for the spec, or attaches to the configured remote
// instance. The caller owns the returned Browser and must Close it.
func (d *Driver) Launch(ctx context.Context, spec LaunchSpec) (*Browser, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("driver: closed")
	}
	if !spec.Headless && d.cfg.Remote == "" {
		if err := d.ensureXvfb(); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("driver: xvfb: %w", err)
		}
	}
	d.mu.Unlock()

	log := d.cfg.Logger

	var wsURL string
	var lnch *launcher.Launcher

	if d.cfg.Remote != "" {
		wsURL = d.cfg.Remote
		log.Info("driver: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if spec.ProfileDir != "" {
			l = l.UserDataDir(spec.ProfileDir)
		}
		if spec.Headless {
			l = l.Headless(true)
		} else {
			l = l.Headless(false).Env("DISPLAY", d.cfg.XvfbDisplay)
		}

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: launch: %v", ErrUnreachable, err)
		}
		wsURL = u
		lnch = l
		log.Info("driver: launched chrome",
			"headless", spec.Headless, "profile", spec.ProfileDir)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("%w: connect: %v", ErrUnreachable, err)
	}

	// Ignore certificate errors for dev/testing.
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("driver: ignore cert errors failed", "error", err)
	}

	return &Browser{rod: b, lnch: lnch, drv: d, spec: spec}, nil
}

// Close stops the shared Xvfb. Launched browsers are closed by their owners.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopXvfb()
	return nil
}
