package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"canceled passes through", context.Canceled, context.Canceled},
		{"deadline", context.DeadlineExceeded, ErrOperationTimeout},
		{"wrapped deadline", fmt.Errorf("eval: %w", context.DeadlineExceeded), ErrOperationTimeout},
		{"session gone", errors.New("Session with given id not found"), ErrUnreachable},
		{"session closed", errors.New("rpc: Session closed"), ErrUnreachable},
		{"target closed", errors.New("Target closed"), ErrUnreachable},
		{"cdp code", errors.New("cdp error: -32001"), ErrUnreachable},
		{"socket closed", errors.New("use of closed network connection"), ErrUnreachable},
		{"refused", errors.New("dial tcp 127.0.0.1:9222: connection refused"), ErrUnreachable},
	}
	for _, tt := range tests {
		got := classify(tt.in)
		if tt.want == nil {
			if got != nil {
				t.Errorf("%s: got %v, want nil", tt.name, got)
			}
			continue
		}
		if !errors.Is(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassifyUnknownPassesThrough(t *testing.T) {
	in := errors.New("element not interactable")
	got := classify(in)
	if got != in {
		t.Fatalf("unknown error rewritten: %v", got)
	}
	if errors.Is(got, ErrUnreachable) || errors.Is(got, ErrOperationTimeout) {
		t.Fatal("unknown error gained a sentinel")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()

	if cfg.XvfbDisplay != ":99" {
		t.Errorf("XvfbDisplay: got %q", cfg.XvfbDisplay)
	}
	if cfg.NavTimeout != 30*time.Second {
		t.Errorf("NavTimeout: got %v", cfg.NavTimeout)
	}
	if cfg.EvalTimeout != 15*time.Second {
		t.Errorf("EvalTimeout: got %v", cfg.EvalTimeout)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true}

	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"Media", false},
		{"Stylesheet", false},
		{"Document", false},
		{"XHR", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint.json")

	fp := DefaultFingerprint()
	fp.Timezone = "Europe/Paris"
	if err := fp.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadFingerprint(path)
	if err != nil {
		t.Fatalf("LoadFingerprint: %v", err)
	}
	if got.UserAgent != fp.UserAgent {
		t.Errorf("UserAgent: got %q", got.UserAgent)
	}
	if got.Viewport != (Viewport{Width: 1920, Height: 1080}) {
		t.Errorf("Viewport: got %+v", got.Viewport)
	}
	if got.Timezone != "Europe/Paris" {
		t.Errorf("Timezone: got %q", got.Timezone)
	}
	if got.Locale != "en-US" {
		t.Errorf("Locale: got %q", got.Locale)
	}
}

func TestLoadFingerprintMissing(t *testing.T) {
	_, err := LoadFingerprint(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
