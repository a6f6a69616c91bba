package driver

import (
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	json "github.com/goccy/go-json"
)

// Viewport is the emulated screen size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint pins the identity a profile presents: user agent, viewport,
// locale, timezone. It is stored as fingerprint.json inside the profile
// directory so relaunches, headful escalation included, present the same
// identity the site has already seen.
type Fingerprint struct {
	UserAgent string   `json:"userAgent,omitempty"`
	Viewport  Viewport `json:"viewport"`
	Locale    string   `json:"locale,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

// DefaultFingerprint returns the identity seeded into fresh profiles.
func DefaultFingerprint() *Fingerprint {
	return &Fingerprint{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Viewport: Viewport{Width: 1920, Height: 1080},
		Locale:   "en-US",
		Timezone: "UTC",
	}
}

// LoadFingerprint reads a fingerprint.json.
func LoadFingerprint(path string) (*Fingerprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("driver: read fingerprint: %w", err)
	}
	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("driver: decode fingerprint %s: %w", path, err)
	}
	return &fp, nil
}

// Save writes the fingerprint to path, readable by the owner only.
func (f *Fingerprint) Save(path string) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("driver: encode fingerprint: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("driver: write fingerprint: %w", err)
	}
	return nil
}

// apply pushes the overrides onto a page before navigation.
func (f *Fingerprint) apply(pg *rod.Page) error {
	if f.UserAgent != "" {
		ua := &proto.NetworkSetUserAgentOverride{UserAgent: f.UserAgent}
		if f.Locale != "" {
			ua.AcceptLanguage = f.Locale
		}
		if err := pg.SetUserAgent(ua); err != nil {
			return fmt.Errorf("user agent: %w", err)
		}
	}
	if f.Viewport.Width > 0 && f.Viewport.Height > 0 {
		err := pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  f.Viewport.Width,
			Height: f.Viewport.Height,
		})
		if err != nil {
			return fmt.Errorf("viewport: %w", err)
		}
	}
	if f.Timezone != "" {
		err := proto.EmulationSetTimezoneOverride{TimezoneID: f.Timezone}.Call(pg)
		if err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if f.Locale != "" {
		err := proto.EmulationSetLocaleOverride{Locale: f.Locale}.Call(pg)
		if err != nil {
			return fmt.Errorf("locale: %w", err)
		}
	}
	return nil
}
