package engine

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Harvester turns raw container HTML into sanitized markdown. Scripts,
// event handlers and remote styling are stripped before conversion, so
// the output is safe to store and feed to downstream text tooling.
type Harvester struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewHarvester builds a Harvester with the UGC sanitization policy and
// a commonmark converter with table support.
func NewHarvester() *Harvester {
	return &Harvester{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown sanitizes html and converts it to markdown. sourceURL, when
// non-empty, resolves relative links against the page the HTML came
// from.
func (h *Harvester) Markdown(html, sourceURL string) (string, error) {
	clean := h.policy.Sanitize(html)

	var md string
	var err error
	if sourceURL != "" {
		md, err = h.conv.ConvertString(clean, converter.WithDomain(sourceURL))
	} else {
		md, err = h.conv.ConvertString(clean)
	}
	if err != nil {
		return "", fmt.Errorf("engine: convert html: %w", err)
	}
	return strings.TrimSpace(md), nil
}
