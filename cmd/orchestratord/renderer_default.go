//go:build !headless

package main

import (
	"time"

	"manifold/internal/ragchat/scrape"
)

// newRenderer returns nil in the default build: no headless-render escape
// hatch, so scrape.Service falls back to its static-fetch result whenever
// the page comes back too thin. Built with -tags headless, this is replaced
// by a real chromedp-backed renderer in renderer_headless.go.
func newRenderer(timeout time.Duration) scrape.Renderer {
	return nil
}
