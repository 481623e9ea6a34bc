//go:build headless

package main

import (
	"time"

	"manifold/internal/ragchat/scrape"
)

// newRenderer returns a headless-Chrome renderer for the sampled JS-heavy
// page escape hatch (scrape.Service only invokes it when a static fetch
// comes back thinner than cfg.Scrape.MinCleanTextSize).
func newRenderer(timeout time.Duration) scrape.Renderer {
	return scrape.NewChromedpRenderer(timeout)
}
