//go:build headless

package scrape

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromedpRenderer renders a page in a headless Chrome instance, for the
// JS-heavy pages a static fetch can't extract text from.
type ChromedpRenderer struct {
	timeout time.Duration
}

func NewChromedpRenderer(timeout time.Duration) *ChromedpRenderer {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &ChromedpRenderer{timeout: timeout}
}

func (r *ChromedpRenderer) Render(ctx context.Context, url string) (string, error) {
	ctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, r.timeout)
	defer cancelTimeout()

	var outerHTML string
	if err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &outerHTML, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	return outerHTML, nil
}
