// Package scrape implements cache-first page fetch, readability extraction,
// plain-text cleaning, and a sampled headless-render escape hatch for
// JS-heavy pages.
package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"manifold/internal/config"
	"manifold/internal/ragchat/cache"
)

const (
	maxCleanTextBytes = 20 * 1024
	maxTitleChars     = 200
	maxFetchBytes     = 8 * 1000 * 1000
)

// Snapshot is a PageSnapshot.
type Snapshot struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	CleanedText string    `json:"cleaned_text"`
	FetchedAt   time.Time `json:"fetched_at"`
}

var uaList = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:102.0) Gecko/20100101 Firefox/102.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36 Edg/115.0.0.0",
}

// Renderer re-fetches a URL through a headless browser, used when a static
// fetch comes back too thin. Satisfied by ChromedpRenderer in render.go
// (guarded by a build tag so the chromedp dependency stays optional).
type Renderer interface {
	Render(ctx context.Context, url string) (html string, err error)
}

// Service fetches and cleans pages, cache-first by URL.
type Service struct {
	cache    *cache.Cache
	http     *http.Client
	cfg      config.ScrapeConfig
	ttl      time.Duration
	renderer Renderer
}

func New(cfg config.ScrapeConfig, c *cache.Cache, ttl time.Duration, renderer Renderer) *Service {
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   12 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}
	return &Service{cache: c, http: client, cfg: cfg, ttl: ttl, renderer: renderer}
}

// FetchAndParse returns a cleaned page snapshot, cache-first by URL. Never
// returns an error to the caller; on failure it returns ok=false.
func (s *Service) FetchAndParse(ctx context.Context, rawURL string) (Snapshot, bool) {
	key := cache.Key("scrape", rawURL)
	var cached Snapshot
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, true
	}

	snap, ok := s.fetchOnce(ctx, rawURL, s.userAgent())
	if !ok {
		return Snapshot{}, false
	}

	if s.renderer != nil && s.cfg.HeadlessEnabled && len(snap.CleanedText) < s.cfg.MinCleanTextSize {
		if rand.Float64() < s.cfg.HeadlessSampleP {
			if rendered, ok2 := s.fetchRendered(ctx, rawURL); ok2 && len(rendered.CleanedText) > len(snap.CleanedText) {
				snap = rendered
			}
		}
	}

	s.cache.SetJSON(ctx, key, snap, s.ttl)
	return snap, true
}

func (s *Service) userAgent() string {
	if s.cfg.UserAgent != "" {
		return s.cfg.UserAgent
	}
	return uaList[int(time.Now().UnixNano())%len(uaList)]
}

func (s *Service) fetchOnce(ctx context.Context, rawURL, ua string) (Snapshot, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Snapshot{}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Snapshot{}, false
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.http.Do(req)
	if err != nil {
		return Snapshot{}, false
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	ct, cs := parseContentType(resp.Header.Get("Content-Type"))

	limited := io.LimitReader(resp.Body, maxFetchBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil || int64(len(body)) > maxFetchBytes {
		return Snapshot{}, false
	}

	utf8Body, err := toUTF8(body, cs)
	if err != nil {
		return Snapshot{}, false
	}

	if !isHTML(ct) {
		return Snapshot{}, false
	}

	title, text := cleanHTML(string(utf8Body), finalURL)
	return Snapshot{
		URL:         rawURL,
		Title:       truncateRunes(title, maxTitleChars),
		CleanedText: truncateBytes(text, maxCleanTextBytes),
		FetchedAt:   time.Now(),
	}, true
}

func (s *Service) fetchRendered(ctx context.Context, rawURL string) (Snapshot, bool) {
	rendered, err := s.renderer.Render(ctx, rawURL)
	if err != nil || strings.TrimSpace(rendered) == "" {
		return Snapshot{}, false
	}
	title, text := cleanHTML(rendered, rawURL)
	return Snapshot{
		URL:         rawURL,
		Title:       truncateRunes(title, maxTitleChars),
		CleanedText: truncateBytes(text, maxCleanTextBytes),
		FetchedAt:   time.Now(),
	}, true
}

// cleanHTML extracts a title and clean text, preferring the
// readability-extracted article converted to Markdown when available, so
// the LLM sees structure (headings, lists) instead of a flattened text blob.
func cleanHTML(htmlBody, baseURL string) (title, text string) {
	base, _ := url.Parse(baseURL)
	if art, err := readability.FromReader(strings.NewReader(htmlBody), base); err == nil && strings.TrimSpace(art.Content) != "" {
		title = strings.TrimSpace(art.Title)
		if md, mdErr := htmltomarkdown.ConvertString(art.Content); mdErr == nil && strings.TrimSpace(md) != "" {
			return title, strings.TrimSpace(md)
		}
		return title, collapseWhitespace(art.TextContent)
	}
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return "", ""
	}
	return extractTitleAndText(doc)
}

func extractTitleAndText(doc *html.Node) (string, string) {
	var title string
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		if n.Type == html.TextNode {
			t := strings.TrimSpace(n.Data)
			if t != "" {
				buf.WriteString(t)
				buf.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, collapseWhitespace(buf.String())
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func parseContentType(h string) (ctype, cs string) {
	if h == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(h)
	if err != nil {
		return h, ""
	}
	return strings.ToLower(mt), strings.ToLower(params["charset"])
}

func isHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml" || strings.HasSuffix(ct, "html")
}

func toUTF8(b []byte, label string) ([]byte, error) {
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return b, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up while the first dropped byte is a continuation byte, so the
	// cut never splits a multi-byte rune.
	for max > 0 && s[max]&0xC0 == 0x80 {
		max--
	}
	return s[:max]
}
