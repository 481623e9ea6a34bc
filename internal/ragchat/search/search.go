// Package search implements web search lookup: cache-first lookup,
// paid-provider-first with a free SearXNG fallback, engine-host filtering,
// token-bucket rate limiting on the free path, and monotonically-indexed
// citation extraction.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"manifold/internal/config"
	"manifold/internal/ragchat/cache"
)

// Result is one search hit.
type Result struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
	SourceHost string `json:"source_host"`
}

// Citation is a Result promoted to a numbered, timestamped source.
type Citation struct {
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Response is what Search returns.
type Response struct {
	Results    []Result
	Provider   string
	FromCache  bool
}

var uaList = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:102.0) Gecko/20100101 Firefox/102.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36 Edg/115.0.0.0",
}

// tokenBucket is a minimal rate limiter guarding the free SearXNG fallback.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	refillAt   time.Time
	refillRate time.Duration
}

func newTokenBucket(capacity int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillAt: time.Now(), refillRate: refillRate}
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	if now.After(tb.refillAt) {
		elapsed := now.Sub(tb.refillAt)
		add := int(elapsed / tb.refillRate)
		if add > 0 {
			if tb.tokens+add > tb.capacity {
				tb.tokens = tb.capacity
			} else {
				tb.tokens += add
			}
			tb.refillAt = tb.refillAt.Add(time.Duration(add) * tb.refillRate)
		}
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Provider is a single search backend (paid API or free fallback).
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Service composes cache-first lookup over a paid-then-free provider chain.
type Service struct {
	cache       *cache.Cache
	http        *http.Client
	cfg         config.SearchConfig
	ttl         time.Duration
	paid        Provider
	rateLimiter *tokenBucket
	engineHosts map[string]struct{}
}

// New constructs a Service. paid may be nil when no paid provider is
// configured, in which case the free SearXNG fallback is used directly.
func New(cfg config.SearchConfig, c *cache.Cache, ttl time.Duration, paid Provider) *Service {
	hosts := make(map[string]struct{}, len(cfg.EngineHosts))
	for _, h := range cfg.EngineHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &Service{
		cache:       c,
		http:        &http.Client{Timeout: 12 * time.Second},
		cfg:         cfg,
		ttl:         ttl,
		paid:        paid,
		rateLimiter: newTokenBucket(2, 2*time.Second),
		engineHosts: hosts,
	}
}

// Search resolves results in order: cache → configured paid provider → free
// SearXNG fallback → empty. Each fresh success is written back to cache.
func (s *Service) Search(ctx context.Context, query string, limit int) Response {
	norm := strings.ToLower(strings.TrimSpace(query))
	key := cache.Key("search", norm, fmt.Sprint(limit))

	var cached Response
	if s.cache.GetJSON(ctx, key, &cached) {
		cached.FromCache = true
		return cached
	}

	if s.paid != nil {
		paidCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		results, err := s.paid.Search(paidCtx, query, limit)
		cancel()
		if err == nil && len(results) > 0 {
			resp := Response{Results: s.filterEngineHosts(results), Provider: s.paid.Name()}
			s.cache.SetJSON(ctx, key, resp, s.ttl)
			return resp
		}
	}

	if s.rateLimiter.take() {
		results, err := s.searchSearXNG(ctx, query, limit)
		if err == nil && len(results) > 0 {
			resp := Response{Results: s.filterEngineHosts(results), Provider: "searxng"}
			s.cache.SetJSON(ctx, key, resp, s.ttl)
			return resp
		}
	}

	return Response{Provider: "none"}
}

func (s *Service) filterEngineHosts(results []Result) []Result {
	if len(s.engineHosts) == 0 {
		return results
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		host := strings.ToLower(r.SourceHost)
		if host == "" {
			if u, err := url.Parse(r.URL); err == nil {
				host = strings.ToLower(u.Host)
			}
		}
		if _, excluded := s.engineHosts[host]; excluded {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ExtractCitations attaches monotonically increasing indices and a fetch
// timestamp to a result list.
func ExtractCitations(results []Result, fetchedAt time.Time) []Citation {
	out := make([]Citation, 0, len(results))
	for i, r := range results {
		host := r.SourceHost
		if host == "" {
			if u, err := url.Parse(r.URL); err == nil {
				host = u.Host
			}
		}
		out = append(out, Citation{Index: i + 1, Title: r.Title, URL: r.URL, Host: host, FetchedAt: fetchedAt})
	}
	return out
}

func (s *Service) searchSearXNG(ctx context.Context, query string, limit int) ([]Result, error) {
	results, err := s.searchSearXNGJSON(ctx, query, limit)
	if err == nil && len(results) > 0 {
		return results, nil
	}
	return s.searchSearXNGHTML(ctx, query, limit)
}

func (s *Service) searchSearXNGJSON(ctx context.Context, query string, limit int) ([]Result, error) {
	base := strings.TrimSuffix(s.cfg.SearXNGURL, "/")
	v := url.Values{}
	v.Set("q", query)
	v.Set("format", "json")
	v.Set("categories", "general")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/search?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", uaList[int(time.Now().UnixNano())%len(uaList)])

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("searxng http %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if i >= limit {
			break
		}
		host := ""
		if u, err := url.Parse(r.URL); err == nil {
			host = u.Host
		}
		out = append(out, Result{Title: strings.TrimSpace(r.Title), URL: r.URL, Snippet: strings.TrimSpace(r.Content), SourceHost: host})
	}
	return out, nil
}

func (s *Service) searchSearXNGHTML(ctx context.Context, query string, limit int) ([]Result, error) {
	base := strings.TrimSuffix(s.cfg.SearXNGURL, "/")
	v := url.Values{}
	v.Set("q", query)
	v.Set("categories", "general")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/search?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", uaList[int(time.Now().UnixNano())%len(uaList)])

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("searxng http %d", resp.StatusCode)
	}

	root, err := html.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	var urls []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" && strings.Contains(attr.Val, "http") {
					urls = append(urls, attr.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	seen := make(map[string]struct{})
	out := make([]Result, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		host := u
		title := u
		if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
			host = parsed.Host
			title = parsed.Host + parsed.Path
		}
		out = append(out, Result{Title: title, URL: u, SourceHost: host})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
