package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"manifold/internal/config"
)

// NewPaidProvider builds the configured paid Provider, or nil when none is
// configured (cfg.Provider == "").
func NewPaidProvider(cfg config.SearchConfig, httpClient *http.Client) Provider {
	switch cfg.Provider {
	case "serper":
		return &serperProvider{cfg: cfg, http: httpClient}
	case "serpapi":
		return &serpAPIProvider{cfg: cfg, http: httpClient}
	case "brave":
		return &braveProvider{cfg: cfg, http: httpClient}
	default:
		return nil
	}
}

type serperProvider struct {
	cfg  config.SearchConfig
	http *http.Client
}

func (p *serperProvider) Name() string { return "serper" }

func (p *serperProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	body, _ := json.Marshal(map[string]any{"q": query, "num": limit})
	endpoint := p.cfg.APIURL
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("serper http %d", resp.StatusCode)
	}

	var parsed struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(parsed.Organic))
	for i, r := range parsed.Organic {
		if i >= limit {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, SourceHost: hostOf(r.Link)})
	}
	return out, nil
}

type serpAPIProvider struct {
	cfg  config.SearchConfig
	http *http.Client
}

func (p *serpAPIProvider) Name() string { return "serpapi" }

func (p *serpAPIProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := p.cfg.APIURL
	if endpoint == "" {
		endpoint = "https://serpapi.com/search"
	}
	v := url.Values{}
	v.Set("q", query)
	v.Set("api_key", p.cfg.APIKey)
	v.Set("engine", "google")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("serpapi http %d", resp.StatusCode)
	}

	var parsed struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(parsed.OrganicResults))
	for i, r := range parsed.OrganicResults {
		if i >= limit {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, SourceHost: hostOf(r.Link)})
	}
	return out, nil
}

type braveProvider struct {
	cfg  config.SearchConfig
	http *http.Client
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	endpoint := p.cfg.APIURL
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	v := url.Values{}
	v.Set("q", query)
	v.Set("count", fmt.Sprint(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("brave http %d", resp.StatusCode)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(parsed.Web.Results))
	for i, r := range parsed.Web.Results {
		if i >= limit {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description, SourceHost: hostOf(r.URL)})
	}
	return out, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
