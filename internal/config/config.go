// Package config holds the orchestrator's runtime configuration: plan
// tables, TTL defaults, provider selection, and backend DSNs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// Plan describes one subscription tier's admission limits.
type Plan struct {
	Total    *int   `yaml:"total,omitempty"`    // lifetime message cap, nil = unlimited
	Daily    *int   `yaml:"daily,omitempty"`    // daily message cap, nil = unlimited
	WebDaily int    `yaml:"web_daily"`           // web-search sub-quota per day
	Features []string `yaml:"features"`
}

// TTLConfig carries the freshness windows the cache and memory layers use.
// Values are in seconds in YAML/env for readability; the accessors convert.
type TTLConfig struct {
	PredictionSportsSec  int `yaml:"prediction_sports_sec"`  // default 6h
	PredictionGeneralSec int `yaml:"prediction_general_sec"` // default 24h
	SearchSec            int `yaml:"search_sec"`             // default 1h
	ScrapeSec            int `yaml:"scrape_sec"`             // default 6h
	ResponseCacheSec     int `yaml:"response_cache_sec"`     // default 1h
}

func (t TTLConfig) PredictionSports() time.Duration {
	return time.Duration(t.PredictionSportsSec) * time.Second
}
func (t TTLConfig) PredictionGeneral() time.Duration {
	return time.Duration(t.PredictionGeneralSec) * time.Second
}
func (t TTLConfig) Search() time.Duration { return time.Duration(t.SearchSec) * time.Second }
func (t TTLConfig) Scrape() time.Duration { return time.Duration(t.ScrapeSec) * time.Second }
func (t TTLConfig) ResponseCache() time.Duration {
	return time.Duration(t.ResponseCacheSec) * time.Second
}

// LLMConfig selects and configures the model provider used for the final
// generation call.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // anthropic | openai | google
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// EmbeddingConfig selects the embedding backend used to vectorize memory
// records and queries.
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Path       string `yaml:"path"`
	APIHeader  string `yaml:"api_header"` // e.g. "Authorization" or a custom header name
	APIKey     string `yaml:"api_key"`
	Timeout    int    `yaml:"timeout_sec"`
	Dimensions int    `yaml:"dimensions"`
}

// AnthropicPromptCacheConfig controls which message parts are marked for
// Anthropic's prompt-caching feature.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cache_system"`
	CacheTools    bool `yaml:"cache_tools"`
	CacheMessages bool `yaml:"cache_messages"`
}

// AnthropicConfig configures the Anthropic provider adapter.
type AnthropicConfig struct {
	APIKey      string                     `yaml:"api_key"`
	BaseURL     string                     `yaml:"base_url,omitempty"`
	Model       string                     `yaml:"model"`
	Temperature float64                    `yaml:"temperature"`
	MaxTokens   int                        `yaml:"max_tokens"`
	PromptCache AnthropicPromptCacheConfig `yaml:"prompt_cache"`
	ExtraParams map[string]any             `yaml:"extra_params,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible provider adapter (also used
// for self-hosted OpenAI-protocol servers via BaseURL).
type OpenAIConfig struct {
	APIKey      string         `yaml:"api_key"`
	BaseURL     string         `yaml:"base_url,omitempty"`
	Model       string         `yaml:"model"`
	Temperature float64        `yaml:"temperature"`
	MaxTokens   int            `yaml:"max_tokens"`
	API         string         `yaml:"api,omitempty"` // "completions" | "responses"
	LogPayloads bool           `yaml:"log_payloads"`
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
}

// GoogleConfig configures the Gemini provider adapter.
type GoogleConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout_sec"`
}

// ObsConfig configures the OpenTelemetry exporters.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// DBConfig carries DSNs for the vector/conversation/quota/prediction stores.
type DBConfig struct {
	DSN    string `yaml:"dsn"`
	Metric string `yaml:"metric"` // cosine | l2 | ip
}

// SearchConfig configures the paid-provider + free-fallback search chain:
// a configured paid provider is tried first, falling back to a free
// SearXNG instance when no provider is configured or the call fails.
type SearchConfig struct {
	Provider    string `yaml:"provider"` // serper | serpapi | brave | "" (free-only)
	APIKey      string `yaml:"api_key"`
	APIURL      string `yaml:"api_url,omitempty"`
	SearXNGURL  string `yaml:"searxng_url"`
	EngineHosts []string `yaml:"engine_hosts"` // search-engine result-page hosts excluded from results
}

// ScrapeConfig configures page fetching, including the headless-render
// sampling rate used when static fetches come back too thin.
type ScrapeConfig struct {
	UserAgent        string  `yaml:"user_agent"`
	MinCleanTextSize int     `yaml:"min_clean_text_size"`
	HeadlessEnabled  bool    `yaml:"headless_enabled"`
	HeadlessSampleP  float64 `yaml:"headless_sample_p"`
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	DB          DBConfig          `yaml:"db"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Scrape      ScrapeConfig      `yaml:"scrape"`
	TTL         TTLConfig         `yaml:"ttl"`
	Plans       map[string]Plan   `yaml:"plans"`
	GuestLimit  int               `yaml:"guest_limit"`
	GuestWebDaily int             `yaml:"guest_web_daily"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Auth        AuthConfig        `yaml:"auth"`
	Obs         ObsConfig         `yaml:"obs"`
	LogLevel    string            `yaml:"log_level"`
}

// RedisConfig configures the external-KV cache tier and the web-search
// sub-quota counters.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password,omitempty"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// KafkaConfig configures the async prediction-cache backfill topic.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	RefreshTopic   string   `yaml:"refresh_topic"`
}

// AuthConfig configures the optional OIDC login flow. Issuer empty disables
// it entirely, leaving every request to resolve as a guest.
type AuthConfig struct {
	Issuer           string   `yaml:"issuer"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	RedirectURL      string   `yaml:"redirect_url"`
	CookieName       string   `yaml:"cookie_name"`
	CookieSecure     bool     `yaml:"cookie_secure"`
	CookieDomain     string   `yaml:"cookie_domain"`
	AllowedDomains   []string `yaml:"allowed_domains"`
	StateTTLSeconds int      `yaml:"state_ttl_seconds"`
	SessionTTLHours int      `yaml:"session_ttl_hours"`
}

// Defaults returns the built-in plan table, freshness windows, and scrape
// tuning used when no config file or environment override is present.
func Defaults() Config {
	total3, total10 := 3, 10
	daily50 := 50
	return Config{
		GuestLimit:    3,
		GuestWebDaily: 5,
		Plans: map[string]Plan{
			"guest":     {Total: &total3, WebDaily: 5, Features: []string{"basic"}},
			"free":      {Total: &total10, WebDaily: 10, Features: []string{"basic", "memory"}},
			"limited":   {Daily: &daily50, WebDaily: 50, Features: []string{"web", "rag"}},
			"unlimited": {WebDaily: 50, Features: []string{"priority"}},
		},
		TTL: TTLConfig{
			PredictionSportsSec:  6 * 3600,
			PredictionGeneralSec: 24 * 3600,
			SearchSec:            3600,
			ScrapeSec:            6 * 3600,
			ResponseCacheSec:     3600,
		},
		Scrape: ScrapeConfig{
			UserAgent:        "Mozilla/5.0 (compatible; manifold-orchestrator/1.0)",
			MinCleanTextSize: 400,
			HeadlessEnabled:  false,
			HeadlessSampleP:  0.05,
		},
		Auth: AuthConfig{
			CookieName:      "orchestrator_session",
			StateTTLSeconds: 600,
			SessionTTLHours: 24 * 30,
		},
		LogLevel: "info",
	}
}

// LoadYAML merges a YAML config file over the defaults, reporting progress
// with pterm status output the same way the rest of the startup path does.
func LoadYAML(filename string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			pterm.Info.Printf("No config file at %s, using defaults + environment.\n", filename)
			return cfg, nil
		}
		pterm.Error.Printf("Error reading config file: %v\n", err)
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("Error unmarshaling config: %v\n", err)
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	pterm.Success.Println("Configuration loaded successfully.")
	return cfg, nil
}
