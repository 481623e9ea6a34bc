package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables (optionally .env),
// overlaying a YAML file when ORCHESTRATOR_CONFIG points at one, then
// falling back to Defaults() for anything left unset.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CONFIG")); path != "" {
		loaded, err := LoadYAML(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	cfg.DB.DSN = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("DB_DSN"), cfg.DB.DSN)
	if v := strings.TrimSpace(os.Getenv("VECTOR_METRIC")); v != "" {
		cfg.DB.Metric = v
	} else if cfg.DB.Metric == "" {
		cfg.DB.Metric = "cosine"
	}

	cfg.Redis.Addr = firstNonEmpty(os.Getenv("REDIS_ADDR"), os.Getenv("REDIS_URL"), cfg.Redis.Addr)
	cfg.Redis.Password = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), cfg.Redis.Password)
	cfg.Redis.Enabled = cfg.Redis.Addr != ""

	cfg.LLM.Provider = firstNonEmpty(os.Getenv("LLM_PROVIDER"), cfg.LLM.Provider, "anthropic")
	cfg.LLM.Model = firstNonEmpty(os.Getenv("LLM_MODEL"), cfg.LLM.Model)
	switch cfg.LLM.Provider {
	case "anthropic":
		cfg.LLM.APIKey = firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), cfg.LLM.APIKey)
	case "openai":
		cfg.LLM.APIKey = firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.LLM.APIKey)
	case "google":
		cfg.LLM.APIKey = firstNonEmpty(os.Getenv("GOOGLE_LLM_API_KEY"), cfg.LLM.APIKey)
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 2000
	}

	cfg.Embedding.BaseURL = firstNonEmpty(os.Getenv("EMBED_BASE_URL"), cfg.Embedding.BaseURL, "http://localhost:8080")
	cfg.Embedding.Path = firstNonEmpty(os.Getenv("EMBED_PATH"), cfg.Embedding.Path, "/v1/embeddings")
	cfg.Embedding.Model = firstNonEmpty(os.Getenv("EMBED_MODEL"), cfg.Embedding.Model)
	cfg.Embedding.APIHeader = firstNonEmpty(os.Getenv("EMBED_API_HEADER"), cfg.Embedding.APIHeader, "Authorization")
	cfg.Embedding.APIKey = firstNonEmpty(os.Getenv("EMBED_API_KEY"), cfg.Embedding.APIKey)
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30
	}

	cfg.Obs.OTLP = firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.Obs.OTLP)
	cfg.Obs.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), cfg.Obs.ServiceName, "ragchat-orchestrator")
	cfg.Obs.ServiceVersion = firstNonEmpty(os.Getenv("OTEL_SERVICE_VERSION"), cfg.Obs.ServiceVersion, "dev")
	cfg.Obs.Environment = firstNonEmpty(os.Getenv("DEPLOY_ENV"), cfg.Obs.Environment, "development")

	cfg.Search.Provider = firstNonEmpty(os.Getenv("SEARCH_PROVIDER"), cfg.Search.Provider)
	cfg.Search.APIKey = firstNonEmpty(os.Getenv("SEARCH_API_KEY"), cfg.Search.APIKey)
	cfg.Search.APIURL = firstNonEmpty(os.Getenv("SEARCH_API_URL"), cfg.Search.APIURL)
	cfg.Search.SearXNGURL = firstNonEmpty(os.Getenv("SEARXNG_URL"), cfg.Search.SearXNGURL, "http://localhost:8080")
	if len(cfg.Search.EngineHosts) == 0 {
		cfg.Search.EngineHosts = defaultEngineHosts()
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.RefreshTopic = firstNonEmpty(os.Getenv("KAFKA_REFRESH_TOPIC"), cfg.Kafka.RefreshTopic, "predictions.refresh")

	cfg.Auth.Issuer = firstNonEmpty(os.Getenv("OIDC_ISSUER"), cfg.Auth.Issuer)
	cfg.Auth.ClientID = firstNonEmpty(os.Getenv("OIDC_CLIENT_ID"), cfg.Auth.ClientID)
	cfg.Auth.ClientSecret = firstNonEmpty(os.Getenv("OIDC_CLIENT_SECRET"), cfg.Auth.ClientSecret)
	cfg.Auth.RedirectURL = firstNonEmpty(os.Getenv("OIDC_REDIRECT_URL"), cfg.Auth.RedirectURL)
	cfg.Auth.CookieName = firstNonEmpty(os.Getenv("OIDC_COOKIE_NAME"), cfg.Auth.CookieName, "orchestrator_session")
	cfg.Auth.CookieDomain = firstNonEmpty(os.Getenv("OIDC_COOKIE_DOMAIN"), cfg.Auth.CookieDomain)
	if v := strings.TrimSpace(os.Getenv("OIDC_COOKIE_SECURE")); v != "" {
		cfg.Auth.CookieSecure = v == "true" || v == "1"
	}
	if domains := strings.TrimSpace(os.Getenv("OIDC_ALLOWED_DOMAINS")); domains != "" {
		cfg.Auth.AllowedDomains = strings.Split(domains, ",")
	}
	if cfg.Auth.StateTTLSeconds == 0 {
		cfg.Auth.StateTTLSeconds = 600
	}
	if cfg.Auth.SessionTTLHours == 0 {
		cfg.Auth.SessionTTLHours = 24 * 30
	}

	return cfg, nil
}

// defaultEngineHosts lists hosts whose own result pages are themselves
// search engines, so a result linking back to one of them is recursive
// junk rather than a usable source.
func defaultEngineHosts() []string {
	return []string{
		"google.com", "www.google.com",
		"bing.com", "www.bing.com",
		"duckduckgo.com", "www.duckduckgo.com",
		"search.yahoo.com",
		"yandex.com", "www.yandex.com",
		"baidu.com", "www.baidu.com",
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
