package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/config"
	"manifold/internal/ragchat/cache"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(config.RedisConfig{Enabled: false}, zerolog.Nop())
}

func TestParseContentType(t *testing.T) {
	t.Parallel()

	ct, cs := parseContentType("text/html; charset=ISO-8859-1")
	assert.Equal(t, "text/html", ct)
	assert.Equal(t, "iso-8859-1", cs)

	ct, cs = parseContentType("")
	assert.Empty(t, ct)
	assert.Empty(t, cs)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	assert.True(t, isHTML("text/html"))
	assert.True(t, isHTML("application/xhtml+xml"))
	assert.False(t, isHTML("application/json"))
}

func TestToUTF8_PassthroughWhenAlreadyUTF8(t *testing.T) {
	t.Parallel()

	out, err := toUTF8([]byte("hello"), "utf-8")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncateRunes("abcdef", 3))
	assert.Equal(t, "ab", truncateRunes("ab", 3))
}

func TestTruncateBytes_PreservesUTF8Boundary(t *testing.T) {
	t.Parallel()

	s := "a\xE2\x82\xACb" // a € b
	out := truncateBytes(s, 2)
	assert.Equal(t, "a", out)
}

func TestCleanHTML_ExtractsTitleAndText(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Test Page</title></head><body><script>bad()</script><p>Hello world</p></body></html>`
	title, text := cleanHTML(html, "https://example.com")
	assert.Contains(t, text, "Hello world")
	assert.NotContains(t, text, "bad()")
	_ = title
}

func TestCollapseWhitespace(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a b c", collapseWhitespace("a   b\n\tc"))
}

func TestFetchAndParse_CachesAcrossCalls(t *testing.T) {
	t.Parallel()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Hi</title></head><body><p>content body text here</p></body></html>`))
	}))
	defer srv.Close()

	svc := New(config.ScrapeConfig{}, newTestCache(t), time.Minute, nil)
	ctx := context.Background()

	snap1, ok := svc.FetchAndParse(ctx, srv.URL)
	require.True(t, ok)
	assert.Contains(t, snap1.CleanedText, "content body text here")

	snap2, ok := svc.FetchAndParse(ctx, srv.URL)
	require.True(t, ok)
	assert.Equal(t, snap1.CleanedText, snap2.CleanedText)
	assert.Equal(t, 1, hits)
}

func TestFetchAndParse_RejectsNonHTTPScheme(t *testing.T) {
	t.Parallel()

	svc := New(config.ScrapeConfig{}, newTestCache(t), time.Minute, nil)
	_, ok := svc.FetchAndParse(context.Background(), "ftp://example.com/file")
	assert.False(t, ok)
}
