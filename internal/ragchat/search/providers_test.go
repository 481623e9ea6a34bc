package search

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"manifold/internal/config"
)

func TestNewPaidProvider_SelectsByConfig(t *testing.T) {
	t.Parallel()

	client := &http.Client{}
	assert.Equal(t, "serper", NewPaidProvider(config.SearchConfig{Provider: "serper"}, client).Name())
	assert.Equal(t, "serpapi", NewPaidProvider(config.SearchConfig{Provider: "serpapi"}, client).Name())
	assert.Equal(t, "brave", NewPaidProvider(config.SearchConfig{Provider: "brave"}, client).Name())
	assert.Nil(t, NewPaidProvider(config.SearchConfig{Provider: ""}, client))
	assert.Nil(t, NewPaidProvider(config.SearchConfig{Provider: "unknown"}, client))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", hostOf("https://example.com/path?q=1"))
	assert.Equal(t, "", hostOf(":://not a url"))
}
