package core

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func describe(method, target string, header map[string]string) Descriptor {
	req := httptest.NewRequest(method, target, nil)
	for name, value := range header {
		req.Header.Set(name, value)
	}
	return Describe(req, testScope)
}

func TestSelect(t *testing.T) {
	s := NewSelector(nil)
	tests := []struct {
		name     string
		d        Descriptor
		strategy Strategy
	}{
		{"post", describe(http.MethodPost, "/data.json", nil), Bypass},
		{"head", describe(http.MethodHead, "/index.html", nil), Bypass},
		{"navigation", describe(http.MethodGet, "/quotes/42", map[string]string{"Sec-Fetch-Mode": "navigate"}), NetworkFirst},
		{"data", describe(http.MethodGet, "/data.json", nil), NetworkFirst},
		{"nested data", describe(http.MethodGet, "/v1/data.json?x=1", nil), NetworkFirst},
		{"asset", describe(http.MethodGet, "/app.js", nil), StaleWhileRevalidate},
		{"manifest", describe(http.MethodGet, "/manifest.json", nil), StaleWhileRevalidate},
		{"extension scheme", Descriptor{Method: http.MethodGet, URL: &url.URL{Scheme: "chrome-extension", Host: "abc", Path: "/x.js"}}, Bypass},
		{"no url", Descriptor{Method: http.MethodGet}, Bypass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.strategy, s.Select(tt.d))
			// no side effects
			assert.Equal(t, tt.strategy, s.Select(tt.d))
		})
	}
}

func TestSelectNavigationBeforeRules(t *testing.T) {
	s := NewSelector(Rules{{Prefix: "/", Strategy: CacheFirst}})
	nav := describe(http.MethodGet, "/data.json", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, NetworkFirst, s.Select(nav))
	assert.Equal(t, CacheFirst, s.Select(describe(http.MethodGet, "/data.json", nil)))
}

func TestRulesMatchAllMatchers(t *testing.T) {
	s := NewSelector(Rules{
		{Prefix: "/assets/", Suffix: ".js", Strategy: CacheFirst},
		{Path: "/live", Strategy: Bypass},
	})
	assert.Equal(t, CacheFirst, s.Select(describe(http.MethodGet, "/assets/app.js", nil)))
	assert.Equal(t, StaleWhileRevalidate, s.Select(describe(http.MethodGet, "/assets/app.css", nil)))
	assert.Equal(t, Bypass, s.Select(describe(http.MethodGet, "/live", nil)))
	assert.Equal(t, StaleWhileRevalidate, s.Select(describe(http.MethodGet, "/live/more", nil)))
}

func TestDescribeNavigation(t *testing.T) {
	assert.True(t, describe(http.MethodGet, "/", map[string]string{"Sec-Fetch-Mode": "navigate"}).Navigation)
	assert.True(t, describe(http.MethodGet, "/", map[string]string{"Accept": "text/html,application/xhtml+xml"}).Navigation)
	assert.False(t, describe(http.MethodGet, "/", map[string]string{"Accept": "application/json, text/html"}).Navigation)
	// fetch metadata wins over accept
	assert.False(t, describe(http.MethodGet, "/", map[string]string{
		"Sec-Fetch-Mode": "cors",
		"Accept":         "text/html",
	}).Navigation)
	assert.False(t, describe(http.MethodPost, "/", map[string]string{"Sec-Fetch-Mode": "navigate"}).Navigation)
}

func TestDescribeResolvesAgainstScope(t *testing.T) {
	d := describe(http.MethodGet, "/data.json?page=2", nil)
	assert.Equal(t, "http://app.test/data.json?page=2", d.URL.String())
}

func TestParseStrategy(t *testing.T) {
	for s, name := range strategyNames {
		parsed, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("network-last")
	assert.Error(t, err)

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("Cache-First")))
	assert.Equal(t, CacheFirst, s)
}
