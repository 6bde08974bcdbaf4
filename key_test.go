package offlinecache

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestKey(t *testing.T) {
	origin, err := url.Parse("https://loyalty.example.com")
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		url     string
		want    string
		wantErr bool
	}{
		{name: "relative root", method: "get", url: "/", want: "GET https://loyalty.example.com/"},
		{name: "relative path with query", method: "GET", url: "/dashboard/transactions?type=earn", want: "GET https://loyalty.example.com/dashboard/transactions?type=earn"},
		{name: "fragment dropped", method: "GET", url: "/auth/login#form", want: "GET https://loyalty.example.com/auth/login"},
		{name: "default port dropped", method: "GET", url: "HTTPS://Loyalty.Example.com:443/static/app.js", want: "GET https://loyalty.example.com/static/app.js"},
		{name: "non-default port kept", method: "GET", url: "http://localhost:8080", want: "GET http://localhost:8080/"},
		{name: "cross origin", method: "GET", url: "https://cdn.jsdelivr.net/npm/@picocss/pico@1/css/pico.min.css", want: "GET https://cdn.jsdelivr.net/npm/@picocss/pico@1/css/pico.min.css"},
		{name: "empty method defaults to GET", method: "", url: "/", want: "GET https://loyalty.example.com/"},
		{name: "post", method: "post", url: "/transactions/issue", want: "POST https://loyalty.example.com/transactions/issue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewRequestKey(tt.method, tt.url, origin)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key.String())
		})
	}
}

func TestNewRequestKeyRequiresAbsolute(t *testing.T) {
	_, err := NewRequestKey(http.MethodGet, "/relative", nil)
	require.Error(t, err)
}

func TestKeyForRequestIgnoresHeaders(t *testing.T) {
	origin, _ := url.Parse("http://app.local")

	a := httptest.NewRequest(http.MethodGet, "/dashboard/", nil)
	a.Header.Set("Accept", "text/html")
	b := httptest.NewRequest(http.MethodGet, "/dashboard/", nil)
	b.Header.Set("HX-Request", "true")

	ka, err := KeyForRequest(a, origin)
	require.NoError(t, err)
	kb, err := KeyForRequest(b, origin)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestParseRequestKey(t *testing.T) {
	key, err := ParseRequestKey("GET https://app.local/static/style.css")
	require.NoError(t, err)
	assert.Equal(t, RequestKey{Method: "GET", URL: "https://app.local/static/style.css"}, key)

	_, err = ParseRequestKey("garbage")
	require.Error(t, err)
}

func TestSameOrigin(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}

	assert.True(t, SameOrigin(parse("https://a.example/x"), parse("HTTPS://A.example:443/y")))
	assert.False(t, SameOrigin(parse("https://a.example/x"), parse("http://a.example/x")))
	assert.False(t, SameOrigin(parse("https://a.example/x"), parse("https://b.example/x")))
	assert.False(t, SameOrigin(nil, parse("https://a.example")))
}
