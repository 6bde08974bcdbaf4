package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_Defaults(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheNA, tags.CacheResult)
	require.Empty(t, tags.Route)
	require.Empty(t, tags.Strategy)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))

	// Setters are no-ops without tags.
	SetRoute(r, "proxy")
	SetCacheResult(r, CacheHit)
	SetServing(r.Context(), "cache-first", "v1")
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, "proxy")
	SetCacheResult(r, CacheMiss)
	SetServing(r.Context(), "network-first", "v2")

	require.Equal(t, "proxy", tags.Route)
	require.Equal(t, CacheMiss, tags.CacheResult)
	require.Equal(t, "network-first", tags.Strategy)
	require.Equal(t, "v2", tags.Version)
}

func TestStrategyFromContext(t *testing.T) {
	require.Empty(t, StrategyFromContext(context.Background()))

	r := newTaggedRequest()
	SetServing(r.Context(), "cache-first", "v1")
	require.Equal(t, "cache-first", StrategyFromContext(r.Context()))

	bg := WithStrategyContext(context.Background(), "network-first")
	require.Equal(t, "network-first", StrategyFromContext(bg))
}
