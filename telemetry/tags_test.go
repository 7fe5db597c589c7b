package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/content/data/projects.json", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheNA, tags.CacheResult)
	require.Empty(t, tags.Endpoint)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(context.Background()))
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "content")
	require.Equal(t, "content", GetTags(r).Endpoint)
}

func TestSetResource(t *testing.T) {
	r := newTaggedRequest()
	SetResource(r, "data/projects.json", "json")

	tags := TagsFromContext(r.Context())
	require.Equal(t, "data/projects.json", tags.Resource)
	require.Equal(t, "json", tags.Mode)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// none of these should panic
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "content")
	SetResource(r, "k", "raw")
}
