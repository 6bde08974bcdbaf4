package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/network"
)

// testOrigin is a loyalty app origin whose reachability can be toggled.
type testOrigin struct {
	srv     *httptest.Server
	url     *url.URL
	offline atomic.Bool
	hits    atomic.Int32

	mu      sync.Mutex
	posts   []string
	version string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{version: "one"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		defer o.mu.Unlock()
		_, _ = io.WriteString(w, "<html>home "+o.version+"</html>")
	})
	mux.HandleFunc("GET /shell", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><link rel="stylesheet" href="/static/app.css"></head></html>`)
	})
	mux.HandleFunc("GET /static/app.css", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "body{}")
	})
	mux.HandleFunc("GET /dashboard/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"points":120}`)
	})
	mux.HandleFunc("POST /transactions/issue", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.posts = append(o.posts, string(b))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.srv.Close)

	var err error
	o.url, err = url.Parse(o.srv.URL)
	require.NoError(t, err)
	return o
}

// RoundTrip fails every request while the origin is offline.
func (o *testOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.offline.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func testVersion(tag string, policy fetch.Policy) lifecycle.Version {
	return lifecycle.Version{
		Tag:      tag,
		Precache: cachestore.Namespace{Name: "loyalty-app", Version: tag},
		Dynamic:  cachestore.Namespace{Name: "loyalty-dynamic", Version: tag},
		Manifest: []string{"/", "/static/app.css"},
		Strategy: policy,
	}
}

func newTestWorker(t *testing.T, o *testOrigin, b backend.Backend, v lifecycle.Version) *Worker {
	t.Helper()
	w, err := New(b, Config{Origin: o.url, Version: v, Transport: o})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	return req
}

func TestNewValidates(t *testing.T) {
	_, err := New(backend.NewMemory(), Config{Version: testVersion("v1", fetch.CacheFirst)})
	require.Error(t, err)

	u, _ := url.Parse("https://loyalty.example.com")
	_, err = New(backend.NewMemory(), Config{Origin: u, Version: lifecycle.Version{Tag: "v1"}})
	require.Error(t, err)
}

func TestStartInstallsAndServesOffline(t *testing.T) {
	o := newTestOrigin(t)
	w := newTestWorker(t, o, backend.NewMemory(), testVersion("v1", fetch.CacheFirst))
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))

	active, ok := w.Lifecycle().Active()
	require.True(t, ok)
	require.Equal(t, "v1", active.Version.Tag)

	o.offline.Store(true)
	res, err := w.Fetch(ctx, get(t, "/"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceCache, res.Source)
	require.Equal(t, "<html>home one</html>", string(res.Response.Body))

	_, err = w.Fetch(ctx, get(t, "/dashboard/stats"))
	require.ErrorIs(t, err, network.ErrNetwork)
}

func TestStartDiscoversAssets(t *testing.T) {
	o := newTestOrigin(t)
	v := testVersion("v1", fetch.CacheFirst)
	v.Manifest = []string{"/shell"}
	w, err := New(backend.NewMemory(), Config{Origin: o.url, Version: v, DiscoverAssets: true, Transport: o})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))

	active, ok := w.Lifecycle().Active()
	require.True(t, ok)
	require.Equal(t, []string{"/shell", "/static/app.css"}, active.Version.Manifest)

	o.offline.Store(true)
	res, err := w.Fetch(ctx, get(t, "/static/app.css"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceCache, res.Source)
}

func TestStartOfflineFailsInstallButPassesThrough(t *testing.T) {
	o := newTestOrigin(t)
	w := newTestWorker(t, o, backend.NewMemory(), testVersion("v1", fetch.CacheFirst))
	ctx := context.Background()

	o.offline.Store(true)
	err := w.Start(ctx)
	require.ErrorIs(t, err, lifecycle.ErrInstallFailed)
	_, ok := w.Lifecycle().Active()
	require.False(t, ok)

	o.offline.Store(false)
	res, err := w.Fetch(ctx, get(t, "/dashboard/stats"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceNetwork, res.Source)
}

func TestNetworkFirstWorker(t *testing.T) {
	o := newTestOrigin(t)
	w := newTestWorker(t, o, backend.NewMemory(), testVersion("v1", fetch.NetworkFirst))
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	res, err := w.Fetch(ctx, get(t, "/dashboard/stats"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceNetwork, res.Source)
	w.Interceptor().Wait()

	o.offline.Store(true)
	res, err = w.Fetch(ctx, get(t, "/dashboard/stats"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceCache, res.Source)
	require.Equal(t, "loyalty-dynamic-v1", res.Namespace)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Dynamic)
	require.Equal(t, int64(1), stats.Dynamic.TotalItems)
}

func TestRestartRestoresWithoutRefetch(t *testing.T) {
	o := newTestOrigin(t)
	b := backend.NewMemory()
	ctx := context.Background()

	first, err := New(b, Config{Origin: o.url, Version: testVersion("v1", fetch.CacheFirst), Transport: o})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	first.Close()

	hits := o.hits.Load()
	second := newTestWorker(t, o, b, testVersion("v1", fetch.CacheFirst))
	require.NoError(t, second.Start(ctx))
	require.Equal(t, hits, o.hits.Load())

	res, err := second.Fetch(ctx, get(t, "/"))
	require.NoError(t, err)
	require.Equal(t, fetch.SourceCache, res.Source)
}

func TestUpdateToNextVersion(t *testing.T) {
	o := newTestOrigin(t)
	w := newTestWorker(t, o, backend.NewMemory(), testVersion("v1", fetch.CacheFirst))
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	o.mu.Lock()
	o.version = "two"
	o.mu.Unlock()

	require.NoError(t, w.Update(ctx, testVersion("v2", fetch.CacheFirst)))

	names, err := w.Store().Namespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"loyalty-app-v2"}, names)

	res, err := w.Fetch(ctx, get(t, "/"))
	require.NoError(t, err)
	require.Equal(t, "<html>home two</html>", string(res.Response.Body))

	route, ok := w.Interceptor().Route()
	require.True(t, ok)
	require.Equal(t, "v2", route.Version)
}

func TestCaptureThenSync(t *testing.T) {
	o := newTestOrigin(t)
	w := newTestWorker(t, o, backend.NewMemory(), testVersion("v1", fetch.CacheFirst))
	ctx := context.Background()

	_, err := w.Capture(ctx, "/transactions/issue", []byte("points=10"), http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	require.NoError(t, err)

	// Unknown tags are ignored.
	res, err := w.Sync(ctx, "other-tag")
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = w.Sync(ctx, SyncTag)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	pending, err := w.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	o.mu.Lock()
	require.Equal(t, []string{"points=10"}, o.posts)
	o.mu.Unlock()
}

func TestReconnectTriggersSync(t *testing.T) {
	o := newTestOrigin(t)
	w, err := New(backend.NewMemory(), Config{
		Origin:        o.url,
		Version:       testVersion("v1", fetch.CacheFirst),
		Transport:     o,
		ProbeInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	o.offline.Store(true)
	_, err = w.Capture(ctx, "/transactions/issue", []byte("points=5"), nil)
	require.NoError(t, err)
	_ = w.Start(ctx)
	require.False(t, w.Online())

	o.offline.Store(false)
	require.Eventually(t, func() bool {
		pending, err := w.Queue().Pending(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.Online())
}
