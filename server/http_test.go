package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/worker"
)

// loyaltyOrigin stands in for the origin and can be taken offline.
type loyaltyOrigin struct {
	srv     *httptest.Server
	offline atomic.Bool

	mu    sync.Mutex
	posts []string
}

func newLoyaltyOrigin(t *testing.T) *loyaltyOrigin {
	t.Helper()
	o := &loyaltyOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>home</html>")
	})
	mux.HandleFunc("GET /static/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
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
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *loyaltyOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.offline.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func (o *loyaltyOrigin) postBodies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.posts...)
}

type testServer struct {
	origin  *loyaltyOrigin
	worker  *worker.Worker
	handler http.Handler
}

func newTestServer(t *testing.T, policy fetch.Policy, cfg Config) *testServer {
	t.Helper()
	o := newLoyaltyOrigin(t)
	u, err := url.Parse(o.srv.URL)
	require.NoError(t, err)

	w, err := worker.New(backend.NewMemory(), worker.Config{
		Origin: u,
		Version: lifecycle.Version{
			Tag:      "v1",
			Precache: cachestore.Namespace{Name: "loyalty-app", Version: "v1"},
			Dynamic:  cachestore.Namespace{Name: "loyalty-dynamic", Version: "v1"},
			Manifest: []string{"/", "/static/app.css"},
			Strategy: policy,
		},
		Transport: o,
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	require.NoError(t, w.Start(context.Background()))

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, w)
	require.NoError(t, err)
	return &testServer{origin: o, worker: w, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestProxyCacheFirstHitOffline(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})
	ts.origin.offline.Store(true)

	rec := ts.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hit", rec.Header().Get(CacheHeader))
	require.Equal(t, "<html>home</html>", rec.Body.String())
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
}

func TestProxyMissOnline(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})

	rec := ts.do(t, http.MethodGet, "/dashboard/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "miss", rec.Header().Get(CacheHeader))
	require.Equal(t, `{"points":120}`, rec.Body.String())
}

func TestProxyNetworkFailure(t *testing.T) {
	ts := newTestServer(t, fetch.NetworkFirst, Config{})
	ts.origin.offline.Store(true)

	rec := ts.do(t, http.MethodGet, "/dashboard/stats", "", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, "network-failure", rec.Header().Get(CacheHeader))
}

func TestProxyNetworkFirstFallsBack(t *testing.T) {
	ts := newTestServer(t, fetch.NetworkFirst, Config{})

	rec := ts.do(t, http.MethodGet, "/dashboard/stats", "", nil)
	require.Equal(t, "miss", rec.Header().Get(CacheHeader))
	ts.worker.Interceptor().Wait()

	ts.origin.offline.Store(true)
	rec = ts.do(t, http.MethodGet, "/dashboard/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hit", rec.Header().Get(CacheHeader))
	require.Equal(t, `{"points":120}`, rec.Body.String())
}

func TestProxyPostPassesThrough(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})

	rec := ts.do(t, http.MethodPost, "/transactions/issue", "points=1", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{"points=1"}, ts.origin.postBodies())
}

func TestProxyCapturesFailedPost(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{CaptureFailedPosts: true})
	ts.origin.offline.Store(true)

	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	rec := ts.do(t, http.MethodPost, "/transactions/issue", "points=10", header)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "queued", rec.Header().Get(CacheHeader))

	var queued map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&queued))
	require.Equal(t, true, queued["queued"])
	require.NotEmpty(t, queued["id"])

	ts.origin.offline.Store(false)
	rec = ts.do(t, http.MethodPost, "/_worker/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var synced syncResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&synced))
	require.Equal(t, 1, synced.Delivered)
	require.Equal(t, []string{"points=10"}, ts.origin.postBodies())
}

func TestControlQueueAndSync(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})
	ts.origin.offline.Store(true)

	rec := ts.do(t, http.MethodPost, "/_worker/queue?url=/transactions/issue", "member=7", http.Header{"Content-Type": {"text/plain"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created submissionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.Equal(t, ts.origin.srv.URL+"/transactions/issue", created.URL)

	// Offline sync keeps it.
	rec = ts.do(t, http.MethodPost, "/_worker/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var synced syncResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&synced))
	require.Equal(t, 1, synced.Retained)

	rec = ts.do(t, http.MethodGet, "/_worker/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Pending []submissionView `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed.Pending, 1)
	require.Equal(t, 1, listed.Pending[0].Attempts)

	// Other tags are ignored.
	rec = ts.do(t, http.MethodPost, "/_worker/sync?tag=periodic", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ts.origin.offline.Store(false)
	rec = ts.do(t, http.MethodPost, "/_worker/sync?tag=background-sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	synced = syncResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&synced))
	require.Equal(t, 1, synced.Delivered)
	require.Equal(t, []string{"member=7"}, ts.origin.postBodies())
}

func TestControlQueueRequiresURL(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})
	rec := ts.do(t, http.MethodPost, "/_worker/queue", "x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlRemove(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})

	rec := ts.do(t, http.MethodPost, "/_worker/queue?url=/transactions/issue", "x=1", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created submissionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = ts.do(t, http.MethodDelete, "/_worker/queue/"+created.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/_worker/queue/"+created.ID, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlRegistrationAndStats(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{})

	rec := ts.do(t, http.MethodGet, "/_worker/registration", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reg lifecycle.Registration
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))
	require.Equal(t, "v1", reg.Version.Tag)

	rec = ts.do(t, http.MethodGet, "/_worker/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats worker.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.NotNil(t, stats.Active)
	require.Equal(t, "v1", stats.Active.Tag)
	require.Equal(t, []string{"loyalty-app-v1"}, stats.Namespaces)

	rec = ts.do(t, http.MethodGet, "/_worker/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/_worker/expire", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlAuthDoesNotAffectProxy(t *testing.T) {
	ts := newTestServer(t, fetch.CacheFirst, Config{AuthToken: "secret"})

	rec := ts.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/_worker/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/_worker/stats", "", http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	// The control token is stripped from captured headers.
	rec = ts.do(t, http.MethodPost, "/_worker/queue?url=/transactions/issue", "x=1", http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	pending, err := ts.worker.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, pending[0].Header.Get("Authorization"))

	// With the token in its own header the origin credentials are kept.
	rec = ts.do(t, http.MethodPost, "/_worker/queue?url=/transactions/redeem", "x=2", http.Header{
		TokenHeader:     {"secret"},
		"Authorization": {"Bearer member-session"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	pending, err = ts.worker.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "Bearer member-session", pending[1].Header.Get("Authorization"))
	require.Empty(t, pending[1].Header.Get(TokenHeader))
}

func TestDeriveRoute(t *testing.T) {
	require.Equal(t, "control", deriveRoute("/_worker/stats"))
	require.Equal(t, "control", deriveRoute("/_worker"))
	require.Equal(t, "proxy", deriveRoute("/_workers"))
	require.Equal(t, "proxy", deriveRoute("/dashboard/"))
}
