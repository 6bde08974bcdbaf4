package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func authServer(token string) *Server {
	return &Server{
		config: Config{AuthToken: token},
		logger: slog.New(slog.DiscardHandler),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		method string
		path   string
		header http.Header
		want   int
	}{
		{name: "no token configured", path: "/_worker/stats", want: http.StatusOK},
		{name: "missing credentials", token: "secret", path: "/_worker/stats", want: http.StatusUnauthorized},
		{
			name: "valid bearer", token: "secret", path: "/_worker/stats",
			header: http.Header{"Authorization": {"Bearer secret"}}, want: http.StatusOK,
		},
		{
			name: "wrong bearer", token: "secret", path: "/_worker/stats",
			header: http.Header{"Authorization": {"Bearer nope"}}, want: http.StatusUnauthorized,
		},
		{
			name: "basic auth is not accepted", token: "secret", path: "/_worker/stats",
			header: http.Header{"Authorization": {"Basic c2VjcmV0"}}, want: http.StatusUnauthorized,
		},
		{
			name: "token header", token: "secret", method: http.MethodPost, path: "/_worker/queue",
			header: http.Header{TokenHeader: {"secret"}}, want: http.StatusOK,
		},
		{
			name: "token header wins over bearer", token: "secret", method: http.MethodPost, path: "/_worker/queue",
			header: http.Header{TokenHeader: {"nope"}, "Authorization": {"Bearer secret"}}, want: http.StatusUnauthorized,
		},
		{name: "health is public", token: "secret", path: "/_worker/health", want: http.StatusOK},
		{name: "metrics is public", token: "secret", path: "/_worker/metrics", want: http.StatusOK},
		{name: "health prefix is not public", token: "secret", path: "/_worker/healthz", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.path, nil)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			rec := httptest.NewRecorder()
			authServer(tt.token).authMiddleware(okHandler()).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareChallenge(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/_worker/queue", nil)
	rec := httptest.NewRecorder()
	authServer("secret").authMiddleware(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer realm="offline-cache"`, rec.Header().Get("WWW-Authenticate"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}

func TestStripControlCredentials(t *testing.T) {
	s := authServer("secret")

	h := http.Header{"Authorization": {"Bearer secret"}, TokenHeader: {"secret"}}
	s.stripControlCredentials(h)
	require.Empty(t, h)

	h = http.Header{"Authorization": {"Bearer member-session"}}
	s.stripControlCredentials(h)
	require.Equal(t, "Bearer member-session", h.Get("Authorization"))

	h = http.Header{"Authorization": {"Bearer secret"}}
	authServer("").stripControlCredentials(h)
	require.Equal(t, "Bearer secret", h.Get("Authorization"))
}
