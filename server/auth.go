package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the control token when the Authorization header is
// needed for the origin, as with captured submissions.
const TokenHeader = "X-Worker-Token"

// publicControlPaths skip authentication.
var publicControlPaths = map[string]bool{
	ControlPrefix + "/health":  true,
	ControlPrefix + "/metrics": true,
}

// authMiddleware guards the control endpoints with AuthToken. With no token
// configured every request passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicControlPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorized(r) {
			s.logger.Warn("control request denied",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="offline-cache"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized reports whether r presents the control token in either
// TokenHeader or a Bearer Authorization header.
func (s *Server) authorized(r *http.Request) bool {
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return s.tokenMatches(tok)
	}
	return s.bearerIsControlToken(r.Header)
}

func (s *Server) bearerIsControlToken(h http.Header) bool {
	tok, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer ")
	return ok && s.tokenMatches(tok)
}

func (s *Server) tokenMatches(tok string) bool {
	return subtle.ConstantTimeCompare([]byte(tok), []byte(s.config.AuthToken)) == 1
}

// stripControlCredentials removes the control token from headers about to
// be stored for the origin. An Authorization header meant for the origin is
// kept.
func (s *Server) stripControlCredentials(h http.Header) {
	h.Del(TokenHeader)
	if s.config.AuthToken != "" && s.bearerIsControlToken(h) {
		h.Del("Authorization")
	}
}
