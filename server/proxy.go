package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/network"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// handleProxy answers a page request through the worker.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL = &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}

	// A POST body may be needed twice: once for the origin and once more
	// for the queue if the origin is unreachable.
	var body []byte
	if s.config.CaptureFailedPosts && r.Method == http.MethodPost && r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxCaptureBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	res, err := s.worker.Fetch(ctx, out)
	if err != nil {
		s.handleProxyError(w, r, body, err)
		return
	}

	switch {
	case r.Method != http.MethodGet:
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	case res.Source == fetch.SourceCache:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	if res.Source == fetch.SourceCache {
		w.Header().Set(CacheHeader, "hit")
	} else {
		w.Header().Set(CacheHeader, "miss")
	}
	if err := res.Response.ServeTo(w); err != nil {
		s.logger.Debug("failed to write response", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) handleProxyError(w http.ResponseWriter, r *http.Request, body []byte, err error) {
	ctx := r.Context()

	if !errors.Is(err, network.ErrNetwork) {
		if errors.Is(err, fetch.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "worker shutting down")
			return
		}
		s.logger.Error("proxy failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "proxy failed")
		return
	}

	if s.config.CaptureFailedPosts && r.Method == http.MethodPost {
		sub, cerr := s.worker.Capture(ctx, r.URL.RequestURI(), body, captureHeader(r.Header))
		if cerr == nil {
			telemetry.SetCacheResult(r, telemetry.CacheQueued)
			w.Header().Set(CacheHeader, "queued")
			writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": sub.ID})
			return
		}
		s.logger.Error("failed to capture submission", "path", r.URL.Path, "error", cerr)
	}

	telemetry.SetCacheResult(r, telemetry.CacheFailure)
	w.Header().Set(CacheHeader, "network-failure")
	writeError(w, http.StatusGatewayTimeout, "origin unreachable and no cached response")
}

// captureHeader copies the headers worth replaying. Connection-level
// headers are dropped; everything else is kept verbatim.
func captureHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range []string{"Connection", "Content-Length", "Keep-Alive", "Te", "Trailer", "Transfer-Encoding", "Upgrade"} {
		out.Del(name)
	}
	return out
}
