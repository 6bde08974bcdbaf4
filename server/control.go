package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/worker"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports versions, namespaces, queue depth and dynamic cache
// usage.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.worker.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type replayItem struct {
	ID      string        `json:"id"`
	URL     string        `json:"url"`
	Outcome queue.Outcome `json:"outcome"`
	Status  int           `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type syncResponse struct {
	Tag          string       `json:"tag"`
	Ignored      bool         `json:"ignored,omitempty"`
	Delivered    int          `json:"delivered"`
	Retained     int          `json:"retained"`
	DeadLettered int          `json:"dead_lettered"`
	Items        []replayItem `json:"items,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
}

// handleSync delivers a sync signal. The tag defaults to background-sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = worker.SyncTag
	}

	res, err := s.worker.Sync(r.Context(), tag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		writeJSON(w, http.StatusAccepted, syncResponse{Tag: tag, Ignored: true})
		return
	}

	resp := syncResponse{
		Tag:          tag,
		Delivered:    res.Count(queue.Delivered),
		Retained:     res.Count(queue.Retained),
		DeadLettered: res.Count(queue.DeadLettered),
		DurationMS:   res.Duration.Milliseconds(),
	}
	for _, it := range res.Items {
		item := replayItem{ID: it.ID, URL: it.URL, Outcome: it.Outcome, Status: it.Status}
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type submissionView struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Size        int       `json:"size"`
	CapturedAt  time.Time `json:"captured_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func viewOf(sub *queue.Submission) submissionView {
	return submissionView{
		ID:          sub.ID,
		URL:         sub.URL,
		Method:      sub.Method,
		Size:        len(sub.Body),
		CapturedAt:  sub.CapturedAt,
		Attempts:    sub.Attempts,
		LastAttempt: sub.LastAttempt,
		LastError:   sub.LastError,
	}
}

// handleCapture queues the request body and headers for replay to the url
// query parameter.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxCaptureBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	header := captureHeader(r.Header)
	s.stripControlCredentials(header)

	sub, err := s.worker.Capture(r.Context(), target, body, header)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sub))
}

// handleQueue lists pending and dead-lettered submissions.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := s.worker.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dead, err := s.worker.Dead(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := struct {
		Pending []submissionView `json:"pending"`
		Dead    []submissionView `json:"dead"`
	}{
		Pending: make([]submissionView, 0, len(pending)),
		Dead:    make([]submissionView, 0, len(dead)),
	}
	for _, sub := range pending {
		resp.Pending = append(resp.Pending, viewOf(sub))
	}
	for _, sub := range dead {
		resp.Dead = append(resp.Dead, viewOf(sub))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	err := s.worker.Remove(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleRegistration returns the persisted registration.
func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := s.worker.Registration(r.Context())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active registration")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// handleExpire runs one dynamic cache expiry pass.
func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	res := s.worker.Expire(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ttl_expired": res.TTLExpired,
		"evicted":     res.Evicted,
		"corrupt":     res.Corrupt,
		"bytes_freed": res.BytesFreed,
		"errors":      res.Errors,
	})
}
