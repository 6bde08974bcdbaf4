package offlinecache

import (
	"net/http"
	"time"
)

// ResponseType classifies a response by how it was obtained, mirroring the
// browser fetch response types.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response the origin allowed us to read.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin response without CORS approval.
	TypeOpaque ResponseType = "opaque"
	// TypeError is a synthesized failure response.
	TypeError ResponseType = "error"
)

// Response is a fully buffered response snapshot. It is what the cache
// stores and what the fetch interceptor hands back to callers.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Cacheable reports whether r may be written to a dynamic cache: only
// complete same-origin 200 responses qualify.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}

// Clone returns a deep copy so the cache and the caller never share
// header maps or body bytes.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// ServeTo writes the snapshot to w. Hop-by-hop and length headers are
// recomputed by net/http.
func (r *Response) ServeTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range r.Header {
		if hopByHop(k) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}

func hopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}
