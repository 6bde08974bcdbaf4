package offlinecache

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cached request. It is the normalized method and
// absolute URL of the request; headers are never part of the key.
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey builds a normalized key. Relative URLs are resolved against
// base, which may be nil when rawURL is already absolute.
func NewRequestKey(method, rawURL string, base *url.URL) (RequestKey, error) {
	u, err := NormalizeURL(rawURL, base)
	if err != nil {
		return RequestKey{}, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: strings.ToUpper(method), URL: u}, nil
}

// KeyForRequest builds the key for an intercepted request.
func KeyForRequest(r *http.Request, base *url.URL) (RequestKey, error) {
	return NewRequestKey(r.Method, r.URL.String(), base)
}

// ParseRequestKey parses the "METHOD URL" form produced by String.
func ParseRequestKey(s string) (RequestKey, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return RequestKey{}, fmt.Errorf("invalid request key %q", s)
	}
	return NewRequestKey(method, rawURL, nil)
}

// String returns the storage form "METHOD URL".
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// NormalizeURL resolves rawURL against base and canonicalises it: scheme and
// host are lower-cased, default ports and fragments are dropped and an empty
// path becomes "/".
func NormalizeURL(rawURL string, base *url.URL) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHost(u.Scheme, u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Origin returns scheme://host[:port] for u in normalized form.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + canonicalHost(scheme, u.Host)
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
