// Package network is the worker's view of the network: an origin-scoped
// HTTP client that turns hangs into failures and classifies responses the
// way a browser fetch would.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 32 * 1024 * 1024
)

var (
	// ErrNetwork wraps every failure to obtain a response: connection
	// errors, timeouts and cancelled requests.
	ErrNetwork = errors.New("network failure")

	// ErrBodyTooLarge is returned when a response body exceeds the limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Client fetches from the network on behalf of the worker.
type Client struct {
	origin          *url.URL
	timeout         time.Duration
	maxBodySize     int64
	transport       http.RoundTripper
	purpose         string
	followRedirects bool
	logger          *slog.Logger

	http  *http.Client
	group *singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request. Zero keeps the default of 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxBodySize bounds buffered response bodies.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithTransport sets the base round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithPurpose labels the client's requests in metrics.
func WithPurpose(purpose string) Option {
	return func(c *Client) {
		c.purpose = purpose
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for origin. Redirects are returned to the caller,
// which is what a proxy needs; use FollowingRedirects for precaching.
func New(origin *url.URL, opts ...Option) *Client {
	c := &Client{
		origin:      origin,
		timeout:     defaultTimeout,
		maxBodySize: defaultMaxBodySize,
		purpose:     "fetch",
		logger:      slog.Default(),
		group:       &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "network")
	c.http = c.newHTTPClient()
	return c
}

func (c *Client) newHTTPClient() *http.Client {
	hc := &http.Client{
		Transport: telemetry.NetworkTransport(c.transport, c.purpose),
	}
	if !c.followRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return hc
}

// FollowingRedirects returns a client sharing c's settings that follows
// redirects and reports the final response.
func (c *Client) FollowingRedirects() *Client {
	cp := *c
	cp.followRedirects = true
	cp.group = &singleflight.Group{}
	cp.http = cp.newHTTPClient()
	return &cp
}

// Origin returns the origin the client is scoped to.
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch sends req and buffers the response. Concurrent GETs for the same
// URL with the same request headers share one network request. Any failure to obtain a response wraps
// ErrNetwork; HTTP error statuses are responses, not errors.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error) {
	if req.Method != http.MethodGet {
		return c.fetch(ctx, req)
	}

	ch := c.group.DoChan(flightKey(req), func() (any, error) {
		// One caller giving up must not fail the fetch for the others.
		return c.fetch(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*offlinecache.Response)
		if res.Shared {
			resp = resp.Clone()
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL, ctx.Err())
	}
}

// flightKey identifies GETs that would get the same response. Headers
// such as Authorization, Cookie, Range and If-None-Match change what the
// origin sends back, so the whole forwarded header set is part of the key.
func flightKey(req *http.Request) string {
	h := req.Header.Clone()
	removeHopByHop(h)
	h.Del("Accept-Encoding")

	var b strings.Builder
	b.WriteString(req.URL.String())
	b.WriteByte('\n')
	_ = h.Write(&b)
	return b.String()
}

func (c *Client) fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	removeHopByHop(out.Header)
	// Let the transport negotiate compression so stored bodies are plain.
	out.Header.Del("Accept-Encoding")
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewinding body: %w", ErrNetwork, err)
		}
		out.Body = body
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrNetwork, req.URL, err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, req.URL)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	header := resp.Header.Clone()
	removeHopByHop(header)

	return &offlinecache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Type:   c.classify(final, resp.Header),
		URL:    final.String(),
	}, nil
}

// classify mirrors fetch response types: same-origin is basic, a
// cross-origin response with CORS approval is cors, anything else opaque.
func (c *Client) classify(u *url.URL, h http.Header) offlinecache.ResponseType {
	if c.origin == nil || offlinecache.SameOrigin(u, c.origin) {
		return offlinecache.TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return offlinecache.TypeCORS
	}
	return offlinecache.TypeOpaque
}

// Probe reports whether the origin answers at all. Any HTTP response,
// including an error status, means the network is up.
func (c *Client) Probe(ctx context.Context, path string) error {
	target := c.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return err
	}
	_, err = c.fetch(ctx, req)
	return err
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
