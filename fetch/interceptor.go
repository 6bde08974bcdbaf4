// Package fetch intercepts requests and answers them from the cache or the
// network according to the active route's strategy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// cacheTimeout is the maximum time allowed for a background cache write.
	cacheTimeout = 30 * time.Second
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("interceptor closed")

// Route is the pair of namespaces and the strategy the interceptor serves
// from. It changes atomically when a new version activates.
type Route struct {
	Version  string
	Precache cachestore.Namespace
	Dynamic  cachestore.Namespace
	Strategy Strategy
}

// Interceptor answers every request it is given.
type Interceptor struct {
	cache   Cache
	network Network
	logger  *slog.Logger
	route   atomic.Pointer[Route]

	// Lifecycle management for background cache writes
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// New creates an interceptor with no active route. Until Use is called all
// requests go straight to the network.
func New(cache Cache, network Network, opts ...Option) *Interceptor {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Interceptor{
		cache:   cache,
		network: network,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "fetch")
	return i
}

// Use switches the active route. In-flight requests finish on the route
// they started with.
func (i *Interceptor) Use(r Route) error {
	if r.Strategy == nil {
		return fmt.Errorf("route %s has no strategy", r.Version)
	}
	i.route.Store(&r)
	i.logger.Info("route activated",
		"version", r.Version,
		"strategy", r.Strategy.Policy(),
		"precache", r.Precache.String(),
		"dynamic", r.Dynamic.String(),
	)
	return nil
}

// Route returns the active route, if any.
func (i *Interceptor) Route() (Route, bool) {
	r := i.route.Load()
	if r == nil {
		return Route{}, false
	}
	return *r, true
}

// Handle answers req. req.URL must be absolute. Non-GET requests always go
// to the network and are never cached.
func (i *Interceptor) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	route := i.route.Load()
	if req.Method != http.MethodGet || route == nil {
		resp, err := i.network.Fetch(ctx, req)
		if err != nil {
			telemetry.RecordFetch(ctx, "bypass", "none")
			return nil, err
		}
		telemetry.RecordFetch(ctx, "bypass", string(SourceNetwork))
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	key, err := offlinecache.KeyForRequest(req, nil)
	if err != nil {
		return nil, err
	}

	policy := string(route.Strategy.Policy())
	telemetry.SetServing(ctx, policy, route.Version)

	x := &Exchange{
		Request:   req,
		Key:       key,
		Route:     *route,
		Cache:     i.cache,
		Network:   i.network,
		WriteBack: i.writeBack,
	}
	res, err := route.Strategy.Handle(ctx, x)
	if err != nil {
		telemetry.RecordFetch(ctx, policy, "none")
		i.logger.Debug("fetch failed", "key", key.String(), "strategy", policy, "error", err)
		return nil, err
	}
	telemetry.RecordFetch(ctx, policy, string(res.Source))
	return res, nil
}

// writeBack stores a copy of resp asynchronously. Failures are logged and
// counted, never returned to the caller.
func (i *Interceptor) writeBack(ns cachestore.Namespace, key offlinecache.RequestKey, resp *offlinecache.Response) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.wg.Add(1)
	i.mu.Unlock()

	stored := resp.Clone()
	go func() {
		defer i.wg.Done()
		ctx, cancel := context.WithTimeout(i.ctx, cacheTimeout)
		defer cancel()

		if err := i.cache.Put(ctx, ns, key, stored); err != nil {
			i.logger.Error("failed to cache response", "namespace", ns.String(), "key", key.String(), "error", err)
			telemetry.RecordCacheWrite(ctx, "dynamic", "error", 0)
			return
		}
		telemetry.RecordCacheWrite(ctx, "dynamic", "success", int64(len(stored.Body)))
		i.logger.Debug("cached response", "namespace", ns.String(), "key", key.String())
	}()
}

// Wait blocks until pending background writes finish.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// Close stops accepting requests, cancels pending writes and waits for
// them to return.
func (i *Interceptor) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.cancel()
	i.wg.Wait()
}
