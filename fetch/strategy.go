package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/cachestore"
)

// Policy names a fetch strategy.
type Policy string

const (
	// CacheFirst serves from the cache and only goes to the network on a miss.
	CacheFirst Policy = "cache-first"
	// NetworkFirst tries the network, caching successes, and falls back to
	// the cache when the network fails.
	NetworkFirst Policy = "network-first"
)

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case CacheFirst, NetworkFirst:
		return p, nil
	}
	return "", fmt.Errorf("unknown fetch strategy %q", s)
}

// Source reports where a response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result is a response plus its provenance.
type Result struct {
	Response *offlinecache.Response
	Source   Source
	// Namespace is the cache namespace of a cache hit.
	Namespace string
}

// Cache is the part of the cache store the strategies use.
type Cache interface {
	MatchAny(ctx context.Context, key offlinecache.RequestKey, namespaces ...cachestore.Namespace) (*offlinecache.Response, string, error)
	Put(ctx context.Context, ns cachestore.Namespace, key offlinecache.RequestKey, resp *offlinecache.Response) error
}

// Network performs requests the cache cannot answer.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error)
}

// Exchange is one intercepted GET as seen by a strategy.
type Exchange struct {
	Request *http.Request
	Key     offlinecache.RequestKey
	Route   Route
	Cache   Cache
	Network Network
	// WriteBack stores a copy of resp in ns without blocking the caller.
	WriteBack func(ns cachestore.Namespace, key offlinecache.RequestKey, resp *offlinecache.Response)
}

// Strategy decides how a request is answered.
type Strategy interface {
	Policy() Policy
	Handle(ctx context.Context, x *Exchange) (*Result, error)
}

// StrategyFor returns the built-in strategy for p.
func StrategyFor(p Policy) (Strategy, error) {
	switch p {
	case CacheFirst:
		return cacheFirst{}, nil
	case NetworkFirst:
		return networkFirst{}, nil
	}
	return nil, fmt.Errorf("unknown fetch strategy %q", p)
}

type cacheFirst struct{}

func (cacheFirst) Policy() Policy { return CacheFirst }

// Handle returns a cached response without touching the network. A miss is
// forwarded to the network and the result returned as-is; nothing is
// written back.
func (cacheFirst) Handle(ctx context.Context, x *Exchange) (*Result, error) {
	resp, ns, err := x.Cache.MatchAny(ctx, x.Key, x.Route.Precache, x.Route.Dynamic)
	if err == nil {
		return &Result{Response: resp, Source: SourceCache, Namespace: ns}, nil
	}

	resp, err = x.Network.Fetch(ctx, x.Request)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

type networkFirst struct{}

func (networkFirst) Policy() Policy { return NetworkFirst }

// Handle prefers the network. Cacheable responses are copied into the
// dynamic namespace in the background. When the network fails the cache is
// consulted, and on a miss the network error is returned.
func (networkFirst) Handle(ctx context.Context, x *Exchange) (*Result, error) {
	resp, netErr := x.Network.Fetch(ctx, x.Request)
	if netErr == nil {
		if resp.Cacheable() && !x.Route.Dynamic.IsZero() {
			x.WriteBack(x.Route.Dynamic, x.Key, resp)
		}
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	cached, ns, err := x.Cache.MatchAny(ctx, x.Key, x.Route.Precache, x.Route.Dynamic)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			return nil, errors.Join(netErr, err)
		}
		return nil, netErr
	}
	return &Result{Response: cached, Source: SourceCache, Namespace: ns}, nil
}
