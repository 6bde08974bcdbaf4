// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	strategyKey    contextKey = "strategy"
)

// CacheResult represents where a proxied response came from.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheBypass  CacheResult = "bypass"
	CacheQueued  CacheResult = "queued"
	CacheFailure CacheResult = "network-failure"
	CacheNA      CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route       string
	Strategy    string
	CacheResult CacheResult
	Version     string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetRoute sets the route ("proxy" or "control") for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetServing records the strategy and version that handled the request.
func SetServing(ctx context.Context, strategy, version string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Strategy = strategy
		tags.Version = version
	}
}

// StrategyFromContext retrieves the fetch strategy from a context.
// It checks both background contexts (set by WithStrategyContext) and
// request contexts (set via SetServing).
func StrategyFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(strategyKey).(string); ok && s != "" {
		return s
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Strategy
	}
	return ""
}

// WithStrategyContext returns a context with the strategy stored.
// Use this to propagate the strategy into goroutines that outlive the request context.
func WithStrategyContext(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKey, strategy)
}
