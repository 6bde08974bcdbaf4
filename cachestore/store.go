// Package cachestore stores request/response pairs in versioned cache
// namespaces on top of a storage backend.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// NamespacePrefix is prepended to every cache namespace in the backend so
// cache namespaces never collide with queue or registration data.
const NamespacePrefix = "cache:"

// defaultPopulateConcurrency bounds parallel fetches during Populate.
const defaultPopulateConcurrency = 4

var (
	// ErrNotFound is returned when no entry matches a request key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrNotCacheable is returned by Put for responses that may not be
	// written to a cache (anything but a same-origin 200).
	ErrNotCacheable = errors.New("response not cacheable")

	// ErrPopulate is returned when any resource of a Populate call fails.
	ErrPopulate = errors.New("populate failed")
)

// Namespace is a named, versioned cache partition.
type Namespace struct {
	Name    string
	Version string
}

// String returns the namespace name, e.g. "loyalty-app-v1".
func (n Namespace) String() string {
	return n.Name + "-" + n.Version
}

// IsZero reports whether n is unset.
func (n Namespace) IsZero() bool {
	return n.Name == "" && n.Version == ""
}

func (n Namespace) storageName() string {
	return NamespacePrefix + n.String()
}

// Fetcher performs network requests on behalf of Populate.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error)
}

// Store is the versioned cache store.
type Store struct {
	backend     backend.Backend
	codec       *Codec
	fetcher     Fetcher
	origin      *url.URL
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithFetcher sets the network used by Populate.
func WithFetcher(f Fetcher) Option {
	return func(s *Store) {
		s.fetcher = f
	}
}

// WithPopulateConcurrency bounds parallel fetches during Populate.
func WithPopulateConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a store over b. Relative URLs are resolved against origin.
func New(b backend.Backend, origin *url.URL, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend:     b,
		codec:       codec,
		origin:      origin,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: defaultPopulateConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cachestore")
	return s, nil
}

// Close releases codec resources. The backend is owned by the caller.
func (s *Store) Close() {
	s.codec.Close()
}

// Origin returns the origin relative URLs are resolved against.
func (s *Store) Origin() *url.URL {
	return s.origin
}

// Key builds the normalized key for a GET of rawURL.
func (s *Store) Key(rawURL string) (offlinecache.RequestKey, error) {
	return offlinecache.NewRequestKey(http.MethodGet, rawURL, s.origin)
}

// Populate fetches every URL and stores the responses in ns. It is
// all-or-nothing: if any fetch fails or returns a non-2xx status nothing is
// written and an error wrapping ErrPopulate is returned.
func (s *Store) Populate(ctx context.Context, ns Namespace, urls []string) error {
	if s.fetcher == nil {
		return fmt.Errorf("%w: no fetcher configured", ErrPopulate)
	}

	keys := make([]offlinecache.RequestKey, len(urls))
	for i, u := range urls {
		key, err := s.Key(u)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPopulate, err)
		}
		keys[i] = key
	}

	entries := make([]backend.Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, key.URL, nil)
			if err != nil {
				return err
			}
			resp, err := s.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", key.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetching %s: unexpected status %d", key.URL, resp.Status)
			}
			resp = resp.Clone()
			resp.StoredAt = s.now()
			data, err := s.codec.Encode(resp)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", key.URL, err)
			}
			entries[i] = backend.Entry{Key: key.String(), Value: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPopulate, ns, err)
	}

	if err := s.backend.PutBatch(ctx, ns.storageName(), entries); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrPopulate, ns, err)
	}

	var size int64
	for _, e := range entries {
		size += int64(len(e.Value))
	}
	telemetry.RecordCacheWrite(ctx, "precache", "success", size)
	s.logger.Info("cache populated", "namespace", ns.String(), "entries", len(entries))
	return nil
}

// Match returns the response stored for key in ns, or ErrNotFound.
// A corrupt entry is deleted and reported as a miss.
func (s *Store) Match(ctx context.Context, ns Namespace, key offlinecache.RequestKey) (*offlinecache.Response, error) {
	return s.match(ctx, ns.storageName(), key)
}

// MatchAny searches namespaces in order and returns the first hit and the
// name of the namespace it came from. With no namespaces every cache
// namespace is searched.
func (s *Store) MatchAny(ctx context.Context, key offlinecache.RequestKey, namespaces ...Namespace) (*offlinecache.Response, string, error) {
	var names []string
	if len(namespaces) == 0 {
		all, err := s.storageNamespaces(ctx)
		if err != nil {
			return nil, "", err
		}
		names = all
	} else {
		for _, ns := range namespaces {
			if ns.IsZero() {
				continue
			}
			names = append(names, ns.storageName())
		}
	}

	for _, name := range names {
		resp, err := s.match(ctx, name, key)
		if err == nil {
			return resp, strings.TrimPrefix(name, NamespacePrefix), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

func (s *Store) match(ctx context.Context, storageName string, key offlinecache.RequestKey) (*offlinecache.Response, error) {
	data, err := s.backend.Get(ctx, storageName, key.String())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	resp, _, err := s.codec.Decode(data)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			s.logger.Warn("dropping corrupt cache entry", "namespace", storageName, "key", key.String(), "error", err)
			if delErr := s.backend.Delete(ctx, storageName, key.String()); delErr != nil {
				s.logger.Error("failed to delete corrupt entry", "key", key.String(), "error", delErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return resp, nil
}

// Put stores resp for key in ns, replacing any previous entry. Only
// same-origin 200 responses are eligible; others return ErrNotCacheable
// and nothing is written.
func (s *Store) Put(ctx context.Context, ns Namespace, key offlinecache.RequestKey, resp *offlinecache.Response) error {
	if !resp.Cacheable() {
		return ErrNotCacheable
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = s.now()
	}
	data, err := s.codec.Encode(stored)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, ns.storageName(), key.String(), data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key in ns. Idempotent.
func (s *Store) Delete(ctx context.Context, ns Namespace, key offlinecache.RequestKey) error {
	return s.deleteRaw(ctx, ns, key.String())
}

func (s *Store) deleteRaw(ctx context.Context, ns Namespace, rawKey string) error {
	if err := s.backend.Delete(ctx, ns.storageName(), rawKey); err != nil {
		return fmt.Errorf("deleting %s: %w", rawKey, err)
	}
	return nil
}

// Keys lists the request keys stored in ns.
func (s *Store) Keys(ctx context.Context, ns Namespace) ([]offlinecache.RequestKey, error) {
	raw, err := s.backend.Keys(ctx, ns.storageName())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}
	keys := make([]offlinecache.RequestKey, 0, len(raw))
	for _, k := range raw {
		key, err := offlinecache.ParseRequestKey(k)
		if err != nil {
			s.logger.Warn("skipping malformed cache key", "namespace", ns.String(), "key", k)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Namespaces lists every cache namespace name, e.g. "loyalty-app-v1".
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	all, err := s.storageNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = strings.TrimPrefix(n, NamespacePrefix)
	}
	return names, nil
}

func (s *Store) storageNamespaces(ctx context.Context) ([]string, error) {
	all, err := s.backend.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	var names []string
	for _, n := range all {
		if strings.HasPrefix(n, NamespacePrefix) {
			names = append(names, n)
		}
	}
	return names, nil
}

// Stat returns the stored header for key in ns without verifying the body.
func (s *Store) Stat(ctx context.Context, ns Namespace, key string) (*EntryHeader, error) {
	data, err := s.backend.Get(ctx, ns.storageName(), key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.codec.DecodeHeader(data)
}

// RawKeys lists the stored key strings of ns without parsing them.
func (s *Store) RawKeys(ctx context.Context, ns Namespace) ([]string, error) {
	return s.backend.Keys(ctx, ns.storageName())
}

// DeleteRaw removes an entry by its stored key string.
func (s *Store) DeleteRaw(ctx context.Context, ns Namespace, key string) error {
	return s.deleteRaw(ctx, ns, key)
}

// Evict drops every cache namespace whose name keep rejects and returns
// the dropped names. Non-cache namespaces are never considered.
func (s *Store) Evict(ctx context.Context, keep func(name string) bool) ([]string, error) {
	names, err := s.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, name := range names {
		if keep(name) {
			continue
		}
		if err := s.backend.DropNamespace(ctx, NamespacePrefix+name); err != nil {
			return dropped, fmt.Errorf("dropping %s: %w", name, err)
		}
		dropped = append(dropped, name)
		s.logger.Info("evicted cache namespace", "namespace", name)
	}
	return dropped, nil
}
