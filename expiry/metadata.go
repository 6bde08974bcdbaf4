// Package expiry bounds the dynamic cache by age, entry count and size.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/offline-cache/cachestore"
)

// EntryMetadata describes one stored entry.
type EntryMetadata struct {
	Key      string
	Size     int64
	StoredAt time.Time
}

// Stats summarizes a dynamic namespace.
type Stats struct {
	Namespace  string
	TotalItems int64
	TotalSize  int64
	OldestItem time.Time
	NewestItem time.Time
}

// Store is the part of the cache store expiry reads and deletes through.
type Store interface {
	RawKeys(ctx context.Context, ns cachestore.Namespace) ([]string, error)
	Stat(ctx context.Context, ns cachestore.Namespace, key string) (*cachestore.EntryHeader, error)
	DeleteRaw(ctx context.Context, ns cachestore.Namespace, key string) error
}

// listResult holds readable entries plus keys whose headers could not be
// decoded.
type listResult struct {
	entries []*EntryMetadata
	corrupt []string
}

// list reads the header of every entry in ns. Entries removed while
// listing are skipped.
func list(ctx context.Context, s Store, ns cachestore.Namespace) (*listResult, error) {
	keys, err := s.RawKeys(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}

	res := &listResult{entries: make([]*EntryMetadata, 0, len(keys))}
	for _, key := range keys {
		hdr, err := s.Stat(ctx, ns, key)
		if err != nil {
			if errors.Is(err, cachestore.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.corrupt = append(res.corrupt, key)
			continue
		}
		res.entries = append(res.entries, &EntryMetadata{
			Key:      key,
			Size:     hdr.Size,
			StoredAt: hdr.StoredAt,
		})
	}
	return res, nil
}

func statsFor(ns cachestore.Namespace, entries []*EntryMetadata) *Stats {
	stats := &Stats{Namespace: ns.String()}
	for _, e := range entries {
		stats.TotalItems++
		stats.TotalSize += e.Size
		if stats.OldestItem.IsZero() || e.StoredAt.Before(stats.OldestItem) {
			stats.OldestItem = e.StoredAt
		}
		if e.StoredAt.After(stats.NewestItem) {
			stats.NewestItem = e.StoredAt
		}
	}
	return stats
}
