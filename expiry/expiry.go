package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Config holds expiration configuration.
type Config struct {
	// TTL is the maximum age of a dynamic entry since it was stored.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxEntries caps the number of dynamic entries. Oldest entries are
	// removed first. Zero means no limit.
	MaxEntries int

	// MaxSize is the maximum total body size of dynamic entries in bytes.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	// Default is 10 minutes.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		MaxEntries:    500,
		MaxSize:       50 * 1024 * 1024, // 50 MB
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Target returns the namespace to bound, false when there is none yet.
type Target func() (cachestore.Namespace, bool)

// Manager removes expired and excess entries from the dynamic namespace.
// Precache namespaces are never touched.
type Manager struct {
	config Config
	store  Store
	target Target
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(store Store, target Target, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		store:  store,
		target: target,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	TTLExpired int
	Evicted    int
	Corrupt    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Deleted is the total number of entries removed.
func (r *ExpireResult) Deleted() int {
	return r.TTLExpired + r.Evicted + r.Corrupt
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	ns, ok := m.target()
	if !ok || ns.IsZero() {
		m.logger.Debug("no dynamic namespace, skipping expiration")
		return result
	}

	m.logger.Debug("starting expiration check", "namespace", ns.String())

	listed, err := list(ctx, m.store, ns)
	if err != nil {
		m.logger.Error("failed to list entries", "namespace", ns.String(), "error", err)
		result.Errors++
		return result
	}

	// Unreadable headers can never be served, drop them first.
	for _, key := range listed.corrupt {
		if err := m.store.DeleteRaw(ctx, ns, key); err != nil {
			result.Errors++
			continue
		}
		result.Corrupt++
	}

	entries := listed.entries

	// Phase 1: TTL expiration
	if m.config.TTL > 0 {
		ttlResult := m.expireByTTL(ctx, ns, entries)
		result.TTLExpired = ttlResult.expired
		result.BytesFreed += ttlResult.bytesFreed
		result.Errors += ttlResult.errors

		// Remove expired entries from list for the bound phase
		entries = ttlResult.remaining
	}

	// Phase 2: oldest-first eviction while over a bound
	if m.config.MaxSize > 0 || m.config.MaxEntries > 0 {
		boundResult := m.evictOldest(ctx, ns, entries)
		result.Evicted = boundResult.evicted
		result.BytesFreed += boundResult.bytesFreed
		result.Errors += boundResult.errors
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordExpiryCycle(ctx, result.Deleted(), result.Duration)

	if result.Deleted() > 0 {
		m.logger.Info("expiration complete",
			"namespace", ns.String(),
			"ttl_expired", result.TTLExpired,
			"evicted", result.Evicted,
			"corrupt", result.Corrupt,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire", "namespace", ns.String())
	}

	return result
}

type ttlResult struct {
	expired    int
	bytesFreed int64
	errors     int
	remaining  []*EntryMetadata
}

func (m *Manager) expireByTTL(ctx context.Context, ns cachestore.Namespace, entries []*EntryMetadata) ttlResult {
	result := ttlResult{}
	cutoff := m.now().Add(-m.config.TTL)

	for _, meta := range entries {
		if !meta.StoredAt.Before(cutoff) {
			result.remaining = append(result.remaining, meta)
			continue
		}
		if err := m.store.DeleteRaw(ctx, ns, meta.Key); err != nil {
			m.logger.Warn("failed to delete expired entry", "key", meta.Key, "error", err)
			result.errors++
			result.remaining = append(result.remaining, meta)
			continue
		}
		result.expired++
		result.bytesFreed += meta.Size
		m.logger.Debug("expired entry by TTL",
			"key", meta.Key,
			"stored_at", meta.StoredAt,
			"age", m.now().Sub(meta.StoredAt),
		)
	}

	return result
}

type boundResult struct {
	evicted    int
	bytesFreed int64
	errors     int
}

func (m *Manager) overBound(count int, size int64) bool {
	if m.config.MaxEntries > 0 && count > m.config.MaxEntries {
		return true
	}
	return m.config.MaxSize > 0 && size > m.config.MaxSize
}

func (m *Manager) evictOldest(ctx context.Context, ns cachestore.Namespace, entries []*EntryMetadata) boundResult {
	result := boundResult{}

	count := len(entries)
	var totalSize int64
	for _, meta := range entries {
		totalSize += meta.Size
	}

	if !m.overBound(count, totalSize) {
		return result
	}

	// Oldest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})

	for _, meta := range entries {
		if !m.overBound(count, totalSize) {
			break
		}

		if err := m.store.DeleteRaw(ctx, ns, meta.Key); err != nil {
			m.logger.Warn("failed to evict entry", "key", meta.Key, "error", err)
			result.errors++
			continue
		}

		result.evicted++
		result.bytesFreed += meta.Size
		count--
		totalSize -= meta.Size

		m.logger.Debug("evicted entry",
			"key", meta.Key,
			"stored_at", meta.StoredAt,
			"size", meta.Size,
		)
	}

	return result
}

// ForceExpire immediately removes dynamic entries older than olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	result := &ExpireResult{}
	start := m.now()

	ns, ok := m.target()
	if !ok || ns.IsZero() {
		return result
	}

	listed, err := list(ctx, m.store, ns)
	if err != nil {
		result.Errors++
		return result
	}

	cutoff := m.now().Add(-olderThan)
	for _, meta := range listed.entries {
		if meta.StoredAt.Before(cutoff) {
			if err := m.store.DeleteRaw(ctx, ns, meta.Key); err != nil {
				result.Errors++
				continue
			}
			result.TTLExpired++
			result.BytesFreed += meta.Size
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordExpiryCycle(ctx, result.Deleted(), result.Duration)
	return result
}

// GetStats returns statistics for the current dynamic namespace. It
// returns empty stats when there is no dynamic namespace.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	ns, ok := m.target()
	if !ok || ns.IsZero() {
		return &Stats{}, nil
	}
	listed, err := list(ctx, m.store, ns)
	if err != nil {
		return nil, err
	}
	return statsFor(ns, listed.entries), nil
}
