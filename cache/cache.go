// Package cache provides a two-tier resource cache: an in-process map in front of a
// persistent backend.Store, both bounded by a fixed TTL.
//
// Persistent records are namespaced as <namespace>_<version>_<key> so bumping the
// version invalidates everything written by an older cache format. The persistent tier
// is best-effort: read and write failures are logged and treated as misses, never
// returned to the caller.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/content-loader/backend"
	"github.com/wolfeidau/content-loader/telemetry"
)

const (
	// DefaultNamespace prefixes every persistent key.
	DefaultNamespace = "content_cache"

	// DefaultVersion is the cache format version embedded in persistent keys.
	DefaultVersion = "v1"

	// DefaultTTL is how long an entry stays live after it is written.
	DefaultTTL = 5 * time.Minute
)

const (
	tierMemory     = "memory"
	tierPersistent = "persistent"
)

// Cache is a TTL-bounded key-value cache with a fast in-memory tier and an optional
// persistent tier. It is safe for concurrent use; concurrent writes to the same key
// are last-writer-wins.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry

	store     backend.Store
	namespace string
	version   string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace sets the persistent key namespace.
func WithNamespace(namespace string) Option {
	return func(c *Cache) {
		c.namespace = namespace
	}
}

// WithVersion sets the cache format version.
func WithVersion(version string) Option {
	return func(c *Cache) {
		c.version = version
	}
}

// WithTTL sets the entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache backed by store. A nil store gives a memory-only cache.
func New(store backend.Store, opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]Entry),
		store:     store,
		namespace: DefaultNamespace,
		version:   DefaultVersion,
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Version returns the configured cache format version.
func (c *Cache) Version() string {
	return c.version
}

// PersistentKey returns the namespaced key used for key in the persistent tier.
func (c *Cache) PersistentKey(key string) string {
	return c.versionPrefix() + key
}

func (c *Cache) namespacePrefix() string {
	return c.namespace + "_"
}

func (c *Cache) versionPrefix() string {
	return c.namespace + "_" + c.version + "_"
}

// Get returns the live value cached for key.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	e, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup returns the live entry cached for key, checking the memory tier first and
// then the persistent tier. Expired entries are evicted from the tier they were
// found in. A persistent hit is copied into the memory tier.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.Live(now, c.ttl) {
		c.mu.Unlock()
		telemetry.RecordCacheLookup(ctx, tierMemory, "hit")
		c.logger.Debug("cache hit", "key", key, "tier", tierMemory)
		return e, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		telemetry.RecordCacheLookup(ctx, tierMemory, "expired")
		c.logger.Debug("cache entry expired", "key", key, "tier", tierMemory)
	} else {
		telemetry.RecordCacheLookup(ctx, tierMemory, "miss")
	}

	e, ok = c.lookupPersistent(ctx, key, now)
	if !ok {
		c.logger.Debug("cache miss", "key", key)
		return Entry{}, false
	}

	c.mu.Lock()
	// Don't clobber a newer write that landed while we were reading the store.
	if cur, exists := c.entries[key]; !exists || cur.StoredAt <= e.StoredAt {
		c.entries[key] = e
	}
	c.mu.Unlock()

	c.logger.Debug("cache hit", "key", key, "tier", tierPersistent)
	return e, true
}

func (c *Cache) lookupPersistent(ctx context.Context, key string, now time.Time) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}

	pkey := c.PersistentKey(key)
	data, err := c.store.Get(ctx, pkey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			telemetry.RecordCacheLookup(ctx, tierPersistent, "miss")
		} else {
			telemetry.RecordCacheLookup(ctx, tierPersistent, "error")
			c.logger.Debug("persistent read failed", "key", key, "error", err)
		}
		return Entry{}, false
	}

	e, err := decodeEntry(data)
	if err != nil {
		telemetry.RecordCacheLookup(ctx, tierPersistent, "error")
		c.logger.Debug("discarding unreadable record", "key", key, "error", err)
		c.discard(ctx, pkey)
		return Entry{}, false
	}

	if !e.Live(now, c.ttl) {
		telemetry.RecordCacheLookup(ctx, tierPersistent, "expired")
		c.logger.Debug("cache entry expired", "key", key, "tier", tierPersistent)
		c.discard(ctx, pkey)
		return Entry{}, false
	}

	telemetry.RecordCacheLookup(ctx, tierPersistent, "hit")
	return e, true
}

// Set stores value for key in both tiers with the current time.
// The memory tier write always succeeds; a failed persistent write is logged and
// dropped, leaving the memory tier authoritative for the rest of the process.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	e := Entry{Value: value, StoredAt: c.now().UnixMilli()}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	telemetry.RecordCacheWrite(ctx, tierMemory, "success")

	if c.store == nil {
		return
	}

	// Best-effort by contract: the error stops here.
	if err := c.persist(ctx, key, e); err != nil {
		telemetry.RecordCacheWrite(ctx, tierPersistent, "error")
		c.logger.Warn("persistent write failed", "key", key, "error", err)
		return
	}
	telemetry.RecordCacheWrite(ctx, tierPersistent, "success")
}

func (c *Cache) persist(ctx context.Context, key string, e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.PersistentKey(key), data)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.store != nil {
		c.discard(ctx, c.PersistentKey(key))
	}
}

// ClearMemory empties the memory tier only, as a process restart would.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// ClearAll empties the memory tier and removes every persistent key in this cache's
// namespace, including keys written under other versions. Store failures are logged
// and otherwise ignored.
func (c *Cache) ClearAll(ctx context.Context) {
	c.ClearMemory()

	if c.store == nil {
		return
	}

	keys, err := c.store.ListKeys(ctx)
	if err != nil {
		c.logger.Warn("listing persistent keys failed", "error", err)
		return
	}

	prefix := c.namespacePrefix()
	removed := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := c.store.Remove(ctx, k); err != nil {
			c.logger.Debug("removing persistent key failed", "key", k, "error", err)
			continue
		}
		removed++
	}

	c.logger.Info("cache cleared", "namespace", c.namespace, "removed", removed)
}

// Len returns the number of entries in the memory tier, live or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) discard(ctx context.Context, pkey string) {
	if err := c.store.Remove(ctx, pkey); err != nil {
		c.logger.Debug("removing persistent record failed", "key", pkey, "error", err)
	}
}
