package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/content-loader/backend"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// flakyStore wraps a Memory store and fails selected operations.
type flakyStore struct {
	*backend.Memory
	failGet    bool
	failSet    bool
	failList   bool
	failRemove bool
}

var errUnavailable = errors.New("storage unavailable")

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if f.failGet {
		return "", errUnavailable
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	if f.failSet {
		return errUnavailable
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *flakyStore) Remove(ctx context.Context, key string) error {
	if f.failRemove {
		return errUnavailable
	}
	return f.Memory.Remove(ctx, key)
}

func (f *flakyStore) ListKeys(ctx context.Context) ([]string, error) {
	if f.failList {
		return nil, errUnavailable
	}
	return f.Memory.ListKeys(ctx)
}

func newTestCache(t *testing.T, store backend.Store, opts ...Option) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithNow(clock.Now)}, opts...)
	return New(store, opts...), clock
}

func TestCache_SetAndGet(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, clock := newTestCache(t, store)

	value := []any{map[string]any{"id": "p1"}}
	c.Set(ctx, "data/projects.json", value)

	got, ok := c.Get(ctx, "data/projects.json")
	require.True(t, ok)
	assert.Equal(t, value, got)

	raw, err := store.Get(ctx, "content_cache_v1_data/projects.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":[{"id":"p1"}],"storedAt":1700000000000}`, raw)

	e, ok := c.Lookup(ctx, "data/projects.json")
	require.True(t, ok)
	assert.Equal(t, clock.Now().UnixMilli(), e.StoredAt)
}

func TestCache_GetMissing(t *testing.T) {
	c, _ := newTestCache(t, backend.NewMemory())

	got, ok := c.Get(context.Background(), "pages/about.md")
	require.False(t, ok)
	require.Nil(t, got)
}

func TestCache_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, backend.NewMemory())

	c.Set(ctx, "k", "first")
	clock.Advance(time.Minute)
	c.Set(ctx, "k", "second")

	e, ok := c.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "second", e.Value)
	assert.Equal(t, clock.Now().UnixMilli(), e.StoredAt)
	assert.Equal(t, 1, c.Len())
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, clock := newTestCache(t, store)

	c.Set(ctx, "k", "v")

	clock.Advance(DefaultTTL - time.Millisecond)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	clock.Advance(2 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	// Evicted from both tiers.
	assert.Equal(t, 0, c.Len())
	_, err := store.Get(ctx, c.PersistentKey("k"))
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestCache_ExpiresExactlyAtTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil, WithTTL(time.Second))

	c.Set(ctx, "k", "v")
	clock.Advance(time.Second)

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
}

func TestCache_TwoTierFallback(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, backend.NewMemory())

	c.Set(ctx, "pages/about.md", "# About")
	c.ClearMemory()
	require.Equal(t, 0, c.Len())

	got, ok := c.Get(ctx, "pages/about.md")
	require.True(t, ok)
	require.Equal(t, "# About", got)

	// Rehydrated into the memory tier.
	require.Equal(t, 1, c.Len())
}

func TestCache_RehydrateKeepsStoredAt(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, clock := newTestCache(t, store)

	c.Set(ctx, "k", "v")
	written := clock.Now().UnixMilli()
	c.ClearMemory()

	clock.Advance(4 * time.Minute)
	e, ok := c.Lookup(ctx, "k")
	require.True(t, ok)
	require.Equal(t, written, e.StoredAt)

	// The rehydrated copy still expires on the original schedule.
	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestCache_PersistentSurvivesNewInstance(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	clock := newFakeClock()

	first := New(store, WithNow(clock.Now))
	first.Set(ctx, "data/skills.json", map[string]any{"go": true})

	second := New(store, WithNow(clock.Now))
	got, ok := second.Get(ctx, "data/skills.json")
	require.True(t, ok)
	require.Equal(t, map[string]any{"go": true}, got)
}

func TestCache_VersionIsolation(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	clock := newFakeClock()

	v1 := New(store, WithNow(clock.Now), WithVersion("v1"))
	v1.Set(ctx, "k", "old format")

	v2 := New(store, WithNow(clock.Now), WithVersion("v2"))
	_, ok := v2.Get(ctx, "k")
	require.False(t, ok)

	// The v1 record is untouched.
	_, err := store.Get(ctx, "content_cache_v1_k")
	require.NoError(t, err)
}

func TestCache_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()

	a := New(store, WithNamespace("site_a"))
	b := New(store, WithNamespace("site_b"))
	a.Set(ctx, "k", "a")

	_, ok := b.Get(ctx, "k")
	require.False(t, ok)

	b.ClearAll(ctx)
	_, err := store.Get(ctx, "site_a_v1_k")
	require.NoError(t, err)
}

func TestCache_ClearAll(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, _ := newTestCache(t, store)

	require.NoError(t, store.Set(ctx, "unrelated", "keep me"))
	require.NoError(t, store.Set(ctx, "content_cache_v0_legacy", "{}"))

	c.Set(ctx, "k1", "v1")
	c.Set(ctx, "k2", "v2")

	c.ClearAll(ctx)

	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)
	_, ok = c.Get(ctx, "k2")
	require.False(t, ok)

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"unrelated"}, keys)
}

func TestCache_Delete(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, _ := newTestCache(t, store)

	c.Set(ctx, "k", "v")
	c.Delete(ctx, "k")

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCache_CorruptRecordIsEvicted(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, _ := newTestCache(t, store)

	tests := []string{
		`not json`,
		`{"value":"x"}`,
		`{"storedAt":1700000000000}`,
		`["value", 1]`,
	}
	for _, data := range tests {
		require.NoError(t, store.Set(ctx, c.PersistentKey("k"), data))

		_, ok := c.Get(ctx, "k")
		require.False(t, ok, data)

		_, err := store.Get(ctx, c.PersistentKey("k"))
		require.ErrorIs(t, err, backend.ErrNotFound, data)
	}
}

func TestCache_PersistentReadFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: backend.NewMemory()}
	c, _ := newTestCache(t, store)

	c.Set(ctx, "k", "v")
	c.ClearMemory()
	store.failGet = true

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)

	// The record is left alone for a later healthy read.
	store.failGet = false
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)
}

func TestCache_PersistentWriteFailureKeepsMemoryTier(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: backend.NewMemory(), failSet: true}
	c, _ := newTestCache(t, store)

	c.Set(ctx, "k", "v")

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	keys, err := store.Memory.ListKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCache_QuotaExceededIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory(backend.WithQuota(64))
	c, _ := newTestCache(t, store)

	big := make([]any, 100)
	for i := range big {
		big[i] = "entry"
	}
	c.Set(ctx, "big", big)

	got, ok := c.Get(ctx, "big")
	require.True(t, ok)
	require.Len(t, got, 100)
}

func TestCache_UnencodableValueStaysInMemory(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	c, _ := newTestCache(t, store)

	ch := make(chan int)
	c.Set(ctx, "k", ch)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, ch, got)

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCache_ClearAllIgnoresStoreFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: backend.NewMemory()}
	c, _ := newTestCache(t, store)

	c.Set(ctx, "k", "v")

	store.failList = true
	c.ClearAll(ctx)
	require.Equal(t, 0, c.Len())

	store.failList = false
	store.failRemove = true
	c.ClearAll(ctx)

	keys, err := store.Memory.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestCache_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, nil)

	c.Set(ctx, "k", "v")
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", got)

	c.ClearMemory()
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	c.Set(ctx, "k", "v")
	clock.Advance(DefaultTTL)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	c.ClearAll(ctx)
	c.Delete(ctx, "k")
}

func TestCache_Accessors(t *testing.T) {
	c := New(nil, WithNamespace("site"), WithVersion("v9"), WithTTL(time.Minute))

	assert.Equal(t, time.Minute, c.TTL())
	assert.Equal(t, "v9", c.Version())
	assert.Equal(t, "site_v9_data/projects.json", c.PersistentKey("data/projects.json"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, backend.NewMemory())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(ctx, "shared", i)
			_, _ = c.Get(ctx, "shared")
		}(i)
	}
	wg.Wait()

	_, ok := c.Get(ctx, "shared")
	require.True(t, ok)
}

func TestEntry_LiveAndAge(t *testing.T) {
	now := time.UnixMilli(10_000)
	e := Entry{StoredAt: 4_000}

	assert.True(t, e.Live(now, 7*time.Second))
	assert.False(t, e.Live(now, 6*time.Second))
	assert.Equal(t, 6*time.Second, e.Age(now))
}
