package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeFactories returns a fresh instance of every Store implementation.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"filesystem": func(t *testing.T) Store {
			fs, err := NewFilesystem(filepath.Join(t.TempDir(), "store"))
			require.NoError(t, err)
			return fs
		},
		"bolt": func(t *testing.T) Store {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "cache.db"), WithNoSync(true))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"compressed": func(t *testing.T) Store {
			c, err := NewCompressed(NewMemory())
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
		"instrumented": func(t *testing.T) Store {
			return NewInstrumented(NewMemory(), "memory")
		},
	}
}

func TestStore_Conformance(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("Set and Get round-trip", func(t *testing.T) {
				s := newStore(t)

				key := "content_cache_v1_data/projects.json"
				value := `{"value":[{"id":"p1"}],"storedAt":1700000000000}`
				require.NoError(t, s.Set(ctx, key, value))

				got, err := s.Get(ctx, key)
				require.NoError(t, err)
				require.Equal(t, value, got)
			})

			t.Run("Get returns ErrNotFound for missing key", func(t *testing.T) {
				s := newStore(t)

				_, err := s.Get(ctx, "nonexistent")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("Set overwrites", func(t *testing.T) {
				s := newStore(t)

				require.NoError(t, s.Set(ctx, "k", "first"))
				require.NoError(t, s.Set(ctx, "k", "second"))

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, "second", got)
			})

			t.Run("Remove is idempotent", func(t *testing.T) {
				s := newStore(t)

				require.NoError(t, s.Set(ctx, "k", "v"))
				require.NoError(t, s.Remove(ctx, "k"))
				require.NoError(t, s.Remove(ctx, "k"))

				_, err := s.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ListKeys returns every key", func(t *testing.T) {
				s := newStore(t)

				keys := []string{"a_v1_pages/about.md", "a_v1_data/skills.json", "other"}
				for _, k := range keys {
					require.NoError(t, s.Set(ctx, k, "x"))
				}

				got, err := s.ListKeys(ctx)
				require.NoError(t, err)
				require.ElementsMatch(t, keys, got)
			})

			t.Run("ListKeys on empty store", func(t *testing.T) {
				s := newStore(t)

				got, err := s.ListKeys(ctx)
				require.NoError(t, err)
				require.Empty(t, got)
			})
		})
	}
}

func TestMemory_Quota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithQuota(10))

	require.NoError(t, m.Set(ctx, "ab", "12345678"))
	require.EqualValues(t, 10, m.Size())

	err := m.Set(ctx, "c", "d")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Overwriting with a same-sized value fits.
	require.NoError(t, m.Set(ctx, "ab", "87654321"))

	require.NoError(t, m.Remove(ctx, "ab"))
	require.EqualValues(t, 0, m.Size())
	require.NoError(t, m.Set(ctx, "c", "d"))
}

func TestFilesystem_KeysWithSlashes(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	key := "https://example.com/data/projects.json?v=2"
	require.NoError(t, fs.Set(ctx, key, "[]"))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "[]", got)

	keys, err := fs.ListKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", "v"))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestOpenSQLite_RequiresDSN(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	require.Error(t, err)
}
