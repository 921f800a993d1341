package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newStores(t *testing.T) map[string]Store[testRecord] {
	t.Helper()

	bs, err := NewBoltStore[testRecord](filepath.Join(t.TempDir(), "test.db"), "records")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]Store[testRecord]{
		"bolt":   bs,
		"memory": NewInMemoryStore[testRecord](),
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.True(t, errdefs.IsNotFound(err))

			require.NoError(t, s.Set(ctx, "a", &testRecord{Name: "a", Count: 1}))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "a", got.Name)
			assert.Equal(t, 1, got.Count)

			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ScanPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"vm/a", "vm/b", "host/x"} {
				require.NoError(t, s.Set(ctx, k, &testRecord{Name: k}))
			}

			var keys []string
			err := s.Scan(ctx, "vm/", func(key string, v *testRecord) error {
				keys = append(keys, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"vm/a", "vm/b"}, keys)
		})
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Update(ctx, "k", func(cur *testRecord) (*testRecord, error) {
				assert.Nil(t, cur)
				return &testRecord{Name: "k", Count: 1}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, got.Count)

			got, err = s.Update(ctx, "k", func(cur *testRecord) (*testRecord, error) {
				require.NotNil(t, cur)
				cur.Count++
				return cur, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, got.Count)
		})
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "k", &testRecord{Name: "k", Count: 5}))

			_, err := s.Update(ctx, "k", func(cur *testRecord) (*testRecord, error) {
				cur.Count = 99
				return nil, boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, 5, got.Count)
		})
	}
}

func TestStore_UpdateNilDeletes(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "k", &testRecord{Name: "k"}))
			_, err := s.Update(ctx, "k", func(*testRecord) (*testRecord, error) { return nil, nil })
			require.NoError(t, err)

			_, err = s.Get(ctx, "k")
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestStore_NextID(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.NextID(ctx)
			require.NoError(t, err)
			second, err := s.NextID(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first)
			assert.Equal(t, uint64(2), second)
		})
	}
}

func TestBoltStore_SharedConnection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewBoltStore[testRecord](dbPath, "a")
	require.NoError(t, err)
	b, err := NewBoltStore[testRecord](dbPath, "b")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k", &testRecord{Name: "from-a"}))
	_, err = b.Get(ctx, "k")
	assert.True(t, errdefs.IsNotFound(err), "buckets must be isolated")

	require.NoError(t, a.Close())
	// b still holds a reference and must keep working.
	require.NoError(t, b.Set(ctx, "k", &testRecord{Name: "from-b"}))
	require.NoError(t, b.Close())

	dbMu.Lock()
	_, open := sharedDBs[dbPath]
	dbMu.Unlock()
	assert.False(t, open)
}
