package consoleport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/simhost/internal/boltstore"
)

func TestNewAllocator_InvalidRange(t *testing.T) {
	ctx := context.Background()
	store := boltstore.NewInMemoryStore[Allocation]()

	_, err := NewAllocator(ctx, store, 10, 5, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = NewAllocator(ctx, store, -1, 5, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestAllocate_LowestFreeAndExhaustion(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, boltstore.NewInMemoryStore[Allocation](), 5900, 5902, nil)
	require.NoError(t, err)

	for _, want := range []int{5900, 5901, 5902} {
		got, err := a.Allocate(ctx, "vm")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	port, err := a.Allocate(ctx, "vm")
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Negative(t, port)

	require.NoError(t, a.Release(ctx, 5901))
	got, err := a.Allocate(ctx, "vm")
	require.NoError(t, err)
	assert.Equal(t, 5901, got)
	assert.Equal(t, 3, a.InUse())
}

func TestAllocate_ReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ports.db")

	store, err := boltstore.NewBoltStore[Allocation](dbPath, "console_ports")
	require.NoError(t, err)
	a, err := NewAllocator(ctx, store, 100, 200, nil)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "i-1")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "i-2")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = boltstore.NewBoltStore[Allocation](dbPath, "console_ports")
	require.NoError(t, err)
	defer store.Close()
	a, err = NewAllocator(ctx, store, 100, 200, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.InUse())

	port, err := a.Allocate(ctx, "i-3")
	require.NoError(t, err)
	assert.Equal(t, 102, port)
}

type failingSetStore struct {
	boltstore.Store[Allocation]
}

func (failingSetStore) Set(context.Context, string, *Allocation) error {
	return errors.New("disk full")
}

func TestAllocate_StoreFailureLeavesPortFree(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, failingSetStore{boltstore.NewInMemoryStore[Allocation]()}, 1, 2, nil)
	require.NoError(t, err)

	_, err = a.Allocate(ctx, "vm")
	require.Error(t, err)
	assert.False(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, 0, a.InUse())
}

func TestAllocate_Concurrent(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, boltstore.NewInMemoryStore[Allocation](), 0, 199, nil)
	require.NoError(t, err)

	const workers = 100
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = make(map[int]bool)
		dupes int
	)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			port, err := a.Allocate(ctx, "vm")
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			if seen[port] {
				dupes++
			}
			seen[port] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, dupes)
	assert.Len(t, seen, workers)
}

func TestPrune_ReleasesRejectedAllocations(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, boltstore.NewInMemoryStore[Allocation](), 5900, 5909, nil)
	require.NoError(t, err)
	for _, owner := range []string{"i-1", "i-2", "i-3"} {
		_, err := a.Allocate(ctx, owner)
		require.NoError(t, err)
	}

	released, err := a.Prune(ctx, func(_ context.Context, _ int, owner string) (bool, error) {
		return owner == "i-2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5900, 5902}, released)
	assert.Equal(t, 1, a.InUse())

	got, err := a.Allocate(ctx, "i-4")
	require.NoError(t, err)
	assert.Equal(t, 5900, got)
}

func TestPrune_LeavesReassignedPort(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, boltstore.NewInMemoryStore[Allocation](), 5900, 5900, nil)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "i-old")
	require.NoError(t, err)

	released, err := a.Prune(ctx, func(ctx context.Context, port int, _ string) (bool, error) {
		// The port changes hands before the verdict is applied.
		require.NoError(t, a.Release(ctx, port))
		_, err := a.Allocate(ctx, "i-new")
		require.NoError(t, err)
		return false, nil
	})
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Equal(t, 1, a.InUse())
}

func TestPrune_KeepError(t *testing.T) {
	ctx := context.Background()
	a, err := NewAllocator(ctx, boltstore.NewInMemoryStore[Allocation](), 5900, 5909, nil)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "i-1")
	require.NoError(t, err)

	boom := errors.New("lookup failed")
	_, err = a.Prune(ctx, func(context.Context, int, string) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.InUse())
}
