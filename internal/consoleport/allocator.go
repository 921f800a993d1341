// Package consoleport hands out console (VNC) ports to simulated VMs.
package consoleport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/simhost/internal/boltstore"
	"github.com/spin-stack/simhost/internal/metrics"
)

// Allocation is the persisted owner of one port.
type Allocation struct {
	Port        int       `json:"port"`
	Owner       string    `json:"owner"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Allocator assigns ports from a fixed range using a bitmap and records each
// assignment in the store so restarts do not hand out a port twice.
type Allocator struct {
	store   boltstore.Store[Allocation]
	metrics metrics.Provider
	min     int
	max     int

	mu     sync.Mutex
	bitmap []uint64
	inUse  int
}

// NewAllocator creates an allocator for ports in [min, max] and loads the
// allocations already present in store.
func NewAllocator(ctx context.Context, store boltstore.Store[Allocation], min, max int, mp metrics.Provider) (*Allocator, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid console port range [%d, %d]: %w", min, max, errdefs.ErrInvalidArgument)
	}
	if mp == nil {
		mp = metrics.NoopProvider{}
	}

	a := &Allocator{
		store:   store,
		metrics: mp,
		min:     min,
		max:     max,
		bitmap:  make([]uint64, (max-min+1+63)/64),
	}

	err := store.Scan(ctx, "", func(_ string, alloc *Allocation) error {
		if alloc.Port < min || alloc.Port > max {
			log.G(ctx).WithField("port", alloc.Port).Warn("ignoring console port allocation outside configured range")
			return nil
		}
		a.mark(alloc.Port)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load console port allocations: %w", err)
	}
	a.metrics.SetConsolePortsInUse(float64(a.inUse))

	log.G(ctx).WithField("min", min).WithField("max", max).WithField("in_use", a.inUse).Debug("console port allocator initialized")
	return a, nil
}

func (a *Allocator) offset(port int) (word, bit int) {
	off := port - a.min
	return off / 64, off % 64
}

func (a *Allocator) isUsed(port int) bool {
	w, b := a.offset(port)
	return a.bitmap[w]&(1<<uint(b)) != 0
}

func (a *Allocator) mark(port int) {
	if a.isUsed(port) {
		return
	}
	w, b := a.offset(port)
	a.bitmap[w] |= 1 << uint(b)
	a.inUse++
}

func (a *Allocator) clear(port int) {
	if !a.isUsed(port) {
		return
	}
	w, b := a.offset(port)
	a.bitmap[w] &^= 1 << uint(b)
	a.inUse--
}

// Allocate reserves the lowest free port for owner. When the range is used
// up the error wraps errdefs.ErrResourceExhausted.
func (a *Allocator) Allocate(ctx context.Context, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port := -1
	for p := a.min; p <= a.max; p++ {
		if !a.isUsed(p) {
			port = p
			break
		}
	}
	if port < 0 {
		return -1, fmt.Errorf("no available console port in range [%d, %d]: %w", a.min, a.max, errdefs.ErrResourceExhausted)
	}

	alloc := &Allocation{Port: port, Owner: owner, AllocatedAt: time.Now()}
	if err := a.store.Set(ctx, key(port), alloc); err != nil {
		return -1, fmt.Errorf("failed to store console port allocation: %w", err)
	}
	a.mark(port)
	a.metrics.SetConsolePortsInUse(float64(a.inUse))
	return port, nil
}

// Release frees port. Releasing a free port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port < a.min || port > a.max {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Delete(ctx, key(port)); err != nil {
		return fmt.Errorf("failed to delete console port allocation: %w", err)
	}
	a.clear(port)
	a.metrics.SetConsolePortsInUse(float64(a.inUse))
	return nil
}

// Prune asks keep about every stored allocation and releases the ones it
// rejects. A port that was released and handed out again while keep ran is
// left alone. The released ports are returned in ascending order.
func (a *Allocator) Prune(ctx context.Context, keep func(ctx context.Context, port int, owner string) (bool, error)) ([]int, error) {
	var allocs []Allocation
	err := a.store.Scan(ctx, "", func(_ string, alloc *Allocation) error {
		allocs = append(allocs, *alloc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list console port allocations: %w", err)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Port < allocs[j].Port })

	var released []int
	for _, alloc := range allocs {
		ok, err := keep(ctx, alloc.Port, alloc.Owner)
		if err != nil {
			return released, err
		}
		if ok {
			continue
		}
		freed, err := a.releaseIfOwned(ctx, alloc)
		if err != nil {
			return released, err
		}
		if freed {
			released = append(released, alloc.Port)
		}
	}

	if len(released) > 0 {
		log.G(ctx).WithField("ports", released).Info("released orphaned console ports")
	}
	return released, nil
}

func (a *Allocator) releaseIfOwned(ctx context.Context, want Allocation) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.store.Get(ctx, key(want.Port))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read console port allocation: %w", err)
	}
	if cur.Owner != want.Owner || !cur.AllocatedAt.Equal(want.AllocatedAt) {
		return false, nil
	}
	if err := a.store.Delete(ctx, key(want.Port)); err != nil {
		return false, fmt.Errorf("failed to delete console port allocation: %w", err)
	}
	if want.Port >= a.min && want.Port <= a.max {
		a.clear(want.Port)
	}
	a.metrics.SetConsolePortsInUse(float64(a.inUse))
	return true, nil
}

// InUse returns the number of allocated ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func key(port int) string {
	return strconv.Itoa(port)
}
