// Package buffer provides the fixed-slot buffer arena and the element queues
// built on it.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"

	"github.com/savid/playcore/internal/types"
)

// ReservedSlots is the number of slots only AllocReserve may hand out.
const ReservedSlots = 2

// Arena is one pre-allocated block sliced into equal slots. Free slots are
// tracked as address-sorted runs so that multi-slot elements can be carved
// out without a general allocator.
type Arena struct {
	mu   sync.Mutex
	cond *sync.Cond
	runs freeList
	free int

	_         cpu.CacheLinePad
	freeCount atomic.Int64 // mirror of free for lock-free readers

	block    []byte
	elems    []Element
	slotSize int
	capacity int
	logger   *logrus.Entry
}

// NewArena allocates an arena with the given geometry. The whole arena starts
// as a single free run.
func NewArena(cfg types.ArenaConfig, logger *logrus.Logger) (*Arena, error) {
	if cfg.Slots <= ReservedSlots || cfg.SlotSize <= 0 {
		return nil, fmt.Errorf("%w: %d slots of %d bytes", ErrInvalidArena, cfg.Slots, cfg.SlotSize)
	}

	a := &Arena{
		block:    alignedBlock(cfg.Slots * cfg.SlotSize),
		elems:    make([]Element, cfg.Slots),
		slotSize: cfg.SlotSize,
		capacity: cfg.Slots,
		runs:     freeList{{start: 0, n: cfg.Slots}},
		free:     cfg.Slots,
		logger: logger.WithFields(logrus.Fields{
			"slots":     cfg.Slots,
			"slot_size": cfg.SlotSize,
		}),
	}
	a.cond = sync.NewCond(&a.mu)
	a.freeCount.Store(int64(cfg.Slots))
	for i := range a.elems {
		a.elems[i].start = i
		a.elems[i].arena = a
	}
	return a, nil
}

// alignedBlock returns size bytes starting on a cache line boundary.
func alignedBlock(size int) []byte {
	align := int(unsafe.Sizeof(cpu.CacheLinePad{}))
	if align < 8 {
		align = 8
	}
	raw := make([]byte, size+align)
	pad := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		pad = align - rem
	}
	return raw[pad : pad+size : pad+size]
}

// Capacity returns the number of slots.
func (a *Arena) Capacity() int { return a.capacity }

// SlotSize returns the slot size in bytes.
func (a *Arena) SlotSize() int { return a.slotSize }

// FreeSlots returns the current free slot count without taking the lock.
func (a *Arena) FreeSlots() int { return int(a.freeCount.Load()) }

// MergeLimit is the largest run, in slots, that queue merging and Grow may build.
func (a *Arena) MergeLimit() int { return max(1, a.capacity/8) }

// SizedLimit is the largest run, in slots, a single AllocSized call returns.
func (a *Arena) SizedLimit() int { return max(1, a.capacity/4) }

// AllocOne takes one slot from the head free run, blocking while only the
// reserve is left.
func (a *Arena) AllocOne(ctx context.Context) (*Element, error) {
	return a.allocOne(ctx, ReservedSlots)
}

// AllocReserve is AllocOne for control paths: it may use the reserved slots.
func (a *Arena) AllocReserve(ctx context.Context) (*Element, error) {
	return a.allocOne(ctx, 0)
}

func (a *Arena) allocOne(ctx context.Context, keep int) (*Element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.wait(ctx, func() bool { return a.free > keep }); err != nil {
		return nil, err
	}
	return a.checkout(0, 1), nil
}

// TryAllocOne is AllocOne without blocking.
func (a *Arena) TryAllocOne() (*Element, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free <= ReservedSlots {
		return nil, false
	}
	return a.checkout(0, 1), true
}

// SlotsFor returns the run length AllocSized takes for size bytes.
func (a *Arena) SlotsFor(size int) int {
	n := (size + a.slotSize - 1) / a.slotSize
	return min(max(n, 1), a.SizedLimit())
}

// CanAlloc reports whether a run of n slots is available outside the
// reserve, that is whether an allocation of n slots would return without
// blocking right now.
func (a *Arena) CanAlloc(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free-n >= ReservedSlots && a.runs.fit(n) >= 0
}

// AllocSized returns one element able to hold size bytes. Requests larger
// than a quarter of the arena are clamped; callers must check Cap.
func (a *Arena) AllocSized(ctx context.Context, size int) (*Element, error) {
	n := a.SlotsFor(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	err := a.wait(ctx, func() bool {
		if a.free-n < ReservedSlots {
			return false
		}
		idx = a.runs.fit(n)
		return idx >= 0
	})
	if err != nil {
		return nil, err
	}
	return a.checkout(idx, n), nil
}

// Grow extends e in place by absorbing the free run that directly follows it.
// It reports false when that run is missing or too small, when the result
// would exceed MergeLimit, or when it would eat into the reserve; the caller
// then falls back to AllocSized and a copy.
func (a *Arena) Grow(e *Element, size int) bool {
	if e.arena != a {
		return false
	}
	need := (size + a.slotSize - 1) / a.slotSize
	if need <= e.run {
		return true
	}
	if need > a.MergeLimit() {
		return false
	}
	extra := need - e.run

	a.mu.Lock()
	defer a.mu.Unlock()

	if e.run == 0 {
		return false
	}
	next := e.start + e.run
	i := a.runs.search(next)
	if i == len(a.runs) || a.runs[i].start != next || a.runs[i].n < extra {
		return false
	}
	if a.free-extra < ReservedSlots {
		return false
	}
	a.runs.take(i, extra)
	a.setFree(a.free - extra)
	e.run = need
	off := e.offset()
	e.data = a.block[off : off+len(e.data) : off+need*a.slotSize]
	return true
}

// Free returns the slots of e to the free list, merging with adjacent runs,
// and wakes blocked allocators.
func (a *Arena) Free(e *Element) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.arena != a || e.run <= 0 || e.start+e.run > a.capacity {
		a.corrupt("free of element not checked out", logrus.Fields{
			"start": e.start,
			"run":   e.run,
		})
	}
	start, n := e.start, e.run
	if err := a.runs.insert(start, n); err != nil {
		a.corrupt(err.Error(), logrus.Fields{"start": start, "run": n})
	}
	if a.free+n > a.capacity {
		a.corrupt("free count exceeds capacity", logrus.Fields{"free": a.free + n})
	}

	e.run = 0
	e.data = nil
	e.next = nil
	a.setFree(a.free + n)
	a.cond.Broadcast()
}

// Stats returns a snapshot of the free-run list.
func (a *Arena) Stats() types.ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return types.ArenaStats{
		Capacity:   a.capacity,
		SlotSize:   a.slotSize,
		FreeSlots:  a.free,
		FreeRuns:   len(a.runs),
		LargestRun: a.runs.largest(),
	}
}

// checkout removes n slots from run i and returns the element header for them.
// The caller holds a.mu.
func (a *Arena) checkout(i, n int) *Element {
	start := a.runs.take(i, n)
	a.setFree(a.free - n)

	e := &a.elems[start]
	e.reset()
	e.run = n
	off := start * a.slotSize
	e.data = a.block[off:off:off+n*a.slotSize]
	return e
}

// wait blocks on the arena condition until ready holds or ctx is done. The
// caller holds a.mu; it is still held on return.
func (a *Arena) wait(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	return nil
}

func (a *Arena) setFree(n int) {
	a.free = n
	a.freeCount.Store(int64(n))
}

// corrupt reports an inconsistent free list and panics. Callers hold a.mu and
// release it through their deferred unlock while the panic unwinds.
func (a *Arena) corrupt(msg string, fields logrus.Fields) {
	a.logger.WithFields(fields).Error("Arena corrupted: " + msg)
	panic(fmt.Errorf("%w: %s", ErrArenaCorrupted, msg))
}
