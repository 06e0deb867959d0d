package buffer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/types"
)

// Queue is a FIFO of checked-out elements moving from one producer to one
// consumer, backed by a single arena. Hooks are its only extension point.
type Queue struct {
	name   string
	arena  *Arena
	logger *logrus.Entry
	nextID atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	head     *Element
	tail     *Element
	closed   bool
	putHooks hookTable[PutHook]
	getHooks hookTable[GetHook]

	// Counters are written under mu and mirrored for lock-free readers.
	elements atomic.Int64
	bytes    atomic.Int64
	slots    atomic.Int64

	allocMu    sync.RWMutex
	allocHooks hookTable[AllocHook]
}

// NewQueue creates an empty queue on top of arena.
func NewQueue(name string, arena *Arena, logger *logrus.Logger) *Queue {
	q := &Queue{
		name:   name,
		arena:  arena,
		logger: logger.WithField("queue", name),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Arena returns the arena the queue allocates from.
func (q *Queue) Arena() *Arena { return q.arena }

// Len returns the number of queued elements. It does not take the queue lock
// and is safe to call from hooks.
func (q *Queue) Len() int { return int(q.elements.Load()) }

// Stats returns a telemetry snapshot. It does not take the queue lock.
func (q *Queue) Stats() types.QueueStats {
	return types.QueueStats{
		Name:      q.name,
		Elements:  int(q.elements.Load()),
		Bytes:     q.bytes.Load(),
		UsedSlots: int(q.slots.Load()),
		FreeSlots: q.arena.FreeSlots(),
		Capacity:  q.arena.Capacity(),
	}
}

// Alloc returns a one-slot element.
func (q *Queue) Alloc(ctx context.Context) (*Element, error) {
	q.runAllocHooks(1)
	return q.arena.AllocOne(ctx)
}

// AllocSized returns an element able to hold size bytes, clamped to the
// arena's SizedLimit.
func (q *Queue) AllocSized(ctx context.Context, size int) (*Element, error) {
	q.runAllocHooks(q.arena.SlotsFor(size))
	return q.arena.AllocSized(ctx, size)
}

// TryAlloc returns a one-slot element, or false if none is free.
func (q *Queue) TryAlloc() (*Element, bool) {
	q.runAllocHooks(1)
	return q.arena.TryAllocOne()
}

// AllocControl returns a control element of the given kind. It may use the
// arena reserve and does not run alloc hooks.
func (q *Queue) AllocControl(ctx context.Context, kind ControlKind) (*Element, error) {
	e, err := q.arena.AllocReserve(ctx)
	if err != nil {
		return nil, err
	}
	e.Type = TypeControl
	e.Control = kind
	return e, nil
}

func (q *Queue) runAllocHooks(slots int) {
	q.allocMu.RLock()
	defer q.allocMu.RUnlock()
	q.allocHooks.each(func(h AllocHook) { h(q, slots) })
}

// Put appends e. With merge set, e is folded into the tail element when the
// tail's content ends exactly where e begins, both carry the same media type,
// and the combined run stays below the arena's MergeLimit.
func (q *Queue) Put(e *Element, merge bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size, run := int64(len(e.data)), int64(e.run)
	if merge && q.canMerge(q.tail, e) {
		tail := q.tail
		tail.run += e.run
		off := tail.offset()
		n := len(tail.data) + len(e.data)
		tail.data = q.arena.block[off : off+n : off+tail.run*q.arena.slotSize]
		q.bytes.Add(size)
		q.slots.Add(run)
		q.putHooks.each(func(h PutHook) { h(q, e) })
		// The slots now belong to tail; e is an empty header.
		e.run = 0
		e.data = nil
		return
	}

	e.next = nil
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.elements.Add(1)
	q.bytes.Add(size)
	q.slots.Add(run)
	q.putHooks.each(func(h PutHook) { h(q, e) })
	q.cond.Signal()
}

func (q *Queue) canMerge(tail, e *Element) bool {
	if tail == nil || tail.arena != q.arena || e.arena != q.arena {
		return false
	}
	if tail.Type != e.Type || tail.Type == TypeControl {
		return false
	}
	if tail.offset()+len(tail.data) != e.offset() {
		return false
	}
	return tail.run+e.run < q.arena.MergeLimit()
}

// InsertFront prepends e so it is returned by the next Get. It is reserved
// for control elements generated by the engine.
func (q *Queue) InsertFront(e *Element) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.next = q.head
	q.head = e
	if q.tail == nil {
		q.tail = e
	}
	q.elements.Add(1)
	q.bytes.Add(int64(len(e.data)))
	q.slots.Add(int64(e.run))
	q.putHooks.each(func(h PutHook) { h(q, e) })
	q.cond.Signal()
}

// Get blocks until an element is available and returns it. It returns
// ctx.Err() if ctx is done first and ErrQueueClosed once the queue is closed
// and empty.
func (q *Queue) Get(ctx context.Context) (*Element, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == nil {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer stop()
	}
	for q.head == nil {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	return q.pop(), nil
}

// TryGet returns the head element without blocking.
func (q *Queue) TryGet() (*Element, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == nil {
		return nil, false
	}
	return q.pop(), true
}

// pop unlinks the head and runs get hooks. The caller holds q.mu.
func (q *Queue) pop() *Element {
	e := q.head
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	e.next = nil
	q.elements.Add(-1)
	q.bytes.Add(-int64(len(e.data)))
	q.slots.Add(-int64(e.run))
	q.getHooks.each(func(h GetHook) { h(q, e) })
	return e
}

// Clear frees every queued data element. Control elements stay queued in
// their original order so a pending reset or stream marker survives a flush.
func (q *Queue) Clear() {
	q.mu.Lock()
	var drop []*Element
	var keepHead, keepTail *Element
	for e := q.head; e != nil; {
		next := e.next
		e.next = nil
		if e.IsControl() {
			if keepTail == nil {
				keepHead = e
			} else {
				keepTail.next = e
			}
			keepTail = e
		} else {
			q.elements.Add(-1)
			q.bytes.Add(-int64(len(e.data)))
			q.slots.Add(-int64(e.run))
			drop = append(drop, e)
		}
		e = next
	}
	q.head, q.tail = keepHead, keepTail
	q.mu.Unlock()

	// Arena locks are taken after the queue lock is released.
	for _, e := range drop {
		e.Free()
	}
	if len(drop) > 0 {
		q.logger.WithField("dropped", len(drop)).Debug("Queue cleared")
	}
}

// AllClear frees every queued element, control elements and heap elements
// included, each through its own free routine. It is meant for teardown.
func (q *Queue) AllClear() {
	q.mu.Lock()
	e := q.head
	q.head, q.tail = nil, nil
	q.elements.Store(0)
	q.bytes.Store(0)
	q.slots.Store(0)
	q.mu.Unlock()

	for e != nil {
		next := e.next
		e.next = nil
		e.Free()
		e = next
	}
}

// Close wakes blocked consumers. Get keeps returning queued elements and
// then fails with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// RegisterAllocHook adds an alloc hook and returns its removal token.
func (q *Queue) RegisterAllocHook(h AllocHook) (HookID, error) {
	q.allocMu.Lock()
	defer q.allocMu.Unlock()

	id := HookID(q.nextID.Add(1))
	if err := q.allocHooks.add(id, h); err != nil {
		return 0, err
	}
	return id, nil
}

// UnregisterAllocHook removes an alloc hook. Unknown ids are ignored. It
// waits for alloc hooks that are currently running.
func (q *Queue) UnregisterAllocHook(id HookID) {
	q.allocMu.Lock()
	defer q.allocMu.Unlock()
	q.allocHooks.remove(id)
}

// RegisterPutHook adds a put hook and returns its removal token.
func (q *Queue) RegisterPutHook(h PutHook) (HookID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := HookID(q.nextID.Add(1))
	if err := q.putHooks.add(id, h); err != nil {
		return 0, err
	}
	return id, nil
}

// UnregisterPutHook removes a put hook. Unknown ids are ignored.
func (q *Queue) UnregisterPutHook(id HookID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.putHooks.remove(id)
}

// RegisterGetHook adds a get hook and returns its removal token.
func (q *Queue) RegisterGetHook(h GetHook) (HookID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := HookID(q.nextID.Add(1))
	if err := q.getHooks.add(id, h); err != nil {
		return 0, err
	}
	return id, nil
}

// UnregisterGetHook removes a get hook. Unknown ids are ignored.
func (q *Queue) UnregisterGetHook(id HookID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.getHooks.remove(id)
}

// HookCounts returns the number of registered alloc, put and get hooks.
func (q *Queue) HookCounts() (alloc, put, get int) {
	q.allocMu.RLock()
	alloc = q.allocHooks.len()
	q.allocMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	return alloc, q.putHooks.len(), q.getHooks.len()
}
