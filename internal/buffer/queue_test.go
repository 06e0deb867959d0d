package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, slots, slotSize int) *Queue {
	t.Helper()
	return NewQueue("test", newTestArena(t, slots, slotSize), testLogger())
}

func putData(t *testing.T, q *Queue, typ Type, pts int64) *Element {
	t.Helper()
	e, err := q.Alloc(context.Background())
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	e.Type = typ
	e.PTS = pts
	e.SetLen(e.Cap() / 2)
	q.Put(e, false)
	return e
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue(t, 32, 64)
	ctx := context.Background()

	for pts := int64(1); pts <= 5; pts++ {
		putData(t, q, TypeVideo, pts)
	}
	for want := int64(1); want <= 5; want++ {
		e, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if e.PTS != want {
			t.Errorf("Expected pts %d, got %d", want, e.PTS)
		}
		e.Free()
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d elements", q.Len())
	}
}

func TestQueueInsertFront(t *testing.T) {
	q := newTestQueue(t, 32, 64)
	ctx := context.Background()

	putData(t, q, TypeVideo, 1)
	putData(t, q, TypeVideo, 2)

	ctl, err := q.AllocControl(ctx, ControlNewPTS)
	if err != nil {
		t.Fatalf("AllocControl failed: %v", err)
	}
	q.InsertFront(ctl)

	first, _ := q.Get(ctx)
	if first != ctl {
		t.Errorf("Expected the inserted control element first, got %v", first)
	}
	second, _ := q.Get(ctx)
	third, _ := q.Get(ctx)
	if second.PTS != 1 || third.PTS != 2 {
		t.Errorf("Expected remaining order 1,2, got %d,%d", second.PTS, third.PTS)
	}
}

func TestQueueInsertFrontEmpty(t *testing.T) {
	q := newTestQueue(t, 8, 64)
	ctl, _ := q.AllocControl(context.Background(), ControlReset)
	q.InsertFront(ctl)
	putData(t, q, TypeAudio, 7)

	e, _ := q.Get(context.Background())
	if e != ctl {
		t.Errorf("Expected control element first, got %v", e)
	}
	e, _ = q.Get(context.Background())
	if e.PTS != 7 {
		t.Errorf("Expected pts 7 after control element, got %d", e.PTS)
	}
}

func TestQueuePutMerge(t *testing.T) {
	q := newTestQueue(t, 64, 16) // merge limit 8 slots
	ctx := context.Background()

	a, _ := q.Alloc(ctx)
	b, _ := q.Alloc(ctx)
	if b.start != a.start+1 {
		t.Fatalf("Expected contiguous slots, got %d and %d", a.start, b.start)
	}
	a.Type, b.Type = TypeAudio, TypeAudio
	a.SetLen(a.Cap())
	b.SetLen(10)

	q.Put(a, true)
	q.Put(b, true)

	if q.Len() != 1 {
		t.Fatalf("Expected merged queue of 1 element, got %d", q.Len())
	}
	stats := q.Stats()
	if stats.Bytes != 26 || stats.UsedSlots != 2 {
		t.Errorf("Expected 26 bytes in 2 slots, got %d bytes in %d slots", stats.Bytes, stats.UsedSlots)
	}

	e, _ := q.Get(ctx)
	if e != a || e.Run() != 2 || e.Len() != 26 {
		t.Errorf("Expected merged element with run 2 and 26 bytes, got %v", e)
	}
	e.Free()
	if q.Arena().FreeSlots() != 64 {
		t.Errorf("Expected all slots free after merged free, got %d", q.Arena().FreeSlots())
	}
}

func TestQueuePutNoMerge(t *testing.T) {
	q := newTestQueue(t, 64, 16)
	ctx := context.Background()

	// Tail not filled to capacity.
	a, _ := q.Alloc(ctx)
	b, _ := q.Alloc(ctx)
	a.Type, b.Type = TypeVideo, TypeVideo
	a.SetLen(8)
	q.Put(a, true)
	q.Put(b, true)
	if q.Len() != 2 {
		t.Errorf("Expected no merge with a partially filled tail, got %d elements", q.Len())
	}

	// Different media type.
	c, _ := q.Alloc(ctx)
	b.SetLen(b.Cap())
	c.Type = TypeAudio
	q.Put(c, true)
	if q.Len() != 3 {
		t.Errorf("Expected no merge across media types, got %d elements", q.Len())
	}
}

func TestQueueMergeLimit(t *testing.T) {
	q := newTestQueue(t, 16, 8) // merge limit 2 slots
	ctx := context.Background()

	a, _ := q.Alloc(ctx)
	b, _ := q.Alloc(ctx)
	a.Type, b.Type = TypeVideo, TypeVideo
	a.SetLen(a.Cap())
	b.SetLen(b.Cap())
	q.Put(a, true)
	q.Put(b, true)
	if q.Len() != 2 {
		t.Errorf("Expected merge refused at the limit, got %d elements", q.Len())
	}
}

func TestQueueClearKeepsControl(t *testing.T) {
	q := newTestQueue(t, 32, 64)
	ctx := context.Background()

	start, _ := q.AllocControl(ctx, ControlStreamStart)
	q.Put(start, false)
	putData(t, q, TypeVideo, 1)
	reset, _ := q.AllocControl(ctx, ControlReset)
	q.Put(reset, false)
	putData(t, q, TypeVideo, 2)

	q.Clear()

	if q.Len() != 2 {
		t.Fatalf("Expected 2 control elements after clear, got %d", q.Len())
	}
	e1, _ := q.Get(ctx)
	e2, _ := q.Get(ctx)
	if e1.Control != ControlStreamStart || e2.Control != ControlReset {
		t.Errorf("Expected control order start,reset, got %s,%s", e1.Control, e2.Control)
	}
	if q.Arena().FreeSlots() != 30 {
		t.Errorf("Expected data slots returned to arena, got %d free", q.Arena().FreeSlots())
	}
}

func TestQueueAllClear(t *testing.T) {
	q := newTestQueue(t, 32, 64)
	ctx := context.Background()

	ctl, _ := q.AllocControl(ctx, ControlStreamStart)
	q.Put(ctl, false)
	putData(t, q, TypeAudio, 1)
	heap := NewHeapElement(4096)
	heap.Type = TypeVideo
	q.Put(heap, true)

	q.AllClear()

	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d elements", q.Len())
	}
	if q.Arena().FreeSlots() != 32 {
		t.Errorf("Expected all slots free, got %d", q.Arena().FreeSlots())
	}
	if stats := q.Stats(); stats.Bytes != 0 || stats.UsedSlots != 0 {
		t.Errorf("Expected zero counters, got %+v", stats)
	}
}

func TestQueueHookIdempotence(t *testing.T) {
	q := newTestQueue(t, 8, 64)

	q.UnregisterPutHook(HookID(42))
	q.UnregisterGetHook(HookID(42))
	q.UnregisterAllocHook(HookID(42))
	if a, p, g := q.HookCounts(); a != 0 || p != 0 || g != 0 {
		t.Errorf("Unregistering unknown hooks must be a no-op, got %d/%d/%d", a, p, g)
	}

	keep, _ := q.RegisterPutHook(func(*Queue, *Element) {})
	id, err := q.RegisterPutHook(func(*Queue, *Element) {})
	if err != nil {
		t.Fatalf("RegisterPutHook failed: %v", err)
	}
	q.UnregisterPutHook(id)
	q.UnregisterPutHook(id)
	if _, p, _ := q.HookCounts(); p != 1 {
		t.Errorf("Expected table back to 1 hook, got %d", p)
	}
	q.UnregisterPutHook(keep)
}

func TestQueueHookTableFull(t *testing.T) {
	q := newTestQueue(t, 8, 64)

	for i := 0; i < MaxHooks; i++ {
		if _, err := q.RegisterGetHook(func(*Queue, *Element) {}); err != nil {
			t.Fatalf("RegisterGetHook %d failed: %v", i, err)
		}
	}
	if _, err := q.RegisterGetHook(func(*Queue, *Element) {}); !errors.Is(err, ErrHookTableFull) {
		t.Errorf("Expected ErrHookTableFull, got %v", err)
	}
}

func TestQueueHooksFire(t *testing.T) {
	q := newTestQueue(t, 8, 64)
	ctx := context.Background()

	var allocs, puts, gets int
	var lenAtGet int
	_, _ = q.RegisterAllocHook(func(*Queue, int) { allocs++ })
	_, _ = q.RegisterPutHook(func(*Queue, *Element) { puts++ })
	_, _ = q.RegisterGetHook(func(hq *Queue, _ *Element) {
		gets++
		lenAtGet = hq.Len()
	})

	putData(t, q, TypeVideo, 1)
	putData(t, q, TypeVideo, 2)
	e, _ := q.Get(ctx)
	e.Free()

	if allocs != 2 || puts != 2 || gets != 1 {
		t.Errorf("Expected 2 allocs, 2 puts, 1 get, got %d, %d, %d", allocs, puts, gets)
	}
	if lenAtGet != 1 {
		t.Errorf("Get hook should observe the updated count 1, got %d", lenAtGet)
	}
}

func TestQueueAllocHookSlots(t *testing.T) {
	q := newTestQueue(t, 16, 64)
	ctx := context.Background()

	var got []int
	_, _ = q.RegisterAllocHook(func(_ *Queue, slots int) { got = append(got, slots) })

	e, _ := q.Alloc(ctx)
	e.Free()
	e, _ = q.AllocSized(ctx, 3*64)
	e.Free()
	e, _ = q.AllocSized(ctx, 1<<20)
	e.Free()
	e, _ = q.TryAlloc()
	e.Free()

	want := []int{1, 3, 4, 1}
	if len(got) != len(want) {
		t.Fatalf("Expected %d hook calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %d slots, got %d", i, want[i], got[i])
		}
	}
}

func TestQueueAllocHookRunsBeforeBlocking(t *testing.T) {
	q := newTestQueue(t, 4, 64)
	_, _ = q.Alloc(context.Background())
	_, _ = q.Alloc(context.Background())

	var fired atomic.Bool
	_, _ = q.RegisterAllocHook(func(hq *Queue, _ int) {
		if hq.Arena().FreeSlots() <= ReservedSlots {
			fired.Store(true)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Alloc(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded on an exhausted arena, got %v", err)
	}
	if !fired.Load() {
		t.Error("Alloc hook should have observed the exhausted arena before blocking")
	}
}

func TestQueueGetCancel(t *testing.T) {
	q := newTestQueue(t, 16, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled Get did not return")
	}

	// Other goroutines keep working on the same queue.
	got := make(chan int64)
	go func() {
		e, err := q.Get(context.Background())
		if err != nil {
			t.Errorf("Get failed: %v", err)
			got <- -1
			return
		}
		got <- e.PTS
		e.Free()
	}()
	go putData(t, q, TypeVideo, 99)

	select {
	case pts := <-got:
		if pts != 99 {
			t.Errorf("Expected pts 99, got %d", pts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout: queue lock still held after cancellation")
	}
}

func TestQueueClose(t *testing.T) {
	q := newTestQueue(t, 8, 64)
	putData(t, q, TypeVideo, 1)

	done := make(chan error)
	go func() {
		e, err := q.Get(context.Background())
		if err == nil {
			e.Free()
			_, err = q.Get(context.Background())
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the consumer")
	}
}

func TestQueueProducerConsumer(t *testing.T) {
	q := newTestQueue(t, 16, 32)
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= total; i++ {
			e, err := q.AllocSized(context.Background(), 40)
			if err != nil {
				t.Errorf("AllocSized failed: %v", err)
				return
			}
			e.Type = TypeAudio
			e.PTS = i
			e.SetLen(40)
			q.Put(e, false)
		}
	}()
	go func() {
		defer wg.Done()
		for want := int64(1); want <= total; want++ {
			e, err := q.Get(context.Background())
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			if e.PTS != want {
				t.Errorf("Expected pts %d, got %d", want, e.PTS)
				return
			}
			e.Free()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout in producer/consumer exchange")
	}
	if q.Arena().FreeSlots() != 16 {
		t.Errorf("Expected every slot returned, got %d free", q.Arena().FreeSlots())
	}
}
