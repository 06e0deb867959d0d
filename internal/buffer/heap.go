package buffer

import "github.com/valyala/bytebufferpool"

var heapPool bytebufferpool.Pool

// NewHeapElement returns an element of at least size bytes capacity backed by
// a pooled heap buffer instead of arena slots. It is meant for payloads that
// exceed an arena's SizedLimit, such as stream headers. Free returns the
// bytes to the pool.
func NewHeapElement(size int) *Element {
	bb := heapPool.Get()
	if cap(bb.B) < size {
		bb.B = make([]byte, 0, size)
	}
	return &Element{
		data:  bb.B[:0],
		start: -1,
		heap:  bb,
	}
}

func releaseHeap(e *Element) {
	bb := e.heap
	e.heap = nil
	e.data = nil
	e.next = nil
	bb.Reset()
	heapPool.Put(bb)
}
