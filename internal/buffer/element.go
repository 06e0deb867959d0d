package buffer

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Type tags the media carried by an element.
type Type uint8

const (
	// TypeUnknown is the tag of a freshly allocated element.
	TypeUnknown Type = iota
	// TypeControl marks engine-generated control elements.
	TypeControl
	// TypeVideo marks compressed video payload.
	TypeVideo
	// TypeAudio marks compressed audio payload.
	TypeAudio
	// TypeSPU marks subtitle payload.
	TypeSPU
)

func (t Type) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeSPU:
		return "spu"
	default:
		return "unknown"
	}
}

// ControlKind identifies what a control element asks of its consumer.
type ControlKind uint8

const (
	// ControlNone is used by data elements.
	ControlNone ControlKind = iota
	// ControlStreamStart opens a new stream.
	ControlStreamStart
	// ControlStreamEnd marks the end of input.
	ControlStreamEnd
	// ControlNewPTS announces a timestamp discontinuity.
	ControlNewPTS
	// ControlReset asks the decoder to drop its state.
	ControlReset
	// ControlFlush asks the decoder to output what it holds.
	ControlFlush
	// ControlNop carries no request; it only wakes the consumer.
	ControlNop
)

func (k ControlKind) String() string {
	switch k {
	case ControlStreamStart:
		return "stream-start"
	case ControlStreamEnd:
		return "stream-end"
	case ControlNewPTS:
		return "new-pts"
	case ControlReset:
		return "reset"
	case ControlFlush:
		return "flush"
	case ControlNop:
		return "nop"
	default:
		return "none"
	}
}

// Flags is the element flag bitset.
type Flags uint32

// Element flags.
const (
	FlagFrameStart Flags = 1 << iota
	FlagFrameEnd
	FlagKeyframe
	FlagPreview
	FlagHeader
	FlagSeek
)

// Info is the small metadata record carried with each element for UI and seek.
type Info struct {
	NormPos     int   // Input position normalised to 0..65535.
	InputTime   int   // Input time in milliseconds.
	FrameNumber int64 // Frame counter maintained by the producer.
}

// Element is the unit handed to producers and consumers. It is either a run of
// arena slots or, for oversized payloads, a pooled heap buffer.
type Element struct {
	Type    Type
	Control ControlKind
	Flags   Flags
	PTS     int64 // Presentation timestamp in 90 kHz ticks, 0 if unknown.
	Info    Info

	data  []byte // len is the logical size, cap the capacity
	start int    // first slot, -1 for heap elements
	run   int
	arena *Arena
	heap  *bytebufferpool.ByteBuffer
	next  *Element
}

// Bytes returns the logical content of the element.
func (e *Element) Bytes() []byte { return e.data }

// Len returns the logical size in bytes.
func (e *Element) Len() int { return len(e.data) }

// Cap returns the capacity in bytes.
func (e *Element) Cap() int { return cap(e.data) }

// Run returns the number of arena slots held by the element.
func (e *Element) Run() int { return e.run }

// Arena returns the owning arena, or nil for heap elements.
func (e *Element) Arena() *Arena { return e.arena }

// IsControl reports whether the element carries a control request.
func (e *Element) IsControl() bool { return e.Type == TypeControl }

// SetLen sets the logical size. It panics if n exceeds the capacity.
func (e *Element) SetLen(n int) {
	if n < 0 || n > cap(e.data) {
		panic(fmt.Sprintf("buffer: length %d out of range [0, %d]", n, cap(e.data)))
	}
	e.data = e.data[:n]
}

// Write appends p to the logical content. It returns io.ErrShortWrite when the
// capacity is exhausted before all of p is stored.
func (e *Element) Write(p []byte) (int, error) {
	room := cap(e.data) - len(e.data)
	n := len(p)
	if n > room {
		n = room
	}
	e.data = append(e.data, p[:n]...)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Free returns the element to its owner. Freeing an element twice is a fatal
// contract violation.
func (e *Element) Free() {
	switch {
	case e.arena != nil:
		e.arena.Free(e)
	case e.heap != nil:
		releaseHeap(e)
	default:
		panic(fmt.Errorf("%w: element has no owner", ErrDoubleFree))
	}
}

func (e *Element) offset() int {
	return e.start * e.arena.slotSize
}

func (e *Element) reset() {
	e.Type = TypeUnknown
	e.Control = ControlNone
	e.Flags = 0
	e.PTS = 0
	e.Info = Info{}
	e.next = nil
}

func (e *Element) String() string {
	if e.Type == TypeControl {
		return fmt.Sprintf("control(%s)", e.Control)
	}
	return fmt.Sprintf("%s(pts=%d len=%d run=%d)", e.Type, e.PTS, len(e.data), e.run)
}
