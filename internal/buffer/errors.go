package buffer

import "errors"

var (
	// ErrInvalidArena is returned when an arena is configured with no slots or a non-positive slot size.
	ErrInvalidArena = errors.New("invalid arena configuration")
	// ErrArenaCorrupted is the panic value used when the free-run list is found inconsistent.
	ErrArenaCorrupted = errors.New("arena corrupted")
	// ErrDoubleFree is the panic value used when an ownerless element is freed.
	ErrDoubleFree = errors.New("element freed twice")
	// ErrQueueClosed is returned by Get once the queue is closed and drained.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrHookTableFull is returned when a hook table already holds MaxHooks entries.
	ErrHookTableFull = errors.New("hook table full")
)
