package buffer

// MaxHooks is the capacity of each hook table.
const MaxHooks = 8

// HookID is the token returned by hook registration and used to unregister.
type HookID uint64

// AllocHook runs at the start of every Alloc, AllocSized and TryAlloc call on
// a queue, before the arena may block, with the number of slots the call is
// about to take. It runs outside the queue lock.
type AllocHook func(q *Queue, slots int)

// PutHook runs after an element is linked into the queue. It runs with the
// queue lock held and must not call locked Queue methods.
type PutHook func(q *Queue, e *Element)

// GetHook runs after an element is unlinked by Get, before it is returned.
// It runs with the queue lock held and must not call locked Queue methods.
type GetHook func(q *Queue, e *Element)

type hookEntry[F any] struct {
	id HookID
	fn F
}

// hookTable is a fixed-capacity, insertion-ordered set of callbacks.
type hookTable[F any] struct {
	entries [MaxHooks]hookEntry[F]
	n       int
}

func (t *hookTable[F]) add(id HookID, fn F) error {
	if t.n == MaxHooks {
		return ErrHookTableFull
	}
	t.entries[t.n] = hookEntry[F]{id: id, fn: fn}
	t.n++
	return nil
}

// remove deletes the entry for id. Unknown ids are ignored.
func (t *hookTable[F]) remove(id HookID) bool {
	for i := 0; i < t.n; i++ {
		if t.entries[i].id != id {
			continue
		}
		copy(t.entries[i:t.n], t.entries[i+1:t.n])
		t.n--
		var zero hookEntry[F]
		t.entries[t.n] = zero
		return true
	}
	return false
}

func (t *hookTable[F]) len() int { return t.n }

func (t *hookTable[F]) each(call func(F)) {
	for i := 0; i < t.n; i++ {
		call(t.entries[i].fn)
	}
}
