package buffer

import (
	"errors"
	"slices"
	"sort"
)

var errRunOverlap = errors.New("freed run overlaps a free run")

// freeRun is a maximal run of free slots.
type freeRun struct {
	start int
	n     int
}

func (r freeRun) end() int { return r.start + r.n }

// freeList keeps free runs sorted by start slot. Adjacent runs are always
// merged, so no two entries touch.
type freeList []freeRun

// search returns the index of the first run starting at or after slot.
func (l freeList) search(slot int) int {
	return sort.Search(len(l), func(i int) bool { return l[i].start >= slot })
}

// insert adds [start, start+n) and merges it with its neighbours.
func (l *freeList) insert(start, n int) error {
	runs := *l
	i := runs.search(start)
	if i > 0 && runs[i-1].end() > start {
		return errRunOverlap
	}
	if i < len(runs) && start+n > runs[i].start {
		return errRunOverlap
	}

	joinPrev := i > 0 && runs[i-1].end() == start
	joinNext := i < len(runs) && start+n == runs[i].start
	switch {
	case joinPrev && joinNext:
		runs[i-1].n += n + runs[i].n
		runs = slices.Delete(runs, i, i+1)
	case joinPrev:
		runs[i-1].n += n
	case joinNext:
		runs[i].start = start
		runs[i].n += n
	default:
		runs = slices.Insert(runs, i, freeRun{start: start, n: n})
	}
	*l = runs
	return nil
}

// take removes n slots from the front of run i and returns the first slot.
func (l *freeList) take(i, n int) int {
	runs := *l
	start := runs[i].start
	runs[i].start += n
	runs[i].n -= n
	if runs[i].n == 0 {
		runs = slices.Delete(runs, i, i+1)
	}
	*l = runs
	return start
}

// fit returns the index of a run holding at least n slots: an exact match if
// one exists, otherwise the largest run seen. It returns -1 if none fits.
func (l freeList) fit(n int) int {
	best := -1
	for i, r := range l {
		if r.n == n {
			return i
		}
		if r.n > n && (best < 0 || r.n > l[best].n) {
			best = i
		}
	}
	return best
}

func (l freeList) largest() int {
	m := 0
	for _, r := range l {
		if r.n > m {
			m = r.n
		}
	}
	return m
}

func (l freeList) total() int {
	sum := 0
	for _, r := range l {
		sum += r.n
	}
	return sum
}
