package schedule

import "time"

// entry is one pending firing of a key.
type entry struct {
	next time.Time
	seq  uint64 // insertion order; breaks ties on equal next
	key  *Key
}

func (e entry) before(o entry) bool {
	if !e.next.Equal(o.next) {
		return e.next.Before(o.next)
	}
	return e.seq < o.seq
}

// entryHeap is a min-heap on (next, seq). It implements container/heap.Interface.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{} // allow GC of the key
	*h = old[:n-1]
	return e
}

func (h entryHeap) peek() (entry, bool) {
	if len(h) == 0 {
		return entry{}, false
	}
	return h[0], true
}
