package child

import (
	"container/heap"
	"sync"
	"time"
)

// schedEvent is one pending backoff-retry. index is maintained by the heap
// for O(log n) arbitrary removal.
type schedEvent struct {
	name  string
	when  time.Time
	index int
}

// Scheduler holds every program's pending restart timer in a single
// min-heap ordered by fire time, instead of one time.Timer per child,
// keyed by program name since the supervisor addresses children by name.
type Scheduler struct {
	mu      sync.Mutex
	h       eventHeap
	entries map[string]*schedEvent
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[string]*schedEvent)}
}

// Push schedules (or reschedules) a retry for name at when. Rescheduling an
// existing pending entry replaces it outright.
func (s *Scheduler) Push(name string, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, name)
	}
	ev := &schedEvent{name: name, when: when}
	s.entries[name] = ev
	heap.Push(&s.h, ev)
}

// Remove cancels a pending retry for name, if any.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.entries[name]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, name)
}

// Next returns the time of the soonest pending event without removing it.
func (s *Scheduler) Next() (when time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].when, true
}

// PopDue removes and returns every event whose fire time is <= now.
func (s *Scheduler) PopDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for len(s.h) > 0 && !s.h[0].when.After(now) {
		ev := heap.Pop(&s.h).(*schedEvent)
		delete(s.entries, ev.name)
		due = append(due, ev.name)
	}
	return due
}

type eventHeap []*schedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
