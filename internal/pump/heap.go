package pump

import (
	"container/heap"
	"net"
	"time"
)

// scheduledSend is one datagram queued for delayed delivery, ordered by its
// due time so the earliest send is always at the heap root.
type scheduledSend struct {
	due  time.Time
	to   net.Addr
	data []byte
	seq  uint64 // tie-breaker, preserves submission order for equal deadlines
}

// sendHeap is a container/heap min-heap of scheduledSend ordered by due time.
type sendHeap []*scheduledSend

func (h sendHeap) Len() int { return len(h) }
func (h sendHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h sendHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sendHeap) Push(x any) {
	*h = append(*h, x.(*scheduledSend))
}

func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduler is a pacing queue of outbound datagrams, draining only those
// whose due time has elapsed.
type scheduler struct {
	h   sendHeap
	seq uint64
}

func newScheduler() *scheduler {
	s := &scheduler{}
	heap.Init(&s.h)
	return s
}

// Schedule enqueues a datagram for delivery at due.
func (s *scheduler) Schedule(due time.Time, to net.Addr, data []byte) {
	s.seq++
	heap.Push(&s.h, &scheduledSend{due: due, to: to, data: data, seq: s.seq})
}

// EarliestDue returns the due time of the next scheduled send, if any.
func (s *scheduler) EarliestDue() (time.Time, bool) {
	if s.h.Len() == 0 {
		return time.Time{}, false
	}
	return s.h[0].due, true
}

// DrainDue pops and returns every entry whose due time is <= now, in
// ascending due-time order.
func (s *scheduler) DrainDue(now time.Time) []*scheduledSend {
	var out []*scheduledSend
	for s.h.Len() > 0 && !s.h[0].due.After(now) {
		out = append(out, heap.Pop(&s.h).(*scheduledSend))
	}
	return out
}

// Len reports the number of pending scheduled sends.
func (s *scheduler) Len() int { return s.h.Len() }
