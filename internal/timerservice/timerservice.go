package timerservice

import (
	"container/heap"
	"sync"
	"time"
)

// Callback is invoked, in its own goroutine, when a scheduled deadline
// elapses.
type Callback func()

type item struct {
	when     time.Time
	cb       Callback
	id       uint64
	canceled bool
}

// itemHeap is a min-heap of items ordered by when, mirroring
// eventloop's timerHeap.
type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Service runs a single background goroutine that fires callbacks as
// their deadlines elapse. The zero value is not usable; construct with
// New.
type Service struct {
	mu     sync.Mutex
	timers itemHeap
	byID   map[uint64]*item
	nextID uint64

	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// New starts a Service's background dispatch goroutine.
func New() *Service {
	s := &Service{
		byID: make(map[uint64]*item),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges for cb to run (in its own goroutine) at or after
// end, and returns an id that Cancel can use to suppress it before it
// fires.
func (s *Service) Schedule(end time.Time, cb Callback) uint64 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	it := &item{id: id, when: end, cb: cb}
	heap.Push(&s.timers, it)
	s.byID[id] = it
	s.mu.Unlock()

	s.signal()
	return id
}

// Cancel prevents id's callback from firing if it has not fired
// already. Returns false if id is unknown (already fired or never
// scheduled).
func (s *Service) Cancel(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[id]
	if !ok {
		return false
	}
	it.canceled = true
	delete(s.byID, id)
	return true
}

// Stop halts the dispatch goroutine. Pending callbacks are dropped
// without firing.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		wait := time.Hour
		if s.timers.Len() > 0 {
			if d := time.Until(s.timers[0].when); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			s.fireDue()
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

func (s *Service) fireDue() {
	now := time.Now()
	var due []Callback

	s.mu.Lock()
	for s.timers.Len() > 0 && !s.timers[0].when.After(now) {
		it := heap.Pop(&s.timers).(*item)
		delete(s.byID, it.id)
		if !it.canceled {
			due = append(due, it.cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range due {
		go cb()
	}
}
