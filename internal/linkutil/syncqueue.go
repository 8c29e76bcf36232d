package linkutil

import "sync/atomic"

// SyncQueue is a bounded FIFO handing items from producer goroutines to a
// single consumer.
type SyncQueue[T any] struct {
	items chan T
	len   int32
	stop  chan struct{}
}

func NewSyncQueue[T any](maxCapacity int) *SyncQueue[T] {
	return &SyncQueue[T]{
		items: make(chan T, maxCapacity),
		stop:  make(chan struct{}),
	}
}

// Close wakes up a consumer blocked in Pop and rejects further pushes.
func (s *SyncQueue[T]) Close() {
	close(s.stop)
}

// Length returns the length of the queue
func (s *SyncQueue[T]) Length() int {
	return int(atomic.LoadInt32(&s.len))
}

// Push adds an element, waiting for room. It returns false once the queue
// is closed.
func (s *SyncQueue[T]) Push(x T) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.items <- x:
		atomic.AddInt32(&s.len, 1)
		return true
	case <-s.stop:
		return false
	}
}

// Pop returns the next element. It waits till an item is available or the
// queue is closed, in which case closed is true.
func (s *SyncQueue[T]) Pop() (closed bool, item T) {
	select {
	case item = <-s.items:
		atomic.AddInt32(&s.len, -1)
		return false, item
	case <-s.stop:
		return true, item
	}
}
