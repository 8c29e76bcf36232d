package linkutil

import (
	"fmt"
	"sync"
)

// OngoingRequests correlates requests awaiting a response by id
type OngoingRequests[T any] struct {
	mu       sync.Mutex
	requests map[string]chan T
}

func NewOngoingRequests[T any]() *OngoingRequests[T] {
	return &OngoingRequests[T]{requests: make(map[string]chan T)}
}

// Add registers id and returns the channel its result is delivered on
func (o *OngoingRequests[T]) Add(id string) (<-chan T, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.requests[id]; ok {
		return nil, fmt.Errorf("request %s is already in progress", id)
	}
	ch := make(chan T, 1)
	o.requests[id] = ch
	return ch, nil
}

// Complete delivers result to the request id. It reports false when
// nothing is waiting for id.
func (o *OngoingRequests[T]) Complete(id string, result T) bool {
	o.mu.Lock()
	ch, ok := o.requests[id]
	delete(o.requests, id)
	o.mu.Unlock()
	if ok {
		ch <- result
	}
	return ok
}

func (o *OngoingRequests[T]) Remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.requests, id)
}

// FailAll completes every outstanding request with result
func (o *OngoingRequests[T]) FailAll(result T) {
	o.mu.Lock()
	requests := o.requests
	o.requests = make(map[string]chan T)
	o.mu.Unlock()
	for _, ch := range requests {
		ch <- result
	}
}

func (o *OngoingRequests[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}
