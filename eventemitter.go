package devicelink

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type statusQueue struct {
	mu     sync.Mutex
	out    chan Status
	data   []Status
	closed bool
}

func newStatusQueue() *statusQueue {
	return &statusQueue{out: make(chan Status, 1)}
}

func (q *statusQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		if len(q.data) == 0 {
			close(q.out)
		}
	}
}

// push never blocks; items that do not fit the out channel wait in data.
func (q *statusQueue) push(item Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.data) == 0 {
		select {
		case q.out <- item:
			return
		default:
		}
	}
	q.data = append(q.data, item)
	q.shift()
}

// shift moves the oldest waiting item into the out channel. Must be called
// with mu held.
func (q *statusQueue) shift() {
	if len(q.data) > 0 {
		select {
		case q.out <- q.data[0]:
			q.data = q.data[1:]
		default:
		}
	}
	if q.closed && len(q.data) == 0 {
		close(q.out)
	}
}

// pop returns the next item, or closed once the queue is closed and
// drained.
func (q *statusQueue) pop() (item Status, closed bool) {
	item, ok := <-q.out
	if !ok {
		return item, true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) > 0 {
		q.shift()
	}
	return item, false
}

// statusEmitter delivers Status values to subscribers in the order they
// were emitted.
type statusEmitter struct {
	queue     *statusQueue
	wg        sync.WaitGroup
	mu        sync.Mutex
	nextID    int
	listeners map[int]StatusHandler
	order     []int
	closeOnce sync.Once
}

func newStatusEmitter() *statusEmitter {
	return &statusEmitter{
		queue:     newStatusQueue(),
		listeners: make(map[int]StatusHandler),
	}
}

// on registers fn and returns a function removing it again.
func (e *statusEmitter) on(fn StatusHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.order = append(e.order, id)
	return func() { e.off(id) }
}

func (e *statusEmitter) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *statusEmitter) emit(s Status) {
	e.queue.push(s)
}

func (e *statusEmitter) snapshot() []StatusHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]StatusHandler, 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	return fns
}

func (e *statusEmitter) run() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			item, closed := e.queue.pop()
			if closed {
				return
			}
			for _, fn := range e.snapshot() {
				e.deliver(fn, item)
			}
		}
	}()
}

func (e *statusEmitter) deliver(fn StatusHandler, s Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("connection status handler panicked: %v", r)
		}
	}()
	fn(s)
}

// close delivers what is queued, then stops the delivery goroutine.
func (e *statusEmitter) close() {
	e.closeOnce.Do(func() {
		e.queue.close()
	})
	e.wg.Wait()
}
