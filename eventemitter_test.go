package devicelink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusEmitter(t *testing.T) {
	emitter := newStatusEmitter()
	emitter.run()

	done := make(chan struct{})
	maxCalls := 12
	var got []uint64
	emitter.on(func(s Status) {
		got = append(got, s.Generation)
		if len(got) == maxCalls {
			close(done)
		}
	})

	go func() {
		for i := 0; i < maxCalls; i++ {
			emitter.emit(Status{State: StateConnected, Generation: uint64(i)})
		}
	}()

	select {
	case <-time.After(time.Second):
		t.Fatal("statuses not delivered")
	case <-done:
	}
	emitter.close()

	for i, g := range got {
		assert.Equal(t, uint64(i), g)
	}
}

func TestStatusEmitterDeliversQueuedOnClose(t *testing.T) {
	emitter := newStatusEmitter()
	var got []ConnectionState
	emitter.on(func(s Status) { got = append(got, s.State) })

	emitter.emit(Status{State: StateConnecting})
	emitter.emit(Status{State: StateConnected})
	emitter.emit(Status{State: StateClosed})
	emitter.run()
	emitter.close()

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateClosed}, got)

	// emitting after close is a no-op
	emitter.emit(Status{State: StateConnecting})
	emitter.close()
	assert.Len(t, got, 3)
}

func TestStatusEmitterUnsubscribe(t *testing.T) {
	emitter := newStatusEmitter()
	emitter.run()

	var first, second int
	off := emitter.on(func(Status) { first++ })
	emitter.on(func(Status) { second++ })

	emitter.emit(Status{State: StateConnecting})
	off()
	emitter.emit(Status{State: StateConnected})
	emitter.close()

	assert.LessOrEqual(t, first, 1)
	assert.Equal(t, 2, second)
}

func TestStatusEmitterSurvivesPanics(t *testing.T) {
	emitter := newStatusEmitter()
	emitter.run()

	var got []ConnectionState
	emitter.on(func(Status) { panic("handler bug") })
	emitter.on(func(s Status) { got = append(got, s.State) })

	emitter.emit(Status{State: StateConnecting})
	emitter.emit(Status{State: StateConnected})
	emitter.close()

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, got)
}
