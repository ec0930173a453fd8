package sdk

import (
	"fmt"
	"sync"
)

var errDispatcherClosed = fmt.Errorf("dispatcher closed")

type dispatchResult struct {
	value interface{}
	err   error
}

// dispatcher serializes all client work onto a single goroutine.
//
// Socket events, timer callbacks, and application calls arrive on different
// goroutines; funneling every state change through one loop keeps the
// session's managers free of cross-component races and preserves the
// arrival order of channel events.
//
// close stops the loop after draining already-queued work; do and call on a
// closed dispatcher return errDispatcherClosed instead of blocking forever.
type dispatcher struct {
	q        chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q:    make(chan func(), queueSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			// Drain work that was accepted before the stop.
			for {
				select {
				case fn := <-d.q:
					if fn != nil {
						fn()
					}
				default:
					return
				}
			}
		case fn := <-d.q:
			if fn != nil {
				fn()
			}
		}
	}
}

// close stops the loop and waits for queued work to finish. Safe to call
// more than once.
func (d *dispatcher) close() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *dispatcher) do(fn func()) error {
	if d == nil {
		return fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil
	}
	select {
	case <-d.stop:
		return errDispatcherClosed
	default:
	}
	select {
	case d.q <- fn:
		return nil
	case <-d.stop:
		return errDispatcherClosed
	}
}

func (d *dispatcher) call(fn func() (interface{}, error)) (interface{}, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil, nil
	}
	result := make(chan dispatchResult, 1)
	err := d.do(func() {
		value, err := fn()
		result <- dispatchResult{value: value, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		return res.value, res.err
	case <-d.done:
		// The loop drains accepted work before exiting, so a buffered result
		// may still be waiting.
		select {
		case res := <-result:
			return res.value, res.err
		default:
			return nil, errDispatcherClosed
		}
	}
}
