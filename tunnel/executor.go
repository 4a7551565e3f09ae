package tunnel

import "sync"

// executor runs submitted callbacks one at a time, in submission order,
// on a goroutine that exists only while there is work.  Submitting
// never blocks, so a callback may call Start or Stop on its own
// transport.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) submit(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

// submitWait submits fn and blocks until it has run.  Must not be
// called from inside a callback.
func (e *executor) submitWait(fn func()) {
	done := make(chan struct{})
	e.submit(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
