package engine

import "sync"

// dispatcher runs tasks serially per key while distinct keys proceed in
// parallel. A lane goroutine drains its queue and exits once empty, so idle
// users cost nothing.
type dispatcher struct {
	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	pending []func()
}

func newDispatcher() *dispatcher {
	return &dispatcher{lanes: make(map[string]*lane)}
}

// submit queues task on key's lane in FIFO order. The returned channel
// closes once the task has run.
func (d *dispatcher) submit(key string, task func()) <-chan struct{} {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	d.mu.Lock()
	ln, ok := d.lanes[key]
	if !ok {
		ln = &lane{}
		d.lanes[key] = ln
		d.wg.Add(1)
		go d.drain(key, ln)
	}
	ln.pending = append(ln.pending, wrapped)
	d.mu.Unlock()

	return done
}

// drain runs the lane's tasks in order and removes the lane when its queue
// is empty.
func (d *dispatcher) drain(key string, ln *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(ln.pending) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		task := ln.pending[0]
		ln.pending = ln.pending[1:]
		d.mu.Unlock()

		task()
	}
}

// wait blocks until every lane has drained. Callers must stop submitting
// first.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
