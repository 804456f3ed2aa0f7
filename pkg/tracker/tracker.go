package tracker

import "sync"

// Tracker registers background tasks (deploys, teardowns) so graceful
// shutdown can drain them. Tasks are never cancelled mid-flight; they run to
// completion to preserve guard semantics.
type Tracker struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates an open tracker
func New() *Tracker {
	return &Tracker{}
}

// Go runs fn on its own goroutine if the tracker is still open. Returns false
// once Close has been called.
func (t *Tracker) Go(fn func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

// Close stops accepting new tasks
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until every accepted task has finished
func (t *Tracker) Wait() {
	t.wg.Wait()
}
