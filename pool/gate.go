package pool

import (
	"container/list"
	"context"
	"sync"
)

// streamGate admits at most limit concurrent streams on one connection.
// Callers beyond the limit wait in FIFO order.
type streamGate struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters list.List // of chan error
	err     error
}

func newStreamGate(limit int) *streamGate {
	return &streamGate{limit: limit}
}

// tryAcquire takes a slot without waiting. It fails while anyone is queued.
func (g *streamGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil || g.waiters.Len() > 0 || g.active >= g.limit {
		return false
	}
	g.active++
	return true
}

// acquire takes a slot, waiting behind earlier callers. A slot granted
// while ctx is being cancelled is handed to the next waiter.
func (g *streamGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	if g.waiters.Len() == 0 && g.active < g.limit {
		g.active++
		g.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	el := g.waiters.PushBack(ch)
	g.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
	}

	g.mu.Lock()
	if el.Value != nil {
		g.waiters.Remove(el)
		el.Value = nil
		g.mu.Unlock()
		return ctx.Err()
	}
	g.mu.Unlock()
	// Already granted or failed; give a granted slot back.
	if err := <-ch; err == nil {
		g.release()
	}
	return ctx.Err()
}

// release frees a slot and grants it to the first waiter.
func (g *streamGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	g.grantLocked()
}

func (g *streamGate) grantLocked() {
	for g.active < g.limit && g.waiters.Len() > 0 {
		el := g.waiters.Front()
		g.waiters.Remove(el)
		ch := el.Value.(chan error)
		el.Value = nil
		g.active++
		ch <- nil
	}
}

// setLimit changes the ceiling, admitting waiters if it grew. Streams
// already open above a lowered ceiling are left to finish.
func (g *streamGate) setLimit(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = n
	g.grantLocked()
}

// fail rejects every waiter and all later acquires with err.
func (g *streamGate) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.err = err
	for el := g.waiters.Front(); el != nil; el = g.waiters.Front() {
		g.waiters.Remove(el)
		ch := el.Value.(chan error)
		el.Value = nil
		ch <- err
	}
}

func (g *streamGate) stats() (active, queued, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.waiters.Len(), g.limit
}
