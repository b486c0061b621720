package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Conflated is a single-slot frame queue. A new frame replaces the one still waiting,
// and the replaced frame is released straight away, so at most one frame is buffered.
type Conflated struct {
	mu      sync.Mutex
	ch      chan *types.Frame
	closed  bool
	dropped atomic.Int64
}

func NewConflated() *Conflated {
	return &Conflated{ch: make(chan *types.Frame, 1)}
}

// Offer enqueues f, displacing any unconsumed frame. It reports false once the queue is closed.
func (q *Conflated) Offer(f *types.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		f.Release()
		return false
	}
	select {
	case old := <-q.ch:
		old.Release()
		q.dropped.Add(1)
	default:
	}
	// Only Offer sends and it holds mu, so the slot is free here
	q.ch <- f
	return true
}

// Take blocks until a frame is available. It returns false when the queue is closed and drained
// or ctx is done.
func (q *Conflated) Take(ctx context.Context) (*types.Frame, bool) {
	select {
	case f, ok := <-q.ch:
		return f, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close stops intake and releases the waiting frame, if any.
func (q *Conflated) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
	for f := range q.ch {
		f.Release()
	}
}

// Dropped counts frames displaced before they were processed.
func (q *Conflated) Dropped() int64 { return q.dropped.Load() }
