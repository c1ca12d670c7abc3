// Package patch batches filesystem ops of a run into debounced flushes.
package patch

import (
	"sync"
	"time"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// DefaultWindow is the trailing debounce window between the last enqueue
// and a flush.
const DefaultWindow = 100 * time.Millisecond

// FlushFunc receives one coalesced batch. It is never called with an empty
// batch and never concurrently with itself.
type FlushFunc func(ops []domain.FsPatchOp)

// Batcher is a small state machine: pending ops keyed by path plus an armed
// timer. Enqueue arms or re-arms the timer, flush empties the buffer and
// disarms it.
type Batcher struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]domain.FsPatchOp
	order   []string
	timer   *time.Timer
	armed   bool
	closed  bool

	flushMu sync.Mutex
}

// New creates a batcher. A non-positive window uses DefaultWindow.
func New(window time.Duration, flush FlushFunc) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{
		window:  window,
		flush:   flush,
		pending: make(map[string]domain.FsPatchOp),
	}
}

// Enqueue adds an op. A later op for the same path replaces the earlier one
// and moves to the end of the batch, so only the last observed state of a
// path is flushed. Enqueue never blocks on a flush in progress.
func (b *Batcher) Enqueue(op domain.FsPatchOp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.pending[op.Path]; ok {
		b.removeLocked(op.Path)
	}
	b.pending[op.Path] = op
	b.order = append(b.order, op.Path)

	if b.armed {
		b.timer.Stop()
		b.timer.Reset(b.window)
		return
	}
	b.armed = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.Flush)
	} else {
		b.timer.Reset(b.window)
	}
}

func (b *Batcher) removeLocked(path string) {
	for i, p := range b.order {
		if p == path {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Flush delivers every pending op now. It is a no-op when nothing is pending.
func (b *Batcher) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	ops := b.take()
	if len(ops) > 0 {
		b.flush(ops)
	}
}

func (b *Batcher) take() []domain.FsPatchOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
	if len(b.order) == 0 {
		return nil
	}
	ops := make([]domain.FsPatchOp, 0, len(b.order))
	for _, p := range b.order {
		ops = append(ops, b.pending[p])
	}
	b.pending = make(map[string]domain.FsPatchOp)
	b.order = nil
	return ops
}

// Pending returns the number of ops waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Close forces a final flush and rejects further enqueues.
func (b *Batcher) Close() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	ops := b.take()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if len(ops) > 0 {
		b.flush(ops)
	}
}
