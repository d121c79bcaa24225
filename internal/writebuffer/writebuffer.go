// Package writebuffer is the Write Buffer (C5): it accumulates streamed
// content/tool deltas in memory and flushes coalesced rows to the Relational
// Store on a fixed cadence, serialized per run_id so a flush never races a
// concurrent append for the same run.
package writebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/example/runengine/pkg/runmodel"
)

// Flusher persists a batch of accumulated messages for one run. Implemented
// by internal/store.Store.AppendMessage in a loop, or a batch variant.
type Flusher interface {
	AppendMessage(ctx context.Context, m *runmodel.Message) error
}

// runBuffer accumulates pending rows for exactly one run_id, guarded by its
// own mutex so flushes for different runs never block each other.
type runBuffer struct {
	mu      sync.Mutex
	pending []runmodel.Message
}

// Buffer is the per-process write buffer. One Buffer instance is shared by
// all runs a process drives; each run gets its own runBuffer on first write.
type Buffer struct {
	flusher       Flusher
	flushInterval time.Duration

	mu      sync.Mutex
	buffers map[string]*runBuffer

	stopCh chan struct{}
	doneCh chan struct{}
}

// DefaultFlushInterval matches the spec's background flush cadence.
const DefaultFlushInterval = 5 * time.Second

// New builds a Buffer. Call Start to begin the background flush loop.
func New(flusher Flusher, flushInterval time.Duration) *Buffer {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Buffer{
		flusher:       flusher,
		flushInterval: flushInterval,
		buffers:       make(map[string]*runBuffer),
	}
}

// Append queues a message for run runID. It coalesces with any other
// pending messages for the same run but is never itself a blocking flush.
func (b *Buffer) Append(runID string, m runmodel.Message) {
	rb := b.bufferFor(runID)
	rb.mu.Lock()
	rb.pending = append(rb.pending, m)
	rb.mu.Unlock()
}

func (b *Buffer) bufferFor(runID string) *runBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.buffers[runID]
	if !ok {
		rb = &runBuffer{}
		b.buffers[runID] = rb
	}
	return rb
}

// Flush persists and clears all pending messages for one run. Called both by
// the background ticker and explicitly at run completion so no buffered
// content is lost between the last tick and the terminal status write.
func (b *Buffer) Flush(ctx context.Context, runID string) error {
	rb := b.bufferFor(runID)
	rb.mu.Lock()
	batch := rb.pending
	rb.pending = nil
	rb.mu.Unlock()

	for i := range batch {
		if err := b.flusher.AppendMessage(ctx, &batch[i]); err != nil {
			// Put the unflushed remainder back so the next tick retries it.
			rb.mu.Lock()
			rb.pending = append(batch[i:], rb.pending...)
			rb.mu.Unlock()
			return err
		}
	}
	return nil
}

// Drop discards a run's buffer and releases it without flushing — used when
// a run's thread no longer exists (e.g. hard delete) so no buffer leaks.
func (b *Buffer) Drop(runID string) {
	b.mu.Lock()
	delete(b.buffers, runID)
	b.mu.Unlock()
}

// Start begins the background flush loop, flushing every known run's buffer
// on each tick. Call Stop to drain and halt.
func (b *Buffer) Start(ctx context.Context) {
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run(ctx)
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flushAll(ctx)
		}
	}
}

func (b *Buffer) flushAll(ctx context.Context) {
	b.mu.Lock()
	runIDs := make([]string, 0, len(b.buffers))
	for id := range b.buffers {
		runIDs = append(runIDs, id)
	}
	b.mu.Unlock()

	for _, id := range runIDs {
		_ = b.Flush(ctx, id)
	}
}

// Stop halts the background loop. Callers should Flush any still-active
// runs explicitly afterward — Stop does not drain pending content itself.
func (b *Buffer) Stop() {
	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
}
