// Package respproc is the Response Processor (C10): it consumes a streaming
// completion's chunk sequence and the invoker's tool results and emits the
// semantic run.Event sequence consumers (SSE clients, the append-only
// stream writer) observe — assembling tool-call argument deltas, assigning
// the assistant message id once per turn, and propagating termination.
package respproc

import (
	"context"
	"sync/atomic"

	"github.com/example/runengine/pkg/runmodel"
)

// Sink receives the event sequence a Processor produces.
type Sink interface {
	Emit(ctx context.Context, e runmodel.Event)
}

// NopSink discards every event; useful in tests that only care about the
// returned StepOutcome.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e runmodel.Event) {}

// ChanSink forwards events onto a channel, blocking unless ctx is done.
type ChanSink struct {
	Ch chan<- runmodel.Event
}

func (s ChanSink) Emit(ctx context.Context, e runmodel.Event) {
	select {
	case s.Ch <- e:
	case <-ctx.Done():
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e runmodel.Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// BackpressureConfig bounds the two lanes a BackpressureSink merges.
type BackpressureConfig struct {
	HighPriBuffer int
	LowPriBuffer  int
}

// DefaultBackpressureConfig matches the buffer sizes used across the corpus
// for similarly-shaped high/low priority event merging.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// BackpressureSink never drops a high-priority event (tool/finish/error
// events) but silently drops low-priority ones (model.delta streaming text)
// once its buffer is full, so a slow consumer can't stall the run.
type BackpressureSink struct {
	highPri chan runmodel.Event
	lowPri  chan runmodel.Event
	merged  chan runmodel.Event
	dropped uint64
	closed  uint32
}

// NewBackpressureSink starts the merge goroutine and returns the sink plus
// the channel consumers should range over.
func NewBackpressureSink(cfg BackpressureConfig) (*BackpressureSink, <-chan runmodel.Event) {
	if cfg.HighPriBuffer <= 0 || cfg.LowPriBuffer <= 0 {
		cfg = DefaultBackpressureConfig()
	}
	s := &BackpressureSink{
		highPri: make(chan runmodel.Event, cfg.HighPriBuffer),
		lowPri:  make(chan runmodel.Event, cfg.LowPriBuffer),
		merged:  make(chan runmodel.Event, cfg.HighPriBuffer+cfg.LowPriBuffer),
	}
	go s.mergeLoop()
	return s, s.merged
}

func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e, ok := <-s.highPri:
			if !ok {
				s.drainLowPri()
				return
			}
			s.merged <- e
		default:
			select {
			case e, ok := <-s.highPri:
				if !ok {
					s.drainLowPri()
					return
				}
				s.merged <- e
			case e := <-s.lowPri:
				s.merged <- e
			}
		}
	}
}

func (s *BackpressureSink) drainLowPri() {
	for {
		select {
		case e := <-s.lowPri:
			s.merged <- e
		default:
			return
		}
	}
}

// Emit routes e by priority: high-priority events block (best-effort,
// abandoned if ctx finishes first); low-priority events are dropped rather
// than block a producer that's outrunning its consumer.
func (s *BackpressureSink) Emit(ctx context.Context, e runmodel.Event) {
	if runmodel.PriorityOf(e.Type) == runmodel.PriorityLow {
		select {
		case s.lowPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-ctx.Done():
	}
}

// DroppedCount reports how many low-priority events were dropped so far.
func (s *BackpressureSink) DroppedCount() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close shuts down the sink; safe to call more than once.
func (s *BackpressureSink) Close() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.highPri)
	}
}
