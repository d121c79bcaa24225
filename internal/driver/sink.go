package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/redisx"
	"github.com/example/runengine/internal/writebuffer"
	"github.com/example/runengine/pkg/runmodel"
)

// eventSink implements respproc.Sink: it forwards every semantic event to
// Redis (pub/sub for live subscribers, the stream for replay) and coalesces
// streamed content/tool deltas into persisted Messages via the Write Buffer.
// Under backpressure it keeps persisting through the Write Buffer but drops
// low-priority events from Redis — persisted history always catches up on
// replay, live subscribers just miss some deltas.
type eventSink struct {
	redis   *redisx.Client
	buffer  *writebuffer.Buffer
	metrics *metrics.Metrics
	log     *logging.Logger

	runID      string
	threadID   string
	streamKey  string
	channel    string
	maxLen     int64
	maxPending int64

	pending atomic.Int64
	paused  atomic.Bool

	mu      sync.Mutex
	content strings.Builder
}

func newEventSink(redis *redisx.Client, buffer *writebuffer.Buffer, m *metrics.Metrics, log *logging.Logger, runID, threadID string, maxLen, maxPending int64) *eventSink {
	return &eventSink{
		redis:      redis,
		buffer:     buffer,
		metrics:    m,
		log:        log,
		runID:      runID,
		threadID:   threadID,
		streamKey:  streamKey(runID),
		channel:    eventsChannel(runID),
		maxLen:     maxLen,
		maxPending: maxPending,
	}
}

// Emit persists e (if it carries durable content) and forwards it to Redis,
// subject to the backpressure rule.
func (s *eventSink) Emit(ctx context.Context, e runmodel.Event) {
	s.persist(ctx, e)
	s.forward(ctx, e)
}

// persist coalesces streaming content/tool-result events into Messages
// appended to the Write Buffer, independent of Redis backpressure.
func (s *eventSink) persist(ctx context.Context, e runmodel.Event) {
	switch e.Type {
	case runmodel.EventLLMResponseStart:
		s.mu.Lock()
		s.content.Reset()
		s.mu.Unlock()

	case runmodel.EventModelDelta:
		s.mu.Lock()
		s.content.WriteString(e.Delta)
		s.mu.Unlock()

	case runmodel.EventFinish:
		s.mu.Lock()
		text := s.content.String()
		s.content.Reset()
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.buffer.Append(s.runID, runmodel.Message{
			ThreadID:     s.threadID,
			RunID:        s.runID,
			Role:         runmodel.RoleAssistant,
			Content:      text,
			IsLLMMessage: true,
			CreatedAt:    e.Time,
		})

	case runmodel.EventToolResult:
		if e.ToolResult == nil {
			return
		}
		s.buffer.Append(s.runID, runmodel.Message{
			ThreadID:     s.threadID,
			RunID:        s.runID,
			Role:         runmodel.RoleTool,
			Content:      e.ToolResult.Content,
			ToolResults:  []runmodel.ToolResult{*e.ToolResult},
			IsLLMMessage: true,
			CreatedAt:    e.Time,
		})
	}
}

// forward publishes e to the live channel and appends it to the replay
// stream, skipping low-priority events while the in-flight op count is
// paused above maxPending.
func (s *eventSink) forward(ctx context.Context, e runmodel.Event) {
	if s.paused.Load() && runmodel.PriorityOf(e.Type) == runmodel.PriorityLow {
		return
	}

	body, err := json.Marshal(e)
	if err != nil {
		s.log.Warn(ctx, "failed to marshal event for redis forwarding", "run_id", s.runID, "error", err)
		return
	}

	s.begin()
	defer s.end()

	if err := s.redis.Publish(ctx, s.channel, string(body)); err != nil {
		s.log.Warn(ctx, "failed to publish event", "run_id", s.runID, "error", err)
	}
	if _, err := s.redis.XAdd(ctx, s.streamKey, s.maxLen, map[string]any{"event": string(body)}); err != nil {
		s.log.Warn(ctx, "failed to append event to stream", "run_id", s.runID, "error", err)
	}
}

// begin/end track in-flight publish+append pairs and flip the pause flag at
// the configured ceiling, with hysteresis at half the ceiling so the pause
// doesn't flap on every event once triggered.
func (s *eventSink) begin() {
	n := s.pending.Add(1)
	s.metrics.PendingRedisOps.Set(float64(n))
	if n > s.maxPending && !s.paused.Load() {
		s.paused.Store(true)
		s.metrics.BackpressurePauses.Inc()
	}
}

func (s *eventSink) end() {
	n := s.pending.Add(-1)
	s.metrics.PendingRedisOps.Set(float64(n))
	if n <= s.maxPending/2 && s.paused.Load() {
		s.paused.Store(false)
	}
}

// Close is a no-op placeholder for symmetry with other per-run resources;
// eventSink holds no background goroutine of its own to tear down.
func (s *eventSink) Close() {}
