package driver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/redisx"
	"github.com/example/runengine/pkg/runmodel"
)

// controlSupervisor subscribes to a run's control channels and mirrors any
// STOP signal into an in-process cancellation flag the Coordinator polls
// once per step. It also refreshes the active-run TTL on a cadence measured
// in messages received rather than wall-clock time, so an idle run's lease
// still expires instead of being renewed forever by a ticker.
type controlSupervisor struct {
	sub   *redisx.Subscription
	redis *redisx.Client
	log   *logging.Logger

	activeKey    string
	ttl          time.Duration
	refreshEvery int

	cancelled atomic.Bool
	done      chan struct{}
}

// startControlSupervisor subscribes to channels and begins consuming
// control signals in a background goroutine. Call Stop to unwind it.
func startControlSupervisor(ctx context.Context, redis *redisx.Client, log *logging.Logger, channels []string, activeKey string, ttl time.Duration, refreshEvery int) *controlSupervisor {
	if refreshEvery <= 0 {
		refreshEvery = 50
	}
	s := &controlSupervisor{
		sub:          redis.Subscribe(ctx, channels...),
		redis:        redis,
		log:          log,
		activeKey:    activeKey,
		ttl:          ttl,
		refreshEvery: refreshEvery,
		done:         make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *controlSupervisor) run(ctx context.Context) {
	defer close(s.done)
	var received int
	for {
		_, payload, err := s.sub.Receive(ctx)
		if err != nil {
			return
		}
		received++
		if received%s.refreshEvery == 0 {
			if err := s.redis.Expire(ctx, s.activeKey, s.ttl); err != nil {
				s.log.Warn(ctx, "failed to refresh active run ttl", "key", s.activeKey, "error", err)
			}
		}

		var sig runmodel.ControlSignal
		if err := json.Unmarshal([]byte(payload), &sig); err != nil {
			continue
		}
		if sig.Type == runmodel.ControlStop {
			s.cancelled.Store(true)
		}
	}
}

// Cancelled reports whether a STOP signal has been observed. Passed directly
// as the Coordinator's cancellation predicate.
func (s *controlSupervisor) Cancelled() bool { return s.cancelled.Load() }

// Stop closes the subscription, unblocking Receive, and waits for run to exit.
func (s *controlSupervisor) Stop() {
	s.sub.Close()
	<-s.done
}
