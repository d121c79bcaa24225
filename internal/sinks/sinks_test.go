package sinks

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/coordinator"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/pkg/runmodel"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Writer(discard{})})
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeNotifier) NotifyRunFinished(ctx context.Context, accountID string, outcome coordinator.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExtractor) ExtractMemories(ctx context.Context, runID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeExtractor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherNotifyRunFinishedInvokesNotifier(t *testing.T) {
	notifier := &fakeNotifier{}
	d := New(Config{Workers: 2, QueueSize: 10}, notifier, &fakeExtractor{}, cache.New(nil, nil), testLogger())
	defer d.Stop()

	d.NotifyRunFinished(context.Background(), "run-1", "acct-1", coordinator.Outcome{Status: runmodel.StatusCompleted})

	waitFor(t, time.Second, func() bool { return notifier.count() == 1 })
}

func TestDispatcherExtractMemoriesInvokesExtractor(t *testing.T) {
	extractor := &fakeExtractor{}
	d := New(Config{Workers: 2, QueueSize: 10}, &fakeNotifier{}, extractor, cache.New(nil, nil), testLogger())
	defer d.Stop()

	d.ExtractMemories(context.Background(), "run-1", "thread-1")

	waitFor(t, time.Second, func() bool { return extractor.count() == 1 })
}

func TestDispatcherRecordsFailedJobs(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("delivery failed")}
	d := New(Config{Workers: 1, QueueSize: 10}, notifier, &fakeExtractor{}, cache.New(nil, nil), testLogger())
	defer d.Stop()

	d.NotifyRunFinished(context.Background(), "run-1", "acct-1", coordinator.Outcome{Status: runmodel.StatusFailed})

	waitFor(t, time.Second, func() bool {
		for _, j := range d.History() {
			if j.Status == StatusFailed {
				return true
			}
		}
		return false
	})
}

func TestDispatcherDropsJobsWhenQueueFull(t *testing.T) {
	d := &Dispatcher{
		cfg:   Config{Workers: 0, QueueSize: 1},
		log:   testLogger(),
		queue: make(chan func(context.Context), 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	d.queue <- func(context.Context) {}

	d.enqueue(KindCacheInvalidation, "", "acct-1", func(ctx context.Context) error { return nil })

	history := d.History()
	if len(history) != 1 || history[0].Status != StatusFailed {
		t.Fatalf("expected a dropped job recorded as failed, got %+v", history)
	}
}
