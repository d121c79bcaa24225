// Package driver is the Background Driver (C12): the single per-job entry
// point that claims a run, drives it to completion through the Coordinator,
// fans its events out to Redis pub/sub and the event stream, and cleans up
// ownership/control state on exit. It owns the process-wide wiring the
// Coordinator deliberately stays ignorant of — Redis keys, control-channel
// subscriptions, backpressure, and post-run sinks.
package driver

import "time"

// Config bounds one process's Background Driver behavior. Defaults mirror
// the deterministic keying and backpressure thresholds named in the run
// execution design.
type Config struct {
	// StreamMaxLen is the approximate cap passed to XAdd for a run's event
	// stream, beyond which old entries are trimmed.
	StreamMaxLen int64

	// StreamTTLAfterCompletion is set on a run's stream key once the run
	// reaches a terminal status, bounding how long replay stays available.
	StreamTTLAfterCompletion time.Duration

	// ActiveRunTTL is the keepalive window for the active_run:{instance}:{run}
	// marker; the control supervisor refreshes it every RefreshEveryEvents
	// control messages received.
	ActiveRunTTL time.Duration

	// RefreshEveryEvents is how many control-channel messages the supervisor
	// consumes before refreshing the active-run TTL.
	RefreshEveryEvents int

	// MaxPendingRedisOps is the in-flight publish/append threshold above
	// which low-priority (streaming delta) events stop being forwarded to
	// Redis until the backlog drops to half this value.
	MaxPendingRedisOps int64
}

// DefaultConfig matches the thresholds named in the backpressure and
// ownership-record design: a 10000-entry stream, one hour of replay after
// completion, and a 500-op backpressure ceiling.
func DefaultConfig() Config {
	return Config{
		StreamMaxLen:             10000,
		StreamTTLAfterCompletion: time.Hour,
		ActiveRunTTL:             30 * time.Second,
		RefreshEveryEvents:       50,
		MaxPendingRedisOps:       500,
	}
}
