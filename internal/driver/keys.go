package driver

import "fmt"

// streamKey is the append-only event stream a run's semantic events are
// recorded to, replayable until its post-completion TTL expires.
func streamKey(runID string) string { return "agent_run:" + runID + ":stream" }

// eventsChannel is the pub/sub channel live subscribers watch for a run's
// semantic events, mirrored onto streamKey for replay.
func eventsChannel(runID string) string { return "agent_run:" + runID + ":events" }

// activeRunKey is the per-instance heartbeat marker proving this process is
// still actively driving runID; its TTL is refreshed by the control
// supervisor and deleted on release.
func activeRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// instanceControlChannel carries control signals addressed to every run a
// specific process instance is driving (used for instance-wide drains).
func instanceControlChannel(instanceID string) string { return "control:instance:" + instanceID }

// runControlChannel carries control signals (stop/steer/follow-up) addressed
// to one specific run, regardless of which instance claimed it.
func runControlChannel(runID string) string { return "control:run:" + runID }
