// Package runstate is the Run State component (C7): the in-memory aggregate
// a coordinator carries across the steps of one run, plus the context packer
// that selects which history fits the next LLM call's budget.
package runstate

import (
	"sync"
	"time"

	"github.com/example/runengine/pkg/runmodel"
)

// Store holds one live runmodel.RunState per active run on this process.
// Ownership determines which runs a process may have live state for; Store
// itself does not enforce that — it is purely an in-memory map guarded by a
// mutex, matching the concurrency model's "per-run isolation" guarantee.
type Store struct {
	mu     sync.RWMutex
	states map[string]*runmodel.RunState
}

// New builds an empty Store.
func New() *Store {
	return &Store{states: make(map[string]*runmodel.RunState)}
}

// Init creates and registers a fresh RunState for runID.
func (s *Store) Init(runID, threadID string) *runmodel.RunState {
	st := &runmodel.RunState{
		RunID:     runID,
		ThreadID:  threadID,
		Phase:     runmodel.PhaseInit,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.states[runID] = st
	s.mu.Unlock()
	return st
}

// Get returns the live state for a run, or nil if none is registered.
func (s *Store) Get(runID string) *runmodel.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[runID]
}

// Drop removes a run's state once it exits, releasing its memory.
func (s *Store) Drop(runID string) {
	s.mu.Lock()
	delete(s.states, runID)
	s.mu.Unlock()
}

// Count reports how many runs currently have live state on this process.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
