package runmodel

import "testing"

func TestNextSequenceStartsAtZero(t *testing.T) {
	state := &RunState{RunID: "run-1"}

	first := state.NextSequence()
	if first != 0 {
		t.Fatalf("expected first sequence 0, got %d", first)
	}

	second := state.NextSequence()
	if second != 1 {
		t.Fatalf("expected second sequence 1, got %d", second)
	}

	third := state.NextSequence()
	if third != 2 {
		t.Fatalf("expected third sequence 2, got %d", third)
	}
}
