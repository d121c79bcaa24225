package ownership

import (
	"context"
	"testing"

	"github.com/example/runengine/internal/lock"
	"github.com/example/runengine/internal/redisx"
)

func TestShutdownBlocksNewClaims(t *testing.T) {
	m := New(lock.New(redisx.New(redisx.Config{Addr: "localhost:0"}), lock.DefaultConfig()), nil, nil, "owner-1", nil)
	m.Shutdown()

	ok, err := m.Claim(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected claim to be refused while shutting down")
	}
}

func TestActiveRunCountTracksReleases(t *testing.T) {
	m := New(nil, nil, nil, "owner-1", nil)
	m.released["run-1"] = func() {}
	m.released["run-2"] = func() {}

	if got := m.ActiveRunCount(); got != 2 {
		t.Fatalf("ActiveRunCount = %d, want 2", got)
	}
	m.Release("run-1")
	if got := m.ActiveRunCount(); got != 1 {
		t.Fatalf("ActiveRunCount after release = %d, want 1", got)
	}
}
