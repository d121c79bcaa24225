package toolinvoke

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSnapshotIsolatesLaterRegistrations(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "a", fn: func(ctx context.Context, args json.RawMessage) (*Result, error) { return &Result{Success: true}, nil }})

	snap := reg.Snapshot()
	reg.Register(&fakeTool{name: "b", fn: func(ctx context.Context, args json.RawMessage) (*Result, error) { return &Result{Success: true}, nil }})

	if _, ok := snap.Get("b"); ok {
		t.Fatal("snapshot should not see tools registered after it was taken")
	}
	if _, ok := snap.Get("a"); !ok {
		t.Fatal("snapshot should see tools registered before it was taken")
	}
}

func TestSnapshotSpecsReflectsSchema(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "calc", schema: json.RawMessage(`{"type":"object"}`)})
	specs := reg.Snapshot().Specs()
	if len(specs) != 1 || specs[0].Name != "calc" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}
