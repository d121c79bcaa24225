package toolinvoke

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/runengine/pkg/runmodel"
)

type fakeTool struct {
	name   string
	schema json.RawMessage
	fn     func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (t *fakeTool) Name() string              { return t.name }
func (t *fakeTool) Description() string       { return "fake tool" }
func (t *fakeTool) Schema() json.RawMessage   { return t.schema }
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.fn(ctx, args)
}

func TestInvokeToolNotFound(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(DefaultConfig())
	result := inv.Invoke(context.Background(), reg.Snapshot(), runmodel.ToolCall{Name: "missing"})
	if result.Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestInvokeValidatesArgsAgainstSchema(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name:   "calc",
		schema: json.RawMessage(`{"type":"object","required":["expr"],"properties":{"expr":{"type":"string"}}}`),
		fn:     func(ctx context.Context, args json.RawMessage) (*Result, error) { return &Result{Success: true, Output: 4}, nil },
	})
	inv := NewInvoker(DefaultConfig())

	result := inv.Invoke(context.Background(), reg.Snapshot(), runmodel.ToolCall{Name: "calc", Input: json.RawMessage(`{}`)})
	if result.Success {
		t.Fatal("expected schema validation failure for missing required field")
	}

	result = inv.Invoke(context.Background(), reg.Snapshot(), runmodel.ToolCall{Name: "calc", Input: json.RawMessage(`{"expr":"2+2"}`)})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
}

func TestInvokeRecoversFromPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "boom",
		fn:   func(ctx context.Context, args json.RawMessage) (*Result, error) { panic("kaboom") },
	})
	inv := NewInvoker(DefaultConfig())

	result := inv.Invoke(context.Background(), reg.Snapshot(), runmodel.ToolCall{Name: "boom"})
	if result.Success {
		t.Fatal("expected failure after panic recovery")
	}
}

func TestInvokeRetriesTransientError(t *testing.T) {
	attempts := 0
	reg := NewRegistry()
	reg.Register(&fakeTool{
		name: "flaky",
		fn: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("503 server error")
			}
			return &Result{Success: true}, nil
		},
	})
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	inv := NewInvoker(cfg)

	result := inv.Invoke(context.Background(), reg.Snapshot(), runmodel.ToolCall{Name: "flaky"})
	if !result.Success {
		t.Fatalf("expected eventual success, got %q", result.Error)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestIsTerminatorNames(t *testing.T) {
	if !IsTerminator("ask") || !IsTerminator("complete") {
		t.Fatal("expected ask and complete to be terminators")
	}
	if IsTerminator("calc") {
		t.Fatal("expected calc not to be a terminator")
	}
}
