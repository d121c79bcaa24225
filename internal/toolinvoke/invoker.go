package toolinvoke

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/example/runengine/pkg/runmodel"
)

// Config bounds a single tool invocation's concurrency, timeout, and retries.
type Config struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig matches the concurrency/timeout/retry defaults used across
// the corpus for similarly-shaped parallel tool execution.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Invoker executes tool calls against a run's Snapshot with concurrency
// limiting, per-call timeout, retry-on-transient-error, and panic recovery.
type Invoker struct {
	cfg     Config
	sem     chan struct{}
	schemas map[string]*jsonschema.Schema
}

// NewInvoker builds an Invoker bounded by cfg.
func NewInvoker(cfg Config) *Invoker {
	if cfg.MaxConcurrency <= 0 {
		cfg = DefaultConfig()
	}
	return &Invoker{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrency), schemas: make(map[string]*jsonschema.Schema)}
}

// Invoke parses args against the tool's declared schema, calls it with
// retry/timeout/panic protection, and normalizes the outcome — errors
// during validation or execution are captured into Result, never returned
// as a Go error (matching the invoker's "never raise out" contract).
func (inv *Invoker) Invoke(ctx context.Context, snap *Snapshot, call runmodel.ToolCall) *Result {
	tool, ok := snap.Get(call.Name)
	if !ok {
		return &Result{Error: fmt.Sprintf("tool not found: %s", call.Name)}
	}

	if err := inv.validate(tool, call.Input); err != nil {
		return &Result{Error: fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)}
	}

	select {
	case inv.sem <- struct{}{}:
		defer func() { <-inv.sem }()
	case <-ctx.Done():
		return &Result{Error: ctx.Err().Error()}
	}

	backoff := inv.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= inv.cfg.MaxRetries; attempt++ {
		result, err := inv.executeOnce(ctx, tool, call)
		if err == nil {
			return normalize(result)
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil || attempt >= inv.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > inv.cfg.MaxRetryBackoff {
			backoff = inv.cfg.MaxRetryBackoff
		}
	}
	return &Result{Error: lastErr.Error()}
}

func (inv *Invoker) validate(tool Tool, args json.RawMessage) error {
	schema, err := inv.schemaFor(tool)
	if err != nil || schema == nil {
		return err
	}
	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

func (inv *Invoker) schemaFor(tool Tool) (*jsonschema.Schema, error) {
	if s, ok := inv.schemas[tool.Name()]; ok {
		return s, nil
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(tool.Name(), string(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %s: %w", tool.Name(), err)
	}
	inv.schemas[tool.Name()] = compiled
	return compiled, nil
}

func (inv *Invoker) executeOnce(ctx context.Context, tool Tool, call runmodel.ToolCall) (result *Result, err error) {
	timeout := inv.cfg.DefaultTimeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()
		res, execErr := tool.Execute(execCtx, call.Input)
		ch <- outcome{result: res, err: execErr}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s timed out after %s", call.Name, timeout)
	}
}

// normalize matches the invoker's {success,output}/{success:false,error}
// contract: a tool that returns its own Result is passed through verbatim,
// a nil result with no error becomes a bare success.
func normalize(result *Result) *Result {
	if result == nil {
		return &Result{Success: true}
	}
	return result
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"timeout", "connection reset", "rate limit", "503", "502", "temporarily unavailable"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
