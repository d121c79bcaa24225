package llmexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/runengine/internal/backoff"
	"github.com/example/runengine/internal/ratelimit"
)

// FailoverConfig configures retry-then-failover behavior across providers.
type FailoverConfig struct {
	MaxRetries              int
	RetryPolicy             backoff.BackoffPolicy
	FailoverOnRateLimit     bool
	FailoverOnServerError   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultFailoverConfig matches the one-retry-then-fail-over policy used
// across the provider stack.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetries:              1,
		RetryPolicy:             backoff.AggressivePolicy(),
		FailoverOnRateLimit:     true,
		FailoverOnServerError:   true,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

type providerState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

func (s *providerState) available(cfg FailoverConfig) bool {
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > cfg.CircuitBreakerTimeout
}

// Orchestrator tries a primary provider and falls over to configured
// fallbacks on recoverable errors (rate limit, server error), tripping a
// per-provider circuit breaker after repeated failures.
type Orchestrator struct {
	providers []Provider
	config    FailoverConfig
	limiter   *ratelimit.Limiter

	mu     sync.RWMutex
	states map[string]*providerState
}

// NewOrchestrator builds an Orchestrator with primary as the first provider tried.
func NewOrchestrator(primary Provider, cfg FailoverConfig) *Orchestrator {
	if cfg.MaxRetries == 0 && cfg.CircuitBreakerThreshold == 0 {
		cfg = DefaultFailoverConfig()
	}
	return &Orchestrator{providers: []Provider{primary}, config: cfg, states: make(map[string]*providerState)}
}

// AddFallback registers an additional provider tried after the primary.
func (o *Orchestrator) AddFallback(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers = append(o.providers, p)
}

// SetRateLimiter caps outbound requests per provider name. A provider over
// its limit is treated as unavailable for this call and skipped in favor of
// the next fallback, the same as a tripped circuit breaker.
func (o *Orchestrator) SetRateLimiter(limiter *ratelimit.Limiter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limiter = limiter
}

// Complete tries each provider in order, retrying per-provider per
// FailoverConfig, stopping at the first success or the first error that
// does not warrant failing over to the next provider (validation errors never fail over — a bad request to one provider
// is a bad request to all of them).
func (o *Orchestrator) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	o.mu.RLock()
	providers := make([]Provider, len(o.providers))
	copy(providers, o.providers)
	o.mu.RUnlock()

	o.mu.RLock()
	limiter := o.limiter
	o.mu.RUnlock()

	var lastErr error
	for _, p := range providers {
		state := o.stateFor(p.Name())
		if !state.available(o.config) {
			continue
		}
		if limiter != nil && !limiter.Allow(p.Name()) {
			lastErr = NewProviderError(p.Name(), req.Model, fmt.Errorf("llmexec: provider rate limit exceeded"))
			continue
		}

		ch, err := o.tryProvider(ctx, p, req)
		if err == nil {
			o.recordSuccess(p.Name())
			return ch, nil
		}
		lastErr = err
		o.recordFailure(p.Name(), err)
		if !shouldFailover(err, o.config) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("llmexec: no available providers")
	}
	return nil, lastErr
}

func (o *Orchestrator) tryProvider(ctx context.Context, p Provider, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		ch, err := p.Complete(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= o.config.MaxRetries {
			break
		}
		if err := backoff.SleepWithBackoff(ctx, o.config.RetryPolicy, attempt+1); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) stateFor(name string) *providerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[name]
	if !ok {
		st = &providerState{}
		o.states[name] = st
	}
	return st
}

func (o *Orchestrator) recordSuccess(name string) {
	st := o.stateFor(name)
	o.mu.Lock()
	st.failures = 0
	st.circuitOpen = false
	o.mu.Unlock()
}

func (o *Orchestrator) recordFailure(name string, err error) {
	st := o.stateFor(name)
	o.mu.Lock()
	st.failures++
	if st.failures >= o.config.CircuitBreakerThreshold {
		st.circuitOpen = true
		st.circuitOpenAt = time.Now()
	}
	o.mu.Unlock()
}

func shouldFailover(err error, cfg FailoverConfig) bool {
	reason := ClassifyError(err)
	if pe, ok := GetProviderError(err); ok {
		reason = pe.Reason
	}
	switch reason {
	case FailoverRateLimit:
		return cfg.FailoverOnRateLimit
	case FailoverServerError:
		return cfg.FailoverOnServerError
	default:
		return reason.ShouldFailover()
	}
}

func isRetryable(err error) bool {
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
