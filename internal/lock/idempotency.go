package lock

import (
	"context"
	"time"

	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/pkg/runmodel"
)

// WebhookClaimer is the subset of the relational store's billing methods
// idempotency checks need, kept narrow so this package doesn't import store
// directly.
type WebhookClaimer interface {
	ClaimWebhookEvent(ctx context.Context, id, provider string) (runmodel.IdempotencyStatus, error)
	CompleteWebhookEvent(ctx context.Context, id, provider string) error
	FailWebhookEvent(ctx context.Context, id, provider, errMsg string) error
}

// WebhookGate deduplicates inbound webhook deliveries. A local DedupeCache
// fast-path absorbs the common case of an immediate retry of an already
// *completed* delivery; every other outcome (proceed, in-progress, retry
// later) always consults the store, since only the store knows whether a
// failed attempt has since reopened the delivery for reclaim.
type WebhookGate struct {
	store WebhookClaimer
	local *cache.DedupeCache
}

// NewWebhookGate builds a gate with a short local dedup window in front of
// the durable claim, sized to absorb rapid-fire retries from one delivery.
func NewWebhookGate(store WebhookClaimer) *WebhookGate {
	return &WebhookGate{
		store: store,
		local: cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: 30 * time.Second, MaxSize: 10000}),
	}
}

// Check returns the idempotency status for delivery id from provider:
// IdempotencyProceed (first attempt, or a prior attempt failed),
// IdempotencyAlreadyCompleted (no-op), IdempotencyInProgress (another
// claimant is still working it), or IdempotencyRetryLater (a competing
// claim just started — the caller should signal its broker to redeliver
// shortly rather than wait out the full in-progress window).
func (g *WebhookGate) Check(ctx context.Context, id, provider string) (runmodel.IdempotencyStatus, error) {
	key := provider + ":" + id
	if g.local.Contains(key) {
		return runmodel.IdempotencyAlreadyCompleted, nil
	}
	status, err := g.store.ClaimWebhookEvent(ctx, id, provider)
	if err != nil {
		return "", err
	}
	if status == runmodel.IdempotencyAlreadyCompleted {
		g.local.Check(key)
	}
	return status, nil
}

// Complete marks a claimed delivery as finished and caches it locally so an
// immediate redelivery doesn't need a round trip to the store.
func (g *WebhookGate) Complete(ctx context.Context, id, provider string) error {
	if err := g.store.CompleteWebhookEvent(ctx, id, provider); err != nil {
		return err
	}
	g.local.Check(provider + ":" + id)
	return nil
}

// Fail marks a claimed delivery as failed, reopening it for the next
// redelivery to reclaim via Check.
func (g *WebhookGate) Fail(ctx context.Context, id, provider, errMsg string) error {
	return g.store.FailWebhookEvent(ctx, id, provider, errMsg)
}

// RenewalClaimer is the subset of store methods the renewal gate needs.
type RenewalClaimer interface {
	ClaimRenewalPeriod(ctx context.Context, accountID string, periodStart time.Time) (bool, error)
}

// RenewalGate deduplicates the per-account, per-period credit renewal job so
// a scheduler restart or overlapping run never double-grants a period.
type RenewalGate struct {
	store RenewalClaimer
}

// NewRenewalGate builds a gate over the renewal_processing claim table.
func NewRenewalGate(store RenewalClaimer) *RenewalGate {
	return &RenewalGate{store: store}
}

// Claim returns true if this call is the first to process accountID's period.
func (g *RenewalGate) Claim(ctx context.Context, accountID string, periodStart time.Time) (bool, error) {
	return g.store.ClaimRenewalPeriod(ctx, accountID, periodStart)
}

// StepClaimer is the subset of store methods the step idempotency gate needs.
type StepClaimer interface {
	ClaimStep(ctx context.Context, runID string, stepIndex int, kind string) (bool, error)
}

// StepGate deduplicates a coordinator step's LLM call against
// (run_id, step_index, kind) so a crash-and-resume never re-issues a step
// whose call already went out.
type StepGate struct {
	store StepClaimer
}

// NewStepGate builds a gate over the step_processing claim table.
func NewStepGate(store StepClaimer) *StepGate {
	return &StepGate{store: store}
}

// Claim returns true if this call is the first to process this step.
func (g *StepGate) Claim(ctx context.Context, runID string, stepIndex int, kind string) (bool, error) {
	return g.store.ClaimStep(ctx, runID, stepIndex, kind)
}
