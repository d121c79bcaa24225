// Package billing implements the credit-reservation gates §4.13 calls out
// by name because the run engine's correctness depends on them: a
// per-subscription lock during free→paid upgrade so a double-submitted
// upgrade never grants credits twice, a per-(account, period_start) renewal
// dedup so a webhook and a scheduled sweep racing each other still grant
// exactly once, and a webhook handler that claims before any side effect,
// runs the side effect, and only then marks completion or failure — so a
// handler that errors reopens the delivery for the next redelivery instead
// of silently swallowing it forever.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/runengine/internal/lock"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/store"
	"github.com/example/runengine/pkg/runmodel"
)

// ErrWebhookRetryLater is returned when HandleWebhook detects a claim race
// on the same delivery — the caller should signal its broker-level retry
// (e.g. a non-2xx response) rather than treat this as delivery failure.
var ErrWebhookRetryLater = errors.New("billing: webhook claim race, retry delivery later")

// Ledger is the subset of the relational store billing needs: balance reads,
// reservation, and the append-only audit trail. Kept narrow so tests can
// substitute a fake store.
type Ledger interface {
	GetCreditAccount(ctx context.Context, accountID string) (*store.CreditAccount, error)
	ReserveCredits(ctx context.Context, accountID string, amount int64) (bool, error)
	AppendLedgerEntry(ctx context.Context, entryID, accountID string, delta int64, reason string) error
}

// Locker is the subset of lock.Manager the subscription-upgrade guard needs,
// narrowed to an interface so tests can substitute a fake rather than
// standing up a real Redis-backed Manager.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, wait bool, waitTimeout time.Duration) (release func(), ok bool, err error)
}

// Service wires the Distributed Lock & Idempotency component's gates around
// a relational ledger to implement the three patterns §4.13 names.
type Service struct {
	ledger  Ledger
	locks   Locker
	renewal *lock.RenewalGate
	webhook *lock.WebhookGate
	log     *logging.Logger
}

// New builds a Service. store must satisfy Ledger, RenewalClaimer and
// WebhookClaimer simultaneously — internal/store's Store does.
func New(ledger Ledger, renewalClaimer lock.RenewalClaimer, webhookClaimer lock.WebhookClaimer, locks Locker, log *logging.Logger) *Service {
	return &Service{
		ledger:  ledger,
		locks:   locks,
		renewal: lock.NewRenewalGate(renewalClaimer),
		webhook: lock.NewWebhookGate(webhookClaimer),
		log:     log,
	}
}

func subscriptionLockName(accountID string) string { return "billing:subscription:" + accountID }

// UpgradeToPaid grants a plan's starting credit balance while holding the
// account's subscription lock, so two concurrent upgrade requests for the
// same account — a duplicate click, a retried webhook — never both observe
// an unlocked account and both grant.
func (s *Service) UpgradeToPaid(ctx context.Context, accountID string, startingCredits int64) error {
	release, ok, err := s.locks.Acquire(ctx, subscriptionLockName(accountID), "upgrade:"+accountID, false, 0)
	if err != nil {
		return fmt.Errorf("billing: acquire subscription lock: %w", err)
	}
	if !ok {
		s.log.Info(ctx, "upgrade already in progress, skipping duplicate", "account_id", accountID)
		return nil
	}
	defer release()

	entryID := "upgrade:" + accountID
	if err := s.ledger.AppendLedgerEntry(ctx, entryID, accountID, startingCredits, "plan_upgrade"); err != nil {
		return fmt.Errorf("billing: append upgrade ledger entry: %w", err)
	}
	s.log.Info(ctx, "granted paid plan starting credits", "account_id", accountID, "amount", startingCredits)
	return nil
}

// GrantRenewal grants a subscription period's credit allotment, guarded by
// the renewal dedup gate so it is a no-op (returns granted=false) for every
// caller after the first — regardless of whether the caller is a webhook
// delivery or the scheduled sweep for the same period.
func (s *Service) GrantRenewal(ctx context.Context, accountID string, periodStart time.Time, amount int64) (granted bool, err error) {
	first, err := s.renewal.Claim(ctx, accountID, periodStart)
	if err != nil {
		return false, fmt.Errorf("billing: claim renewal period: %w", err)
	}
	if !first {
		s.log.Debug(ctx, "renewal already processed for period", "account_id", accountID, "period_start", periodStart)
		return false, nil
	}

	entryID := fmt.Sprintf("renewal:%s:%d", accountID, periodStart.Unix())
	if err := s.ledger.AppendLedgerEntry(ctx, entryID, accountID, amount, "period_renewal"); err != nil {
		return false, fmt.Errorf("billing: append renewal ledger entry: %w", err)
	}
	s.log.Info(ctx, "granted period renewal credits", "account_id", accountID, "period_start", periodStart, "amount", amount)
	return true, nil
}

// ReserveForStep deducts a run step's credit cost, failing (ok=false,
// err=nil) rather than going negative — the caller is expected to treat a
// false reservation as insufficient balance, not a transient failure.
func (s *Service) ReserveForStep(ctx context.Context, entryID, accountID string, amount int64) (ok bool, err error) {
	ok, err = s.ledger.ReserveCredits(ctx, accountID, amount)
	if err != nil {
		return false, fmt.Errorf("billing: reserve credits: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.ledger.AppendLedgerEntry(ctx, entryID, accountID, -amount, "run_step"); err != nil {
		s.log.Warn(ctx, "reserved credits but failed to append ledger entry", "account_id", accountID, "entry_id", entryID, "error", err)
	}
	return true, nil
}

// WebhookHandler is a provider-specific callback invoked once a delivery has
// been claimed for processing; it performs the side effect only, leaving
// completion/failure bookkeeping to HandleWebhook.
type WebhookHandler func(ctx context.Context) error

// HandleWebhook runs handler for a provider's delivery id under the webhook
// idempotency gate: claim happens before handler runs (so a retry that
// arrives mid-processing is rejected, not re-run), and the claim is only
// marked completed after handler succeeds. A failed handler marks the claim
// failed instead, reopening the delivery so the provider's own redelivery
// reclaims and retries it — a failed attempt is never a permanent no-op.
func (s *Service) HandleWebhook(ctx context.Context, deliveryID, provider string, handler WebhookHandler) error {
	status, err := s.webhook.Check(ctx, deliveryID, provider)
	if err != nil {
		return fmt.Errorf("billing: check webhook idempotency: %w", err)
	}
	switch status {
	case runmodel.IdempotencyAlreadyCompleted:
		s.log.Debug(ctx, "webhook delivery already processed, skipping", "provider", provider, "delivery_id", deliveryID)
		return nil
	case runmodel.IdempotencyInProgress:
		s.log.Debug(ctx, "webhook delivery already in progress, skipping", "provider", provider, "delivery_id", deliveryID)
		return nil
	case runmodel.IdempotencyRetryLater:
		s.log.Debug(ctx, "webhook claim race detected, asking for redelivery", "provider", provider, "delivery_id", deliveryID)
		return ErrWebhookRetryLater
	}

	if err := handler(ctx); err != nil {
		if failErr := s.webhook.Fail(ctx, deliveryID, provider, err.Error()); failErr != nil {
			s.log.Warn(ctx, "webhook handler failed and failure could not be recorded", "provider", provider, "delivery_id", deliveryID, "error", err, "record_error", failErr)
		} else {
			s.log.Warn(ctx, "webhook handler failed, delivery reopened for redelivery", "provider", provider, "delivery_id", deliveryID, "error", err)
		}
		return fmt.Errorf("billing: webhook handler: %w", err)
	}

	if err := s.webhook.Complete(ctx, deliveryID, provider); err != nil {
		s.log.Warn(ctx, "webhook handler succeeded but completion could not be recorded", "provider", provider, "delivery_id", deliveryID, "error", err)
	}
	s.log.Info(ctx, "webhook delivery processed", "provider", provider, "delivery_id", deliveryID)
	return nil
}
