package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/runengine/pkg/runmodel"
)

// webhookStuckTimeout bounds how long a delivery may sit in "processing"
// before a claimant is presumed dead and the row is eligible for takeover,
// per the webhook dedup state machine.
const webhookStuckTimeout = 5 * time.Minute

// webhookRaceWindow is how recently a competing claim must have started for
// this claim to be told to retry rather than wait out a full in-progress —
// a claim this fresh is a redelivery racing an in-flight claim, not a
// long-running job.
const webhookRaceWindow = 2 * time.Second

// CreditAccount is an account's current credit balance.
type CreditAccount struct {
	AccountID string
	Balance   int64
	UpdatedAt time.Time
}

// GetCreditAccount returns the current balance for an account.
func (s *Store) GetCreditAccount(ctx context.Context, accountID string) (*CreditAccount, error) {
	row := s.primary.QueryRowContext(ctx, `
		SELECT account_id, balance, updated_at FROM credit_accounts WHERE account_id = $1
	`, accountID)
	var a CreditAccount
	if err := row.Scan(&a.AccountID, &a.Balance, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return &a, nil
}

// ReserveCredits atomically deducts amount from an account's balance,
// failing (0 rows affected) if the balance would go negative.
func (s *Store) ReserveCredits(ctx context.Context, accountID string, amount int64) (bool, error) {
	res, err := s.primary.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance - $2, updated_at = now()
		WHERE account_id = $1 AND balance >= $2
	`, accountID, amount)
	if err != nil {
		return false, fmt.Errorf("reserve credits: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendLedgerEntry records one credit deduction/grant for audit and replay.
// entryID should be a deterministic key (e.g. run_id+step_index) so a retried
// deduction does not double-charge.
func (s *Store) AppendLedgerEntry(ctx context.Context, entryID, accountID string, delta int64, reason string) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, account_id, delta, reason, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO NOTHING
	`, entryID, accountID, delta, reason)
	return err
}

// ClaimRenewalPeriod inserts a (account_id, period_start) row, returning
// false if the period was already processed — the at-most-once gate for the
// billing renewal scheduler.
func (s *Store) ClaimRenewalPeriod(ctx context.Context, accountID string, periodStart time.Time) (bool, error) {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO renewal_processing (account_id, period_start, processed_at)
		VALUES ($1,$2,now())
	`, accountID, periodStart)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim renewal period: %w", err)
	}
	return true, nil
}

// WebhookEvent is an inbound webhook delivery tracked through its
// processing lifecycle, keyed by (provider, id) to dedupe retried
// deliveries.
type WebhookEvent struct {
	ID                  string
	Provider            string
	Status              string
	RetryCount          int
	ProcessingStartedAt time.Time
	CompletedAt         sql.NullTime
	ErrorMessage        sql.NullString
}

// ClaimWebhookEvent claims a delivery for processing: first time through, or
// a prior attempt left it `failed`, or a prior `processing` claim is older
// than webhookStuckTimeout (its claimant is presumed dead). Returns
// IdempotencyProceed on a successful claim, IdempotencyAlreadyCompleted if
// the delivery already finished, IdempotencyInProgress if another claimant
// is genuinely still working it, or IdempotencyRetryLater if a competing
// claim just started — a race the caller should resolve by asking its
// broker to redeliver shortly rather than waiting out the full timeout.
func (s *Store) ClaimWebhookEvent(ctx context.Context, id, provider string) (runmodel.IdempotencyStatus, error) {
	var claimedStatus string
	row := s.primary.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, provider, status, processing_started_at, retry_count)
		VALUES ($1, $2, 'processing', now(), 0)
		ON CONFLICT (provider, id) DO UPDATE
		SET status = 'processing', processing_started_at = now(), retry_count = webhook_events.retry_count + 1
		WHERE webhook_events.status = 'failed'
		   OR (webhook_events.status = 'processing' AND webhook_events.processing_started_at < now() - ($3 * interval '1 second'))
		RETURNING status
	`, id, provider, webhookStuckTimeout.Seconds())
	switch err := row.Scan(&claimedStatus); {
	case err == nil:
		return runmodel.IdempotencyProceed, nil
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("claim webhook event: %w", err)
	}

	var existingStatus string
	var processingStartedAt time.Time
	existing := s.primary.QueryRowContext(ctx, `
		SELECT status, processing_started_at FROM webhook_events WHERE provider = $1 AND id = $2
	`, provider, id)
	if err := existing.Scan(&existingStatus, &processingStartedAt); err != nil {
		return "", fmt.Errorf("read webhook event status: %w", err)
	}
	switch existingStatus {
	case "completed":
		return runmodel.IdempotencyAlreadyCompleted, nil
	case "processing":
		if time.Since(processingStartedAt) < webhookRaceWindow {
			return runmodel.IdempotencyRetryLater, nil
		}
		return runmodel.IdempotencyInProgress, nil
	default:
		return runmodel.IdempotencyInProgress, nil
	}
}

// CompleteWebhookEvent marks a claimed delivery as finished, the terminal
// success state `ClaimWebhookEvent` will not reclaim.
func (s *Store) CompleteWebhookEvent(ctx context.Context, id, provider string) error {
	_, err := s.primary.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'completed', completed_at = now(), error_message = NULL
		WHERE provider = $1 AND id = $2
	`, provider, id)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

// FailWebhookEvent marks a claimed delivery as failed, making it eligible
// for `ClaimWebhookEvent` to reclaim on the next redelivery.
func (s *Store) FailWebhookEvent(ctx context.Context, id, provider, errMsg string) error {
	_, err := s.primary.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'failed', error_message = $3
		WHERE provider = $1 AND id = $2
	`, provider, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}
