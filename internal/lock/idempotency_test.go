package lock

import (
	"context"
	"testing"
	"time"

	"github.com/example/runengine/pkg/runmodel"
)

type fakeWebhookClaimer struct {
	status map[string]string // "processing" | "completed" | "failed"
}

func (f *fakeWebhookClaimer) ClaimWebhookEvent(ctx context.Context, id, provider string) (runmodel.IdempotencyStatus, error) {
	key := provider + ":" + id
	switch f.status[key] {
	case "completed":
		return runmodel.IdempotencyAlreadyCompleted, nil
	case "processing":
		return runmodel.IdempotencyInProgress, nil
	}
	f.status[key] = "processing"
	return runmodel.IdempotencyProceed, nil
}

func (f *fakeWebhookClaimer) CompleteWebhookEvent(ctx context.Context, id, provider string) error {
	f.status[provider+":"+id] = "completed"
	return nil
}

func (f *fakeWebhookClaimer) FailWebhookEvent(ctx context.Context, id, provider, errMsg string) error {
	f.status[provider+":"+id] = "failed"
	return nil
}

func TestWebhookGateDedupesRepeatDelivery(t *testing.T) {
	store := &fakeWebhookClaimer{status: make(map[string]string)}
	gate := NewWebhookGate(store)
	ctx := context.Background()

	status, err := gate.Check(ctx, "evt-1", "stripe")
	if err != nil || status != runmodel.IdempotencyProceed {
		t.Fatalf("first delivery: status=%v err=%v", status, err)
	}

	status, err = gate.Check(ctx, "evt-1", "stripe")
	if err != nil || status != runmodel.IdempotencyInProgress {
		t.Fatalf("retried delivery while still claimed: status=%v err=%v", status, err)
	}

	if err := gate.Complete(ctx, "evt-1", "stripe"); err != nil {
		t.Fatalf("unexpected error completing: %v", err)
	}

	status, err = gate.Check(ctx, "evt-1", "stripe")
	if err != nil || status != runmodel.IdempotencyAlreadyCompleted {
		t.Fatalf("retried delivery after completion: status=%v err=%v", status, err)
	}
}

func TestWebhookGateReclaimsAfterFailure(t *testing.T) {
	store := &fakeWebhookClaimer{status: make(map[string]string)}
	gate := NewWebhookGate(store)
	ctx := context.Background()

	status, err := gate.Check(ctx, "evt-2", "stripe")
	if err != nil || status != runmodel.IdempotencyProceed {
		t.Fatalf("first delivery: status=%v err=%v", status, err)
	}
	if err := gate.Fail(ctx, "evt-2", "stripe", "boom"); err != nil {
		t.Fatalf("unexpected error failing: %v", err)
	}

	status, err = gate.Check(ctx, "evt-2", "stripe")
	if err != nil || status != runmodel.IdempotencyProceed {
		t.Fatalf("redelivery after failure: status=%v err=%v", status, err)
	}
}

type fakeRenewalClaimer struct{ claimed map[string]bool }

func (f *fakeRenewalClaimer) ClaimRenewalPeriod(ctx context.Context, accountID string, periodStart time.Time) (bool, error) {
	key := accountID + periodStart.String()
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func TestRenewalGateAtMostOncePerPeriod(t *testing.T) {
	store := &fakeRenewalClaimer{claimed: make(map[string]bool)}
	gate := NewRenewalGate(store)
	period := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	first, err := gate.Claim(context.Background(), "acct-1", period)
	if err != nil || !first {
		t.Fatalf("expected first claim to succeed: %v %v", first, err)
	}
	second, err := gate.Claim(context.Background(), "acct-1", period)
	if err != nil || second {
		t.Fatalf("expected second claim for same period to fail: %v %v", second, err)
	}
}
