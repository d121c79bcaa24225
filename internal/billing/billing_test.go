package billing

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/store"
	"github.com/example/runengine/pkg/runmodel"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Writer(discard{})})
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[string]bool
	appends  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64), entries: make(map[string]bool)}
}

func (f *fakeLedger) GetCreditAccount(ctx context.Context, accountID string) (*store.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.CreditAccount{AccountID: accountID, Balance: f.balances[accountID]}, nil
}

func (f *fakeLedger) ReserveCredits(ctx context.Context, accountID string, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[accountID] < amount {
		return false, nil
	}
	f.balances[accountID] -= amount
	return true, nil
}

func (f *fakeLedger) AppendLedgerEntry(ctx context.Context, entryID, accountID string, delta int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[entryID] {
		return nil
	}
	f.entries[entryID] = true
	f.balances[accountID] += delta
	f.appends = append(f.appends, entryID)
	return nil
}

func (f *fakeLedger) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

type fakeRenewalClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeRenewalClaimer() *fakeRenewalClaimer {
	return &fakeRenewalClaimer{claimed: make(map[string]bool)}
}

func (f *fakeRenewalClaimer) ClaimRenewalPeriod(ctx context.Context, accountID string, periodStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountID + ":" + periodStart.String()
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

type fakeWebhookClaimer struct {
	mu     sync.Mutex
	status map[string]string // "processing" | "completed" | "failed"
}

func newFakeWebhookClaimer() *fakeWebhookClaimer {
	return &fakeWebhookClaimer{status: make(map[string]string)}
}

func (f *fakeWebhookClaimer) ClaimWebhookEvent(ctx context.Context, id, provider string) (runmodel.IdempotencyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[provider+":"+id] = "completed"
	return nil
}

func (f *fakeWebhookClaimer) FailWebhookEvent(ctx context.Context, id, provider, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[provider+":"+id] = "failed"
	return nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	failOn string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]bool)} }

func (f *fakeLocker) Acquire(ctx context.Context, name, holder string, wait bool, waitTimeout time.Duration) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return func() {}, false, errors.New("lock unavailable")
	}
	if f.held[name] {
		return func() {}, false, nil
	}
	f.held[name] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, name)
	}, true, nil
}

func newTestService() (*Service, *fakeLedger) {
	ledger := newFakeLedger()
	svc := New(ledger, newFakeRenewalClaimer(), newFakeWebhookClaimer(), newFakeLocker(), testLogger())
	return svc, ledger
}

func TestUpgradeToPaidGrantsOnce(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()

	if err := svc.UpgradeToPaid(ctx, "acct-1", 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.UpgradeToPaid(ctx, "acct-1", 1000); err != nil {
		t.Fatalf("unexpected error on retried upgrade: %v", err)
	}

	if got := ledger.appendCount(); got != 1 {
		t.Fatalf("expected exactly 1 ledger append across both calls, got %d", got)
	}
	acct, _ := ledger.GetCreditAccount(ctx, "acct-1")
	if acct.Balance != 1000 {
		t.Fatalf("balance = %d, want 1000", acct.Balance)
	}
}

func TestUpgradeToPaidConcurrentCallersGrantOnce(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.UpgradeToPaid(ctx, "acct-1", 500)
		}()
	}
	wg.Wait()

	acct, _ := ledger.GetCreditAccount(ctx, "acct-1")
	if acct.Balance != 500 {
		t.Fatalf("balance = %d, want 500 (exactly one grant)", acct.Balance)
	}
}

func TestGrantRenewalDedupesAcrossCallers(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	period := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	grantedFirst, err := svc.GrantRenewal(ctx, "acct-1", period, 200)
	if err != nil || !grantedFirst {
		t.Fatalf("expected first call to grant, got granted=%v err=%v", grantedFirst, err)
	}

	grantedSecond, err := svc.GrantRenewal(ctx, "acct-1", period, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grantedSecond {
		t.Fatal("expected second call for the same period to be a no-op")
	}

	acct, _ := ledger.GetCreditAccount(ctx, "acct-1")
	if acct.Balance != 200 {
		t.Fatalf("balance = %d, want 200 (exactly one grant)", acct.Balance)
	}
}

func TestReserveForStepFailsWithoutGoingNegative(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	ledger.balances["acct-1"] = 50

	ok, err := svc.ReserveForStep(ctx, "run-1:step-0", "acct-1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected reservation to fail when balance is insufficient")
	}
	if ledger.balances["acct-1"] != 50 {
		t.Fatalf("balance changed on a failed reservation: %d", ledger.balances["acct-1"])
	}
}

func TestHandleWebhookSkipsDuplicateDelivery(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	calls := 0
	handler := func(ctx context.Context) error {
		calls++
		return nil
	}

	if err := svc.HandleWebhook(ctx, "evt-1", "stripe", handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.HandleWebhook(ctx, "evt-1", "stripe", handler); err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}

	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}

func TestHandleWebhookPropagatesHandlerFailure(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	err := svc.HandleWebhook(ctx, "evt-2", "stripe", func(ctx context.Context) error {
		return errors.New("downstream failure")
	})
	if err == nil {
		t.Fatal("expected handler failure to propagate")
	}
}

func TestHandleWebhookRetriesAfterFailure(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	calls := 0
	failFirst := func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("downstream failure")
		}
		return nil
	}

	if err := svc.HandleWebhook(ctx, "evt-3", "stripe", failFirst); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if err := svc.HandleWebhook(ctx, "evt-3", "stripe", failFirst); err != nil {
		t.Fatalf("expected retry after failure to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("handler invoked %d times, want 2 (failed attempt must reopen the delivery)", calls)
	}

	// Once completed, a further redelivery is a no-op.
	if err := svc.HandleWebhook(ctx, "evt-3", "stripe", failFirst); err != nil {
		t.Fatalf("unexpected error on post-completion redelivery: %v", err)
	}
	if calls != 2 {
		t.Fatalf("handler invoked again after completion, calls=%d", calls)
	}
}
