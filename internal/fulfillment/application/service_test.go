package application

import (
	"context"
	"errors"
	"testing"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

func TestHandleWebhook_PassesCanonicalThrough(t *testing.T) {
	order, user := completedOrderFixture()
	repo := &fakeRepo{
		resolved: ResolvedOrder{Order: order, User: user, Payment: domain.Payment{ID: "pay-1"}},
		applyRes: Result{Outcome: OutcomeCompleted, Order: order, User: user},
	}
	svc := NewService(discardLogger(), repo)

	res, err := svc.HandleWebhook(context.Background(), ResolveKeys{ProviderTxnID: "pay_x"},
		domain.CanonicalCompleted, "", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(repo.applied) != 1 || repo.applied[0].canonical != domain.CanonicalCompleted {
		t.Fatalf("apply calls = %+v", repo.applied)
	}
}

func TestHandleWebhook_NotFound(t *testing.T) {
	repo := &fakeRepo{resolveErr: ErrNotFound}
	svc := NewService(discardLogger(), repo)

	_, err := svc.HandleWebhook(context.Background(), ResolveKeys{OrderNumber: "PM-404"},
		domain.CanonicalFailed, "declined", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Error("apply must not run when resolution fails")
	}
}

func TestHandleWebhook_RejectsNoOp(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(discardLogger(), repo)

	if _, err := svc.HandleWebhook(context.Background(), ResolveKeys{}, domain.CanonicalNoOp, "", nil); err == nil {
		t.Fatal("no-op must be short-circuited before the service")
	}
	if len(repo.applied) != 0 {
		t.Error("apply must not run for no-op")
	}
}

func TestHandleWebhook_WrapsApplyError(t *testing.T) {
	repo := &fakeRepo{
		resolved: ResolvedOrder{Payment: domain.Payment{ID: "pay-9"}},
		applyErr: errors.New("deadlock detected"),
	}
	svc := NewService(discardLogger(), repo)

	_, err := svc.HandleWebhook(context.Background(), ResolveKeys{PaymentID: "pay-9"},
		domain.CanonicalCompleted, "", nil)
	if err == nil || !errors.Is(err, repo.applyErr) {
		t.Fatalf("expected wrapped apply error, got %v", err)
	}
}
