package application

import (
	"context"
	"io"
	"log/slog"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type applyCall struct {
	canonical domain.Canonical
	reason    string
}

type fakeRepo struct {
	resolved   ResolvedOrder
	resolveErr error
	applyRes   Result
	applyErr   error
	applied    []applyCall
}

func (f *fakeRepo) Resolve(ctx context.Context, keys ResolveKeys) (ResolvedOrder, error) {
	if f.resolveErr != nil {
		return ResolvedOrder{}, f.resolveErr
	}
	return f.resolved, nil
}

func (f *fakeRepo) Apply(ctx context.Context, resolved ResolvedOrder, canonical domain.Canonical, reason string, raw []byte) (Result, error) {
	f.applied = append(f.applied, applyCall{canonical: canonical, reason: reason})
	if f.applyErr != nil {
		return Result{}, f.applyErr
	}
	return f.applyRes, nil
}

type fakeSweeper struct {
	pendingIDs   []string
	pendingErr   error
	gotPlanIDs   []string
	gotExclude   string
	cancelCalls  []string
	cancelReturn map[string]bool
	shortages    []domain.Shortage
	cancelErrFor string
}

func (f *fakeSweeper) PendingOrderIDsForPlans(ctx context.Context, planIDs []string, excludeOrderID string) ([]string, error) {
	f.gotPlanIDs = planIDs
	f.gotExclude = excludeOrderID
	return f.pendingIDs, f.pendingErr
}

func (f *fakeSweeper) CancelIfShort(ctx context.Context, orderID string) (bool, []domain.Shortage, error) {
	f.cancelCalls = append(f.cancelCalls, orderID)
	if orderID == f.cancelErrFor {
		return false, nil, context.DeadlineExceeded
	}
	return f.cancelReturn[orderID], f.shortages, nil
}

type fakeProvisioner struct {
	calls   []string
	failFor map[string]error
}

func (f *fakeProvisioner) Provision(ctx context.Context, orderID, orderItemID string) error {
	f.calls = append(f.calls, orderItemID)
	if err, ok := f.failFor[orderItemID]; ok {
		return err
	}
	return nil
}

type fakeNotifier struct {
	sent []Confirmation
	err  error
}

func (f *fakeNotifier) OrderConfirmation(ctx context.Context, msg Confirmation) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func completedOrderFixture() (domain.Order, domain.User) {
	order := domain.Order{
		ID:          "ord-1",
		OrderNumber: "PM-1001",
		UserID:      "usr-1",
		TotalCents:  2599,
		Currency:    "USD",
		Status:      domain.OrderCompleted,
		Items: []domain.OrderItem{
			{
				ID: "itm-1", OrderID: "ord-1", PlanID: "plan-a", Quantity: 1, UnitPriceCents: 1299,
				DeliveryType: domain.DeliveryAutomatic,
				Plan: domain.Plan{
					ID: "plan-a", Name: "Premium 12mo", ProductName: "StreamCo",
					DeliveryType: domain.DeliveryAutomatic, DurationDays: 365,
				},
			},
			{
				ID: "itm-2", OrderID: "ord-1", PlanID: "plan-b", Quantity: 1, UnitPriceCents: 1300,
				DeliveryType: domain.DeliveryManual,
				Plan: domain.Plan{
					ID: "plan-b", Name: "Family 1mo", ProductName: "MusicCo",
					DeliveryType: domain.DeliveryManual, DurationDays: 30,
				},
			},
		},
	}
	user := domain.User{ID: "usr-1", Email: "buyer@example.com", Name: "Buyer"}
	return order, user
}
