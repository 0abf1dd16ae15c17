//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/planmart/planmart/internal/delivery"
	"github.com/planmart/planmart/internal/fulfillment/application"
	"github.com/planmart/planmart/internal/fulfillment/domain"
	fulfillpg "github.com/planmart/planmart/internal/fulfillment/infrastructure/postgres"
)

// fixture seeds one user, one product and one plan, and returns generated ids
// unique to the calling test so tests can share the database.
type fixture struct {
	userID string
	planID string
}

func seedCatalog(t *testing.T, ctx context.Context, deliveryType domain.DeliveryType, durationDays int) fixture {
	t.Helper()
	f := fixture{userID: uuid.NewString(), planID: uuid.NewString()}
	productID := uuid.NewString()

	mustExec(t, ctx, `INSERT INTO users (id, email, name) VALUES ($1,$2,$3)`,
		f.userID, f.userID[:8]+"@example.com", "Test Buyer")
	mustExec(t, ctx, `INSERT INTO products (id, name) VALUES ($1,$2)`, productID, "StreamCo")
	mustExec(t, ctx, `
		INSERT INTO plans (id, product_id, name, delivery_type, duration_days, billing_period)
		VALUES ($1,$2,$3,$4,$5,'monthly')`,
		f.planID, productID, "Premium", deliveryType, durationDays)
	return f
}

func seedStock(t *testing.T, ctx context.Context, planID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustExec(t, ctx, `INSERT INTO stock_items (id, plan_id, content) VALUES ($1,$2,$3)`,
			uuid.NewString(), planID, fmt.Sprintf("license-%d", i))
	}
}

type seededOrder struct {
	orderID     string
	orderNumber string
	paymentID   string
	txnID       string
	itemIDs     []string
}

func seedOrder(t *testing.T, ctx context.Context, f fixture, quantities ...int) seededOrder {
	t.Helper()
	o := seededOrder{
		orderID:     uuid.NewString(),
		orderNumber: "PM-" + uuid.NewString()[:8],
		paymentID:   uuid.NewString(),
		txnID:       "pay_" + uuid.NewString()[:12],
	}
	mustExec(t, ctx, `
		INSERT INTO orders (id, order_number, user_id, total_cents, currency, status)
		VALUES ($1,$2,$3,$4,'USD','pending')`,
		o.orderID, o.orderNumber, f.userID, 1299)
	for _, qty := range quantities {
		itemID := uuid.NewString()
		mustExec(t, ctx, `
			INSERT INTO order_items (id, order_id, plan_id, quantity, unit_price_cents, delivery_type)
			SELECT $1, $2, $3, $4, 1299, delivery_type FROM plans WHERE id = $3`,
			itemID, o.orderID, f.planID, qty)
		o.itemIDs = append(o.itemIDs, itemID)
	}
	mustExec(t, ctx, `
		INSERT INTO payments (id, order_id, method, status, amount_cents, currency, provider_txn_id)
		VALUES ($1,$2,'razorpay','pending',$3,'USD',$4)`,
		o.paymentID, o.orderID, 1299, o.txnID)
	return o
}

func mustExec(t *testing.T, ctx context.Context, sql string, args ...any) {
	t.Helper()
	if _, err := env.Pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

func queryInt(t *testing.T, ctx context.Context, sql string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return n
}

func queryString(t *testing.T, ctx context.Context, sql string, args ...any) string {
	t.Helper()
	var s string
	if err := env.Pool.QueryRow(ctx, sql, args...).Scan(&s); err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return s
}

func applyWebhook(t *testing.T, ctx context.Context, repo *fulfillpg.Repository, keys application.ResolveKeys, canonical domain.Canonical, reason string) application.Result {
	t.Helper()
	resolved, err := repo.Resolve(ctx, keys)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := repo.Apply(ctx, resolved, canonical, reason, []byte(`{"test":true}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return res
}

func TestResolverFallbackOrder(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 365)
	o := seedOrder(t, ctx, f, 1)

	byID, err := repo.Resolve(ctx, application.ResolveKeys{PaymentID: o.paymentID})
	if err != nil {
		t.Fatal(err)
	}
	byTxn, err := repo.Resolve(ctx, application.ResolveKeys{PaymentID: "no-such-id", ProviderTxnID: o.txnID})
	if err != nil {
		t.Fatal(err)
	}
	byOrderNo, err := repo.Resolve(ctx, application.ResolveKeys{OrderNumber: o.orderNumber})
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range []application.ResolvedOrder{byID, byTxn, byOrderNo} {
		if got.Payment.ID != o.paymentID {
			t.Errorf("resolved payment = %s, want %s", got.Payment.ID, o.paymentID)
		}
		if len(got.Order.Items) != 1 || got.Order.Items[0].Plan.ProductName != "StreamCo" {
			t.Errorf("graph not eagerly loaded: %+v", got.Order.Items)
		}
	}

	if _, err := repo.Resolve(ctx, application.ResolveKeys{ProviderTxnID: "pay_nothing"}); !errors.Is(err, application.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletedWebhookIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 365)
	seedStock(t, ctx, f.planID, 2)
	o := seedOrder(t, ctx, f, 1)
	keys := application.ResolveKeys{ProviderTxnID: o.txnID}

	first := applyWebhook(t, ctx, repo, keys, domain.CanonicalCompleted, "")
	if first.Outcome != application.OutcomeCompleted {
		t.Fatalf("first delivery outcome = %s", first.Outcome)
	}
	if len(first.SubscriptionIDs) != 1 {
		t.Fatalf("subscriptions created = %d, want 1", len(first.SubscriptionIDs))
	}

	second := applyWebhook(t, ctx, repo, keys, domain.CanonicalCompleted, "")
	if second.Outcome != application.OutcomeAlreadyApplied {
		t.Fatalf("second delivery outcome = %s, want already_applied", second.Outcome)
	}

	subs := queryInt(t, ctx, `SELECT COUNT(*) FROM user_subscriptions s
		JOIN order_items oi ON oi.id = s.order_item_id WHERE oi.order_id = $1`, o.orderID)
	if subs != 1 {
		t.Errorf("subscriptions after re-delivery = %d, want exactly 1", subs)
	}
	if got := queryString(t, ctx, `SELECT status FROM orders WHERE id = $1`, o.orderID); got != "completed" {
		t.Errorf("order status = %s", got)
	}
}

func TestStockConflictDivergence(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 30)
	seedStock(t, ctx, f.planID, 1)
	o := seedOrder(t, ctx, f, 2) // wants 2, pool has 1
	mustExec(t, ctx, `INSERT INTO cart_items (user_id, plan_id, quantity) VALUES ($1,$2,1)`,
		f.userID, f.planID)

	res := applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: o.txnID},
		domain.CanonicalCompleted, "")
	if res.Outcome != application.OutcomeStockConflict {
		t.Fatalf("outcome = %s, want stock_conflict", res.Outcome)
	}

	// The intentional divergence: money kept, order cancelled, reason recorded.
	if got := queryString(t, ctx, `SELECT status FROM payments WHERE id = $1`, o.paymentID); got != "completed" {
		t.Errorf("payment status = %s, want completed", got)
	}
	if got := queryString(t, ctx, `SELECT status FROM orders WHERE id = $1`, o.orderID); got != "cancelled" {
		t.Errorf("order status = %s, want cancelled", got)
	}
	if reason := queryString(t, ctx, `SELECT failure_reason FROM payments WHERE id = $1`, o.paymentID); reason == "" {
		t.Error("failure reason must enumerate the shortage")
	}

	// All-or-nothing: no subscriptions for any item of the order.
	subs := queryInt(t, ctx, `SELECT COUNT(*) FROM user_subscriptions s
		JOIN order_items oi ON oi.id = s.order_item_id WHERE oi.order_id = $1`, o.orderID)
	if subs != 0 {
		t.Errorf("subscriptions = %d, want 0", subs)
	}

	// Cart cleared for the shorted plan.
	if n := queryInt(t, ctx, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1 AND plan_id = $2`,
		f.userID, f.planID); n != 0 {
		t.Errorf("cart entries = %d, want 0", n)
	}
}

func TestProviderFailureMirrorsOntoOrder(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 30)
	o := seedOrder(t, ctx, f, 1)

	res := applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: o.txnID},
		domain.CanonicalFailed, "card declined")
	if res.Outcome != application.OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := queryString(t, ctx, `SELECT status FROM payments WHERE id = $1`, o.paymentID); got != "failed" {
		t.Errorf("payment status = %s", got)
	}
	if got := queryString(t, ctx, `SELECT status FROM orders WHERE id = $1`, o.orderID); got != "failed" {
		t.Errorf("order status = %s", got)
	}
	if got := queryString(t, ctx, `SELECT failure_reason FROM payments WHERE id = $1`, o.paymentID); got != "card declined" {
		t.Errorf("failure reason = %q", got)
	}
}

// The full §8 sweep scenario: plan with one stock item, two pending orders,
// the first completion starves the second, which is cancelled without its own
// webhook ever arriving.
func TestConflictSweepCancelsStarvedOrder(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	prov := delivery.NewProvisioner(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 365)
	seedStock(t, ctx, f.planID, 1)
	orderA := seedOrder(t, ctx, f, 1)
	orderB := seedOrder(t, ctx, f, 1)

	res := applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: orderA.txnID},
		domain.CanonicalCompleted, "")
	if res.Outcome != application.OutcomeCompleted {
		t.Fatalf("order A outcome = %s", res.Outcome)
	}
	// Allocation happens at provisioning time; the sweep runs after it.
	if err := prov.Provision(ctx, orderA.orderID, orderA.itemIDs[0]); err != nil {
		t.Fatalf("provision A: %v", err)
	}

	pending, err := repo.PendingOrderIDsForPlans(ctx, res.AutomaticPlanIDs, orderA.orderID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range pending {
		if id == orderB.orderID {
			found = true
		}
	}
	if !found {
		t.Fatalf("pending orders %v must include order B %s", pending, orderB.orderID)
	}

	cancelled, shortages, err := repo.CancelIfShort(ctx, orderB.orderID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled || len(shortages) != 1 {
		t.Fatalf("cancelled=%v shortages=%v", cancelled, shortages)
	}
	if got := queryString(t, ctx, `SELECT status FROM orders WHERE id = $1`, orderB.orderID); got != "cancelled" {
		t.Errorf("order B status = %s", got)
	}
	if got := queryString(t, ctx, `SELECT failure_reason FROM payments WHERE id = $1`, orderB.paymentID); got != "cancelled due to stock conflict" {
		t.Errorf("order B payment reason = %q", got)
	}
	if got := queryString(t, ctx, `SELECT status FROM payments WHERE id = $1`, orderB.paymentID); got != "cancelled" {
		t.Errorf("order B payment status = %s", got)
	}

	// Re-running the sweep is harmless.
	again, _, err := repo.CancelIfShort(ctx, orderB.orderID)
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("second sweep pass must be a no-op")
	}
}

func TestProvisionerExclusivityAndIdempotence(t *testing.T) {
	ctx := context.Background()
	prov := delivery.NewProvisioner(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 30)
	seedStock(t, ctx, f.planID, 1)
	o := seedOrder(t, ctx, f, 1, 1) // two items competing for one stock item

	err1 := prov.Provision(ctx, o.orderID, o.itemIDs[0])
	err2 := prov.Provision(ctx, o.orderID, o.itemIDs[1])
	if err1 != nil {
		t.Fatalf("first item: %v", err1)
	}
	if !errors.Is(err2, delivery.ErrOutOfStock) {
		t.Fatalf("second item: got %v, want ErrOutOfStock", err2)
	}

	// Retrying the delivered item must not consume another stock item.
	if err := prov.Provision(ctx, o.orderID, o.itemIDs[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	used := queryInt(t, ctx, `SELECT COUNT(*) FROM stock_items WHERE plan_id = $1 AND is_used`, f.planID)
	if used != 1 {
		t.Errorf("used stock items = %d, want exactly 1", used)
	}
	linked := queryInt(t, ctx, `SELECT COUNT(*) FROM order_items WHERE order_id = $1 AND stock_item_id IS NOT NULL`, o.orderID)
	if linked != 1 {
		t.Errorf("items linked to stock = %d, want 1", linked)
	}
}

func TestManualDeliveryOpensTicket(t *testing.T) {
	ctx := context.Background()
	prov := delivery.NewProvisioner(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryManual, 30)
	o := seedOrder(t, ctx, f, 1)

	if err := prov.Provision(ctx, o.orderID, o.itemIDs[0]); err != nil {
		t.Fatal(err)
	}
	tickets := queryInt(t, ctx, `SELECT COUNT(*) FROM support_tickets WHERE order_item_id = $1`, o.itemIDs[0])
	if tickets != 1 {
		t.Fatalf("tickets = %d, want 1", tickets)
	}
	if n := queryInt(t, ctx, `SELECT COUNT(*) FROM order_items WHERE id = $1 AND ticket_id IS NOT NULL AND delivered_at IS NOT NULL`, o.itemIDs[0]); n != 1 {
		t.Error("item must link its ticket and record delivery time")
	}
}

// An order can carry several payment attempts. When a sibling attempt has
// already settled the order, a later completion webhook must record the
// capture on its own payment row and stop there, not re-run fulfillment into
// the subscriptions unique index.
func TestSecondPaymentAttemptAfterOrderSettled(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 30)
	seedStock(t, ctx, f.planID, 1)
	o := seedOrder(t, ctx, f, 1)

	secondPaymentID := uuid.NewString()
	secondTxn := "pay_" + uuid.NewString()[:12]
	mustExec(t, ctx, `
		INSERT INTO payments (id, order_id, method, status, amount_cents, currency, provider_txn_id)
		VALUES ($1,$2,'paystack','pending',$3,'USD',$4)`,
		secondPaymentID, o.orderID, 1299, secondTxn)

	res := applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: o.txnID},
		domain.CanonicalCompleted, "")
	if res.Outcome != application.OutcomeCompleted {
		t.Fatalf("first attempt outcome = %s", res.Outcome)
	}

	res = applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: secondTxn},
		domain.CanonicalCompleted, "")
	if res.Outcome != application.OutcomeAlreadyApplied {
		t.Fatalf("second attempt outcome = %s, want already_applied", res.Outcome)
	}
	if got := queryString(t, ctx, `SELECT status FROM payments WHERE id = $1`, secondPaymentID); got != "completed" {
		t.Errorf("second payment status = %s, the capture must still be recorded", got)
	}
	if n := queryInt(t, ctx, `
		SELECT count(*) FROM user_subscriptions s
		JOIN order_items oi ON oi.id = s.order_item_id WHERE oi.order_id = $1`, o.orderID); n != 1 {
		t.Errorf("subscriptions = %d, want exactly one per item", n)
	}
}

// Shortage handling is all-or-nothing per order: one short plan must block
// subscriptions and stock consumption for the satisfiable items too.
func TestPartialShortageCreatesNoSubscriptions(t *testing.T) {
	ctx := context.Background()
	repo := fulfillpg.NewRepository(testLogger(), env.Pool)
	f := seedCatalog(t, ctx, domain.DeliveryAutomatic, 30)
	seedStock(t, ctx, f.planID, 1)

	shortProductID := uuid.NewString()
	shortPlanID := uuid.NewString()
	mustExec(t, ctx, `INSERT INTO products (id, name) VALUES ($1,$2)`, shortProductID, "CloudDrive")
	mustExec(t, ctx, `
		INSERT INTO plans (id, product_id, name, delivery_type, duration_days, billing_period)
		VALUES ($1,$2,'Basic','automatic',30,'monthly')`, shortPlanID, shortProductID)
	// no stock seeded for the second plan

	o := seedOrder(t, ctx, f, 1)
	shortItemID := uuid.NewString()
	mustExec(t, ctx, `
		INSERT INTO order_items (id, order_id, plan_id, quantity, unit_price_cents, delivery_type)
		VALUES ($1,$2,$3,1,999,'automatic')`, shortItemID, o.orderID, shortPlanID)

	res := applyWebhook(t, ctx, repo, application.ResolveKeys{ProviderTxnID: o.txnID},
		domain.CanonicalCompleted, "")
	if res.Outcome != application.OutcomeStockConflict {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(res.Shortages) != 1 || res.Shortages[0].PlanID != shortPlanID {
		t.Fatalf("shortages = %+v, want only the unstocked plan", res.Shortages)
	}
	if n := queryInt(t, ctx, `
		SELECT count(*) FROM user_subscriptions s
		JOIN order_items oi ON oi.id = s.order_item_id WHERE oi.order_id = $1`, o.orderID); n != 0 {
		t.Errorf("subscriptions = %d, want none for any item in the order", n)
	}
	if n := queryInt(t, ctx, `SELECT count(*) FROM stock_items WHERE plan_id = $1 AND is_used`, f.planID); n != 0 {
		t.Errorf("consumed stock = %d for the satisfiable plan despite the conflict", n)
	}
	if got := queryString(t, ctx, `SELECT status FROM orders WHERE id = $1`, o.orderID); got != "cancelled" {
		t.Errorf("order status = %s", got)
	}
	if got := queryString(t, ctx, `SELECT status FROM payments WHERE id = $1`, o.paymentID); got != "completed" {
		t.Errorf("payment status = %s, divergence must keep the capture", got)
	}
}
