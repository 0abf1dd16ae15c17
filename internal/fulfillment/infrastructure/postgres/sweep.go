package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

// PendingOrderIDsForPlans finds other orders, still pending, that reference
// any of the given plans. Oldest first so the sweep cancels in arrival order.
func (r *Repository) PendingOrderIDsForPlans(ctx context.Context, planIDs []string, excludeOrderID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE o.status = $1 AND o.id <> $2 AND oi.plan_id = ANY($3)
		GROUP BY o.id, o.created_at
		ORDER BY o.created_at`, domain.OrderPending, excludeOrderID, planIDs)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelIfShort re-runs the stock sufficiency check for one competing pending
// order in its own transaction, isolated from its siblings in the sweep. If
// the order can no longer be satisfied, the order and its pending payments
// cancel with the stock-conflict reason and a cancellation event goes on the
// outbox.
func (r *Repository) CancelIfShort(ctx context.Context, orderID string) (bool, []domain.Shortage, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		status      domain.OrderStatus
		orderNumber string
		userID      string
	)
	err = tx.QueryRow(ctx, `
		SELECT status, order_number, user_id FROM orders
		WHERE id = $1 FOR UPDATE`, orderID).Scan(&status, &orderNumber, &userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	if status != domain.OrderPending {
		// A concurrent webhook or sweep got here first.
		return false, nil, tx.Commit(ctx)
	}

	items, err := r.loadSweepItems(ctx, tx, orderID)
	if err != nil {
		return false, nil, err
	}

	shortages, _, err := r.checkStock(ctx, tx, items)
	if err != nil {
		return false, nil, err
	}
	if len(shortages) == 0 {
		return false, nil, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		orderID, domain.OrderCancelled, now); err != nil {
		return false, nil, fmt.Errorf("cancel competing order: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, failure_reason = $3, updated_at = $4
		WHERE order_id = $1 AND status = $5`,
		orderID, domain.PaymentCancelled, stockConflictReason, now, domain.PaymentPending); err != nil {
		return false, nil, fmt.Errorf("cancel competing payments: %w", err)
	}

	err = r.insertOutbox(ctx, tx, "order", orderID, domain.EventOrderCancelled, domain.OrderCancelledEvent{
		OrderID:     orderID,
		OrderNumber: orderNumber,
		UserID:      userID,
		Reason:      stockConflictReason,
		Shortages:   shortages,
	})
	if err != nil {
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit sweep cancellation: %w", err)
	}
	return true, shortages, nil
}

// loadSweepItems loads just enough of a competing order's items to re-run
// checkStock: automatic plans only.
func (r *Repository) loadSweepItems(ctx context.Context, tx pgx.Tx, orderID string) ([]domain.OrderItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT oi.id, oi.plan_id, oi.quantity, pl.name, pl.delivery_type, pr.name
		FROM order_items oi
		JOIN plans pl ON pl.id = oi.plan_id
		JOIN products pr ON pr.id = pl.product_id
		WHERE oi.order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load sweep items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.PlanID, &item.Quantity,
			&item.Plan.Name, &item.Plan.DeliveryType, &item.Plan.ProductName); err != nil {
			return nil, err
		}
		item.OrderID = orderID
		item.Plan.ID = item.PlanID
		items = append(items, item)
	}
	return items, rows.Err()
}
