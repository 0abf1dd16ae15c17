package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planmart/planmart/internal/fulfillment/application"
	"github.com/planmart/planmart/internal/fulfillment/domain"
	"github.com/planmart/planmart/pkg/tracing"
)

const stockConflictReason = "cancelled due to stock conflict"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// resolveStrategy tries one lookup key and reports the payment id it matched,
// or pgx.ErrNoRows. Strategies run in declaration order so the fallback chain
// stays auditable.
type resolveStrategy struct {
	name string
	find func(ctx context.Context) (string, error)
}

func (r *Repository) Resolve(ctx context.Context, keys application.ResolveKeys) (application.ResolvedOrder, error) {
	strategies := []resolveStrategy{
		{name: "payment_id", find: func(ctx context.Context) (string, error) {
			if keys.PaymentID == "" {
				return "", pgx.ErrNoRows
			}
			var id string
			err := r.pool.QueryRow(ctx, `SELECT id FROM payments WHERE id = $1`, keys.PaymentID).Scan(&id)
			return id, err
		}},
		{name: "provider_txn_id", find: func(ctx context.Context) (string, error) {
			if keys.ProviderTxnID == "" {
				return "", pgx.ErrNoRows
			}
			var id string
			err := r.pool.QueryRow(ctx, `
				SELECT id FROM payments
				WHERE provider_txn_id = $1
				ORDER BY created_at DESC
				LIMIT 1`, keys.ProviderTxnID).Scan(&id)
			return id, err
		}},
		{name: "order_number", find: func(ctx context.Context) (string, error) {
			if keys.OrderNumber == "" {
				return "", pgx.ErrNoRows
			}
			var id string
			err := r.pool.QueryRow(ctx, `
				SELECT p.id FROM payments p
				JOIN orders o ON o.id = p.order_id
				WHERE o.order_number = $1
				ORDER BY p.created_at DESC
				LIMIT 1`, keys.OrderNumber).Scan(&id)
			return id, err
		}},
	}

	for _, st := range strategies {
		id, err := st.find(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return application.ResolvedOrder{}, fmt.Errorf("resolve by %s: %w", st.name, err)
		}
		r.log.Debug("payment resolved", "strategy", st.name, "payment_id", id)
		return r.loadGraph(ctx, id)
	}
	return application.ResolvedOrder{}, application.ErrNotFound
}

// loadGraph eagerly loads everything downstream steps need: the payment, its
// order, the order's items with plan and product, and the owning user.
func (r *Repository) loadGraph(ctx context.Context, paymentID string) (application.ResolvedOrder, error) {
	var (
		res     application.ResolvedOrder
		txnID   *string
		payload []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, order_id, method, status, amount_cents, currency,
		       provider_txn_id, raw_payload, failure_reason, completed_at,
		       created_at, updated_at
		FROM payments WHERE id = $1`, paymentID).Scan(
		&res.Payment.ID, &res.Payment.OrderID, &res.Payment.Method,
		&res.Payment.Status, &res.Payment.AmountCents, &res.Payment.Currency,
		&txnID, &payload, &res.Payment.FailureReason, &res.Payment.CompletedAt,
		&res.Payment.CreatedAt, &res.Payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return res, application.ErrNotFound
		}
		return res, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	if txnID != nil {
		res.Payment.ProviderTxnID = *txnID
	}
	res.Payment.RawPayload = payload

	err = r.pool.QueryRow(ctx, `
		SELECT o.id, o.order_number, o.user_id, o.total_cents, o.currency,
		       o.status, o.completed_at, o.created_at, o.updated_at,
		       u.email, u.name
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE o.id = $1`, res.Payment.OrderID).Scan(
		&res.Order.ID, &res.Order.OrderNumber, &res.Order.UserID,
		&res.Order.TotalCents, &res.Order.Currency, &res.Order.Status,
		&res.Order.CompletedAt, &res.Order.CreatedAt, &res.Order.UpdatedAt,
		&res.User.Email, &res.User.Name)
	if err != nil {
		return res, fmt.Errorf("load order %s: %w", res.Payment.OrderID, err)
	}
	res.User.ID = res.Order.UserID

	rows, err := r.pool.Query(ctx, `
		SELECT oi.id, oi.plan_id, oi.quantity, oi.unit_price_cents,
		       oi.delivery_type, oi.stock_item_id, oi.ticket_id, oi.delivered_at,
		       pl.product_id, pl.name, pl.delivery_type, pl.duration_days,
		       pl.billing_period, pr.name
		FROM order_items oi
		JOIN plans pl ON pl.id = oi.plan_id
		JOIN products pr ON pr.id = pl.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`, res.Order.ID)
	if err != nil {
		return res, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		item := domain.OrderItem{OrderID: res.Order.ID}
		if err := rows.Scan(
			&item.ID, &item.PlanID, &item.Quantity, &item.UnitPriceCents,
			&item.DeliveryType, &item.StockItemID, &item.TicketID, &item.DeliveredAt,
			&item.Plan.ProductID, &item.Plan.Name, &item.Plan.DeliveryType,
			&item.Plan.DurationDays, &item.Plan.BillingPeriod, &item.Plan.ProductName,
		); err != nil {
			return res, fmt.Errorf("scan order item: %w", err)
		}
		item.Plan.ID = item.PlanID
		res.Order.Items = append(res.Order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate order items: %w", err)
	}
	return res, nil
}

// Apply runs the fulfillment transaction. Everything in here either fully
// commits or fully rolls back; the order row and then the payment row are
// locked up front so concurrent deliveries serialize on the status re-checks.
func (r *Repository) Apply(ctx context.Context, resolved application.ResolvedOrder, canonical domain.Canonical, reason string, raw []byte) (application.Result, error) {
	res := application.Result{
		Payment: resolved.Payment,
		Order:   resolved.Order,
		User:    resolved.User,
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Order first, then payment: the sweep takes its locks in the same order,
	// so the two transaction shapes never deadlock. The re-read also replaces
	// the pre-transaction snapshot of the order status, which may be stale by
	// the time this tx runs (a sibling payment attempt can settle the order).
	var orderStatus domain.OrderStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`,
		resolved.Order.ID).Scan(&orderStatus); err != nil {
		return res, fmt.Errorf("lock order: %w", err)
	}
	res.Order.Status = orderStatus

	var current domain.PaymentStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`,
		resolved.Payment.ID).Scan(&current); err != nil {
		return res, fmt.Errorf("lock payment: %w", err)
	}

	// Audit copy of the provider body, kept even for no-op re-deliveries.
	if _, err := tx.Exec(ctx, `UPDATE payments SET raw_payload = $2, updated_at = now() WHERE id = $1`,
		resolved.Payment.ID, raw); err != nil {
		return res, fmt.Errorf("store raw payload: %w", err)
	}

	if current.Terminal() {
		// First-to-complete wins; this delivery is a no-op acknowledgment.
		res.Outcome = application.OutcomeAlreadyApplied
		res.Payment.Status = current
		return res, tx.Commit(ctx)
	}

	now := time.Now().UTC()

	switch canonical {
	case domain.CanonicalFailed, domain.CanonicalCancelled:
		if err := r.applyTerminal(ctx, tx, &res, canonical, reason, now); err != nil {
			return res, err
		}
	case domain.CanonicalCompleted:
		if orderStatus.Terminal() {
			if err := r.applySettledOrder(ctx, tx, &res, now); err != nil {
				return res, err
			}
		} else if err := r.applyCompleted(ctx, tx, &res, now); err != nil {
			return res, err
		}
	default:
		return res, fmt.Errorf("canonical status %q cannot be applied", canonical)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit fulfillment: %w", err)
	}
	return res, nil
}

// applyTerminal mirrors a provider-reported failure or cancellation onto the
// payment and its order. No inventory or subscription side effects.
func (r *Repository) applyTerminal(ctx context.Context, tx pgx.Tx, res *application.Result, canonical domain.Canonical, reason string, now time.Time) error {
	payStatus := canonical.PaymentStatus()
	if _, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1`, res.Payment.ID, payStatus, reason, now); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	orderStatus := canonical.MirroredOrderStatus()
	if res.Order.Status.CanTransition(orderStatus) {
		if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			res.Order.ID, orderStatus, now); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		res.Order.Status = orderStatus
	}

	eventType := domain.EventPaymentFailed
	res.Outcome = application.OutcomeFailed
	if canonical == domain.CanonicalCancelled {
		eventType = domain.EventPaymentCancelled
		res.Outcome = application.OutcomeCancelled
	}
	res.Payment.Status = payStatus
	res.Payment.FailureReason = reason

	return r.insertOutbox(ctx, tx, "payment", res.Payment.ID, eventType, domain.PaymentStateChanged{
		PaymentID: res.Payment.ID,
		OrderID:   res.Order.ID,
		Status:    string(payStatus),
		Reason:    reason,
	})
}

// applySettledOrder handles a completion webhook for a payment attempt whose
// order was already settled by a sibling attempt. The provider captured the
// money, so the payment row records the capture; re-running the completion
// branch would collide with the order's existing subscriptions.
func (r *Repository) applySettledOrder(ctx context.Context, tx pgx.Tx, res *application.Result, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1`, res.Payment.ID, domain.PaymentCompleted, now); err != nil {
		return fmt.Errorf("complete payment on settled order: %w", err)
	}
	r.log.Info("completion recorded against settled order",
		"payment_id", res.Payment.ID, "order_id", res.Order.ID, "order_status", string(res.Order.Status))
	res.Outcome = application.OutcomeAlreadyApplied
	res.Payment.Status = domain.PaymentCompleted
	res.Payment.CompletedAt = &now
	return nil
}

// applyCompleted is the money path. The per-plan unused-stock recount happens
// here, inside the transaction and under row locks, because availability at
// checkout time says nothing about availability now.
func (r *Repository) applyCompleted(ctx context.Context, tx pgx.Tx, res *application.Result, now time.Time) error {
	shortages, autoPlanIDs, err := r.checkStock(ctx, tx, res.Order.Items)
	if err != nil {
		return err
	}
	res.AutomaticPlanIDs = autoPlanIDs

	if len(shortages) > 0 {
		return r.applyStockConflict(ctx, tx, res, shortages, now)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1`, res.Payment.ID, domain.PaymentCompleted, now); err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1`, res.Order.ID, domain.OrderCompleted, now); err != nil {
		return fmt.Errorf("complete order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range res.Order.Items {
		subID := uuid.NewString()
		end := now.AddDate(0, 0, item.Plan.DurationDays)
		batch.Queue(`
			INSERT INTO user_subscriptions
				(id, user_id, order_item_id, plan_id, status,
				 start_date, end_date, renewal_date,
				 price_cents, currency, billing_period)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			subID, res.Order.UserID, item.ID, item.PlanID, domain.SubscriptionActive,
			now, end, end,
			item.UnitPriceCents, res.Order.Currency, item.Plan.BillingPeriod)
		res.SubscriptionIDs = append(res.SubscriptionIDs, subID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert subscriptions: %w", err)
	}

	res.Outcome = application.OutcomeCompleted
	res.Payment.Status = domain.PaymentCompleted
	res.Payment.CompletedAt = &now
	res.Order.Status = domain.OrderCompleted
	res.Order.CompletedAt = &now

	return r.insertOutbox(ctx, tx, "order", res.Order.ID, domain.EventOrderCompleted, domain.OrderCompletedEvent{
		OrderID:         res.Order.ID,
		OrderNumber:     res.Order.OrderNumber,
		UserID:          res.Order.UserID,
		PaymentID:       res.Payment.ID,
		SubscriptionIDs: res.SubscriptionIDs,
	})
}

// applyStockConflict records the deliberate divergence: the provider already
// captured the money, so the payment completes, but the order cancels and the
// shortage is written down for downstream reconciliation. The customer's cart
// entries for the shorted plans go too, so they cannot immediately re-buy
// something unavailable.
func (r *Repository) applyStockConflict(ctx context.Context, tx pgx.Tx, res *application.Result, shortages []domain.Shortage, now time.Time) error {
	reason := shortageReason(shortages)

	if _, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, completed_at = $3, failure_reason = $4, updated_at = $3
		WHERE id = $1`, res.Payment.ID, domain.PaymentCompleted, now, reason); err != nil {
		return fmt.Errorf("complete payment on conflict: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = $3
		WHERE id = $1`, res.Order.ID, domain.OrderCancelled, now); err != nil {
		return fmt.Errorf("cancel order on conflict: %w", err)
	}

	planIDs := make([]string, 0, len(shortages))
	for _, s := range shortages {
		planIDs = append(planIDs, s.PlanID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND plan_id = ANY($2)`,
		res.Order.UserID, planIDs); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	res.Outcome = application.OutcomeStockConflict
	res.Shortages = shortages
	res.Payment.Status = domain.PaymentCompleted
	res.Payment.CompletedAt = &now
	res.Payment.FailureReason = reason
	res.Order.Status = domain.OrderCancelled

	return r.insertOutbox(ctx, tx, "order", res.Order.ID, domain.EventOrderCancelled, domain.OrderCancelledEvent{
		OrderID:     res.Order.ID,
		OrderNumber: res.Order.OrderNumber,
		UserID:      res.Order.UserID,
		PaymentID:   res.Payment.ID,
		Reason:      reason,
		Shortages:   shortages,
	})
}

// checkStock locks every unused stock item of each automatic plan in the
// order and compares the count against the summed requested quantity.
// Locking the rows, not just counting them, is what serializes competing
// completions against the same pool.
func (r *Repository) checkStock(ctx context.Context, tx pgx.Tx, items []domain.OrderItem) ([]domain.Shortage, []string, error) {
	type demand struct {
		requested   int
		planName    string
		productName string
	}
	demands := make(map[string]*demand)
	planIDs := make([]string, 0, len(items))
	for _, item := range items {
		if item.Plan.DeliveryType != domain.DeliveryAutomatic {
			continue
		}
		d, ok := demands[item.PlanID]
		if !ok {
			d = &demand{planName: item.Plan.Name, productName: item.Plan.ProductName}
			demands[item.PlanID] = d
			planIDs = append(planIDs, item.PlanID)
		}
		d.requested += item.Quantity
	}

	var shortages []domain.Shortage
	for _, planID := range planIDs {
		rows, err := tx.Query(ctx, `
			SELECT id FROM stock_items
			WHERE plan_id = $1 AND NOT is_used
			FOR UPDATE`, planID)
		if err != nil {
			return nil, nil, fmt.Errorf("lock stock for plan %s: %w", planID, err)
		}
		available := 0
		for rows.Next() {
			available++
		}
		if err := rows.Err(); err != nil {
			return nil, nil, fmt.Errorf("count stock for plan %s: %w", planID, err)
		}
		d := demands[planID]
		if available < d.requested {
			shortages = append(shortages, domain.Shortage{
				PlanID:      planID,
				PlanName:    d.planName,
				ProductName: d.productName,
				Requested:   d.requested,
				Available:   available,
			})
		}
	}
	return shortages, planIDs, nil
}

func shortageReason(shortages []domain.Shortage) string {
	parts := make([]string, 0, len(shortages))
	for _, s := range shortages {
		parts = append(parts, fmt.Sprintf("%s / %s: requested %d, available %d",
			s.ProductName, s.PlanName, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,'pending')`,
		aggregateType, aggregateID, eventType, payload, tracing.Traceparent(ctx))
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventType, err)
	}
	return nil
}
