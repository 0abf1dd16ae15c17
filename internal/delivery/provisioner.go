// Package delivery implements the delivery-provisioning collaborator: given a
// completed order item it either hands over a pre-stocked one-time secret
// (AUTOMATIC plans) or opens a support ticket for a human (MANUAL plans).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

// ErrOutOfStock: the in-transaction availability check passed but the pool
// drained before provisioning ran. The caller logs it; reconciliation is a
// support concern, same as any other provisioning failure.
var ErrOutOfStock = errors.New("delivery: no unused stock item left")

type Provisioner struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewProvisioner(log *slog.Logger, pool *pgxpool.Pool) *Provisioner {
	return &Provisioner{log: log, pool: pool}
}

// Provision fulfills one order item in its own transaction. Re-running it for
// an already delivered item is a no-op, so provisioning retries can never
// double-allocate.
func (p *Provisioner) Provision(ctx context.Context, orderID, orderItemID string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		planID       string
		planName     string
		productName  string
		deliveryType domain.DeliveryType
		deliveredAt  *time.Time
		userID       string
		orderNumber  string
	)
	err = tx.QueryRow(ctx, `
		SELECT oi.plan_id, pl.name, pr.name, pl.delivery_type, oi.delivered_at,
		       o.user_id, o.order_number
		FROM order_items oi
		JOIN plans pl ON pl.id = oi.plan_id
		JOIN products pr ON pr.id = pl.product_id
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.id = $1 AND oi.order_id = $2
		FOR UPDATE OF oi`, orderItemID, orderID).Scan(
		&planID, &planName, &productName, &deliveryType, &deliveredAt, &userID, &orderNumber)
	if err != nil {
		return fmt.Errorf("load order item %s: %w", orderItemID, err)
	}
	if deliveredAt != nil {
		return tx.Commit(ctx)
	}

	now := time.Now().UTC()
	switch deliveryType {
	case domain.DeliveryAutomatic:
		err = p.allocateStock(ctx, tx, orderItemID, planID, now)
	case domain.DeliveryManual:
		err = p.openTicket(ctx, tx, orderItemID, userID, orderNumber, productName, planName, now)
	default:
		err = fmt.Errorf("delivery: unknown delivery type %q", deliveryType)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit provisioning for item %s: %w", orderItemID, err)
	}
	p.log.Info("order item provisioned", "order_id", orderID, "order_item_id", orderItemID, "delivery", string(deliveryType))
	return nil
}

// allocateStock picks one unused stock item under lock, marks it consumed and
// links it to the order item. SKIP LOCKED keeps concurrent allocations of the
// same plan from queueing on each other's rows.
func (p *Provisioner) allocateStock(ctx context.Context, tx pgx.Tx, orderItemID, planID string, now time.Time) error {
	var stockItemID string
	err := tx.QueryRow(ctx, `
		SELECT id FROM stock_items
		WHERE plan_id = $1 AND NOT is_used
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, planID).Scan(&stockItemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: plan %s", ErrOutOfStock, planID)
		}
		return fmt.Errorf("pick stock item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stock_items SET is_used = TRUE, used_at = $2 WHERE id = $1`,
		stockItemID, now); err != nil {
		return fmt.Errorf("consume stock item: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE order_items SET stock_item_id = $2, delivered_at = $3 WHERE id = $1`,
		orderItemID, stockItemID, now); err != nil {
		return fmt.Errorf("link stock item: %w", err)
	}
	return nil
}

func (p *Provisioner) openTicket(ctx context.Context, tx pgx.Tx, orderItemID, userID, orderNumber, productName, planName string, now time.Time) error {
	ticketID := uuid.NewString()
	subject := fmt.Sprintf("Manual delivery for order %s: %s (%s)", orderNumber, productName, planName)
	if _, err := tx.Exec(ctx, `
		INSERT INTO support_tickets (id, user_id, order_item_id, subject, status, created_at)
		VALUES ($1,$2,$3,$4,'open',$5)`,
		ticketID, userID, orderItemID, subject, now); err != nil {
		return fmt.Errorf("open ticket: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE order_items SET ticket_id = $2, delivered_at = $3 WHERE id = $1`,
		orderItemID, ticketID, now); err != nil {
		return fmt.Errorf("link ticket: %w", err)
	}
	return nil
}
