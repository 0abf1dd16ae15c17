package application

import (
	"context"
	"log/slog"
)

// Dispatcher is the react-to-result phase. It runs after the fulfillment
// transaction has committed and the HTTP acknowledgment is already written.
// Every sub-step's failure is caught and logged; none of them can alter the
// response or roll back the transaction, and none blocks its siblings.
type Dispatcher struct {
	log         *slog.Logger
	sweeper     ConflictSweeper
	provisioner Provisioner
	notifier    Notifier
}

func NewDispatcher(log *slog.Logger, sweeper ConflictSweeper, provisioner Provisioner, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		log:         log,
		sweeper:     sweeper,
		provisioner: provisioner,
		notifier:    notifier,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, res Result) {
	switch res.Outcome {
	case OutcomeCompleted:
		d.sendConfirmation(ctx, res)
		d.provisionItems(ctx, res)
		d.sweepConflicts(ctx, res)
	case OutcomeStockConflict:
		// Cart cleanup already happened inside the transaction; the divergence
		// event is on the outbox. Nothing to fan out.
		d.log.Info("stock conflict recorded, awaiting reconciliation",
			"order_id", res.Order.ID, "payment_id", res.Payment.ID)
	}
}

// Confirmation email goes out once, only when the order completed; the
// stock-conflict branch never congratulates the customer.
func (d *Dispatcher) sendConfirmation(ctx context.Context, res Result) {
	if d.notifier == nil {
		return
	}
	msg := Confirmation{
		Recipient:   res.User.Email,
		OrderNumber: res.Order.OrderNumber,
		TotalCents:  res.Order.TotalCents,
		Currency:    res.Order.Currency,
	}
	for _, item := range res.Order.Items {
		msg.Lines = append(msg.Lines, ConfirmationLine{
			ProductName: item.Plan.ProductName,
			PlanName:    item.Plan.Name,
			PriceCents:  item.UnitPriceCents,
		})
	}
	if err := d.notifier.OrderConfirmation(ctx, msg); err != nil {
		d.log.Error("confirmation email failed", "order_id", res.Order.ID, "err", err)
	}
}

// Each item is provisioned independently; one failure must not starve the
// item's siblings.
func (d *Dispatcher) provisionItems(ctx context.Context, res Result) {
	if d.provisioner == nil {
		return
	}
	for _, item := range res.Order.Items {
		if err := d.provisioner.Provision(ctx, res.Order.ID, item.ID); err != nil {
			d.log.Error("item provisioning failed",
				"order_id", res.Order.ID, "order_item_id", item.ID, "err", err)
		}
	}
}

// Completing this order may have exhausted stock that other, still-pending
// orders were implicitly counting on. Re-check each of them now, one isolated
// mini-transaction per order, rather than letting them fail later at their own
// confirmation with money already captured.
func (d *Dispatcher) sweepConflicts(ctx context.Context, res Result) {
	if d.sweeper == nil || len(res.AutomaticPlanIDs) == 0 {
		return
	}
	ids, err := d.sweeper.PendingOrderIDsForPlans(ctx, res.AutomaticPlanIDs, res.Order.ID)
	if err != nil {
		d.log.Error("conflict sweep lookup failed", "order_id", res.Order.ID, "err", err)
		return
	}
	for _, id := range ids {
		cancelled, shortages, err := d.sweeper.CancelIfShort(ctx, id)
		if err != nil {
			d.log.Error("conflict sweep cancel failed", "competing_order_id", id, "err", err)
			continue
		}
		if cancelled {
			d.log.Info("competing order cancelled due to stock conflict",
				"competing_order_id", id, "completed_order_id", res.Order.ID,
				"shortages", len(shortages))
		}
	}
}
