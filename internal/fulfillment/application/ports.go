package application

import (
	"context"
	"errors"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

// ErrNotFound is returned when no payment matches any of the resolve keys.
// The HTTP layer maps it to 404 so the provider's own retry policy takes over.
var ErrNotFound = errors.New("payment not found")

// ResolveKeys are the identifiers a provider may echo back. Providers are
// inconsistent about which of them they send; resolution tries them in order.
type ResolveKeys struct {
	PaymentID     string
	ProviderTxnID string
	OrderNumber   string
}

// ResolvedOrder is the eagerly loaded graph every downstream step needs:
// payment, owning order with items, each item's plan and product, and the
// order's user. Loaded once, before the transaction.
type ResolvedOrder struct {
	Payment domain.Payment
	Order   domain.Order
	User    domain.User
}

type Outcome string

const (
	// OutcomeCompleted: payment and order committed completed, subscriptions created.
	OutcomeCompleted Outcome = "completed"
	// OutcomeStockConflict: payment completed, order cancelled, no subscriptions.
	// Intentional divergence for downstream reconciliation, not an error.
	OutcomeStockConflict Outcome = "stock_conflict"
	// OutcomeFailed / OutcomeCancelled mirror a provider-reported terminal state.
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAlreadyApplied: the payment was already terminal; the delivery is
	// acknowledged without side effects.
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// Result is the value the decide-and-commit phase hands to the react phase.
type Result struct {
	Outcome          Outcome
	Payment          domain.Payment
	Order            domain.Order
	User             domain.User
	SubscriptionIDs  []string
	Shortages        []domain.Shortage
	AutomaticPlanIDs []string
}

// Repository is the decide-and-commit port. Apply runs the whole fulfillment
// transaction: status re-check, stock recount, state transitions,
// subscriptions, cart cleanup and outbox append, all-or-nothing.
type Repository interface {
	Resolve(ctx context.Context, keys ResolveKeys) (ResolvedOrder, error)
	Apply(ctx context.Context, resolved ResolvedOrder, canonical domain.Canonical, reason string, raw []byte) (Result, error)
}

// ConflictSweeper serves the post-commit sweep over competing pending orders.
type ConflictSweeper interface {
	PendingOrderIDsForPlans(ctx context.Context, planIDs []string, excludeOrderID string) ([]string, error)
	// CancelIfShort re-runs the stock sufficiency check for one pending order
	// in its own transaction and cancels the order and its pending payments if
	// the check no longer passes.
	CancelIfShort(ctx context.Context, orderID string) (bool, []domain.Shortage, error)
}

// Provisioner is the delivery-provisioning collaborator: given an order and
// one of its items it either allocates a stock item or opens a support
// ticket. Each item is an independent unit of work.
type Provisioner interface {
	Provision(ctx context.Context, orderID, orderItemID string) error
}

type ConfirmationLine struct {
	ProductName string `json:"product_name"`
	PlanName    string `json:"plan_name"`
	PriceCents  int64  `json:"price_cents"`
}

type Confirmation struct {
	Recipient   string             `json:"recipient"`
	OrderNumber string             `json:"order_number"`
	TotalCents  int64              `json:"total_cents"`
	Currency    string             `json:"currency"`
	Lines       []ConfirmationLine `json:"lines"`
}

// Notifier is the email collaborator, fire-and-forget from this core's
// perspective.
type Notifier interface {
	OrderConfirmation(ctx context.Context, msg Confirmation) error
}
