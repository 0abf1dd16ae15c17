package domain

// Outbox event types published to the fulfillment topic.
const (
	EventOrderCompleted   = "order.completed"
	EventOrderCancelled   = "order.cancelled"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

type OrderCompletedEvent struct {
	OrderID         string   `json:"order_id"`
	OrderNumber     string   `json:"order_number"`
	UserID          string   `json:"user_id"`
	PaymentID       string   `json:"payment_id"`
	SubscriptionIDs []string `json:"subscription_ids"`
}

// OrderCancelledEvent carries the shortage detail so a downstream refund or
// support consumer has an automated trigger for the payment/order divergence.
type OrderCancelledEvent struct {
	OrderID     string     `json:"order_id"`
	OrderNumber string     `json:"order_number"`
	UserID      string     `json:"user_id"`
	PaymentID   string     `json:"payment_id,omitempty"`
	Reason      string     `json:"reason"`
	Shortages   []Shortage `json:"shortages,omitempty"`
}

type PaymentStateChanged struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}
