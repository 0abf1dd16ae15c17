package domain

import "time"

type DeliveryType string

const (
	DeliveryAutomatic DeliveryType = "automatic"
	DeliveryManual    DeliveryType = "manual"
)

type Product struct {
	ID   string
	Name string
}

// Plan is read-mostly reference data; the fulfillment core never mutates it.
type Plan struct {
	ID            string
	ProductID     string
	ProductName   string
	Name          string
	DeliveryType  DeliveryType
	DurationDays  int
	BillingPeriod string
}

type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Items       []OrderItem
	TotalCents  int64
	Currency    string
	Status      OrderStatus
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderItem struct {
	ID             string
	OrderID        string
	PlanID         string
	Plan           Plan
	Quantity       int
	UnitPriceCents int64
	DeliveryType   DeliveryType
	StockItemID    *string
	TicketID       *string
	DeliveredAt    *time.Time
}

// Payment is one of possibly several attempts against an Order. RawPayload
// holds the provider's latest webhook body verbatim for audit.
type Payment struct {
	ID            string
	OrderID       string
	Method        string
	Status        PaymentStatus
	AmountCents   int64
	Currency      string
	ProviderTxnID string
	RawPayload    []byte
	FailureReason string
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StockItem is a one-time-use secret. Once is_used flips it is never recycled
// and never belongs to more than one order item.
type StockItem struct {
	ID        string
	PlanID    string
	Content   string
	IsUsed    bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

type UserSubscription struct {
	ID            string
	UserID        string
	OrderItemID   string
	PlanID        string
	Status        string
	StartDate     time.Time
	EndDate       time.Time
	RenewalDate   time.Time
	PriceCents    int64
	Currency      string
	BillingPeriod string
}

const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
)

type User struct {
	ID    string
	Email string
	Name  string
}

// Shortage records one plan whose unused stock could not cover the quantity
// an order item asked for at commit time.
type Shortage struct {
	PlanID      string `json:"plan_id"`
	PlanName    string `json:"plan_name"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}
