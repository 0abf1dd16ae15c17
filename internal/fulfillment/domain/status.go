package domain

// Canonical is the internal-only outcome set every provider status vocabulary
// is mapped onto. CanonicalNoOp acknowledges a delivery without touching any
// record.
type Canonical string

const (
	CanonicalCompleted Canonical = "COMPLETED"
	CanonicalFailed    Canonical = "FAILED"
	CanonicalCancelled Canonical = "CANCELLED"
	CanonicalNoOp      Canonical = "NO_OP"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderFailed     OrderStatus = "failed"
	OrderRefunded   OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Forward-only transition tables. Refund branches from completed are the only
// exits of a terminal state; they are driven by the refund flow, not by this
// core, but the table is the single source of truth for both.
var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:    {OrderProcessing: true, OrderCompleted: true, OrderCancelled: true, OrderFailed: true},
	OrderProcessing: {OrderCompleted: true, OrderCancelled: true, OrderFailed: true},
	OrderCompleted:  {OrderRefunded: true},
	OrderCancelled:  {},
	OrderFailed:     {},
	OrderRefunded:   {},
}

var paymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:           {PaymentCompleted: true, PaymentFailed: true, PaymentCancelled: true},
	PaymentCompleted:         {PaymentRefunded: true, PaymentPartiallyRefunded: true},
	PaymentFailed:            {},
	PaymentCancelled:         {},
	PaymentRefunded:          {},
	PaymentPartiallyRefunded: {},
}

func (s OrderStatus) CanTransition(to OrderStatus) bool { return orderNext[s][to] }

func (s PaymentStatus) CanTransition(to PaymentStatus) bool { return paymentNext[s][to] }

// Terminal reports whether the payment has left pending. A terminal payment
// makes a re-delivered webhook a no-op acknowledgment.
func (s PaymentStatus) Terminal() bool { return s != PaymentPending }

// Terminal reports whether the order has settled. An order may carry several
// payment attempts; a completion webhook for a sibling attempt against a
// settled order records the capture without re-running fulfillment.
func (s OrderStatus) Terminal() bool { return s != OrderPending && s != OrderProcessing }

// PaymentStatus maps a canonical webhook outcome onto the payment status it
// commits. CanonicalNoOp has no payment status and must be short-circuited
// before the transaction.
func (c Canonical) PaymentStatus() PaymentStatus {
	switch c {
	case CanonicalCompleted:
		return PaymentCompleted
	case CanonicalFailed:
		return PaymentFailed
	case CanonicalCancelled:
		return PaymentCancelled
	}
	return PaymentPending
}

// MirroredOrderStatus is the order terminal state matching a provider-reported
// failure or cancellation.
func (c Canonical) MirroredOrderStatus() OrderStatus {
	switch c {
	case CanonicalFailed:
		return OrderFailed
	case CanonicalCancelled:
		return OrderCancelled
	}
	return OrderPending
}
