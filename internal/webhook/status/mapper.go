package status

import (
	"strings"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

// Per-provider status tables. Exhaustive by construction: anything a table
// does not list maps to NO_OP, so an unrecognized status is acknowledged
// without mutating any record and without blocking later, correct deliveries.
var tables = map[string]map[string]domain.Canonical{
	"razorpay": {
		"captured":   domain.CanonicalCompleted,
		"failed":     domain.CanonicalFailed,
		"created":    domain.CanonicalNoOp,
		"authorized": domain.CanonicalNoOp,
		"refunded":   domain.CanonicalNoOp,
	},
	"coinbase": {
		"completed":  domain.CanonicalCompleted,
		"resolved":   domain.CanonicalCompleted,
		"expired":    domain.CanonicalCancelled,
		"canceled":   domain.CanonicalCancelled,
		"new":        domain.CanonicalNoOp,
		"pending":    domain.CanonicalNoOp,
		"unresolved": domain.CanonicalNoOp,
		"refunded":   domain.CanonicalNoOp,
	},
	"paystack": {
		"success":    domain.CanonicalCompleted,
		"failed":     domain.CanonicalFailed,
		"abandoned":  domain.CanonicalCancelled,
		"pending":    domain.CanonicalNoOp,
		"ongoing":    domain.CanonicalNoOp,
		"processing": domain.CanonicalNoOp,
		"queued":     domain.CanonicalNoOp,
		"reversed":   domain.CanonicalNoOp,
	},
}

// Map translates a provider status string into the canonical set. Unknown
// providers and unknown statuses are NO_OP, never an error: the webhook must
// still be acknowledged to stop the provider's retries.
func Map(provider, providerStatus string) domain.Canonical {
	table, ok := tables[provider]
	if !ok {
		return domain.CanonicalNoOp
	}
	c, ok := table[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return domain.CanonicalNoOp
	}
	return c
}

// Table exposes a provider's mapping for exhaustiveness tests.
func Table(provider string) map[string]domain.Canonical {
	out := make(map[string]domain.Canonical, len(tables[provider]))
	for k, v := range tables[provider] {
		out[k] = v
	}
	return out
}
