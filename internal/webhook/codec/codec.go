package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider = errors.New("codec: unknown provider")
	ErrMalformedBody   = errors.New("codec: malformed body")
	// ErrMissingFields: no status or no usable record identifier. Maps to 400.
	ErrMissingFields = errors.New("codec: required fields missing")
)

// Event is the provider-neutral view of a webhook body: whatever identifiers
// the provider echoed back, its status string, and a delivery id for dedupe.
type Event struct {
	Provider      string
	DeliveryID    string
	PaymentID     string
	ProviderTxnID string
	OrderNumber   string
	Status        string
	FailureReason string
}

// DedupeKey prefers the provider's own delivery id; providers that do not
// send one fall back to transaction id + status, which is exactly the pair
// the idempotency rule is stated over.
func (e Event) DedupeKey() string {
	if e.DeliveryID != "" {
		return e.DeliveryID
	}
	return e.ProviderTxnID + ":" + e.Status
}

type decoder func(body []byte) (Event, error)

var decoders = map[string]decoder{
	"razorpay": decodeRazorpay,
	"coinbase": decodeCoinbase,
	"paystack": decodePaystack,
}

// Decode parses a provider body into an Event and validates that the fields
// every downstream step needs are present.
func Decode(provider string, body []byte) (Event, error) {
	dec, ok := decoders[provider]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	evt, err := dec(body)
	if err != nil {
		return Event{}, err
	}
	evt.Provider = provider
	if evt.Status == "" {
		return Event{}, fmt.Errorf("%w: status", ErrMissingFields)
	}
	if evt.PaymentID == "" && evt.ProviderTxnID == "" && evt.OrderNumber == "" {
		return Event{}, fmt.Errorf("%w: payment/order identifiers", ErrMissingFields)
	}
	return evt, nil
}

// razorpay: {"event":"payment.captured","event_id":"evt_x","payload":{"payment":
// {"entity":{"id":"pay_x","status":"captured","error_description":"...",
// "notes":{"payment_id":"...","order_number":"..."}}}}}
func decodeRazorpay(body []byte) (Event, error) {
	var b struct {
		EventID string `json:"event_id"`
		Payload struct {
			Payment struct {
				Entity struct {
					ID               string `json:"id"`
					Status           string `json:"status"`
					ErrorDescription string `json:"error_description"`
					Notes            struct {
						PaymentID   string `json:"payment_id"`
						OrderNumber string `json:"order_number"`
					} `json:"notes"`
				} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	e := b.Payload.Payment.Entity
	return Event{
		DeliveryID:    b.EventID,
		PaymentID:     e.Notes.PaymentID,
		ProviderTxnID: e.ID,
		OrderNumber:   e.Notes.OrderNumber,
		Status:        e.Status,
		FailureReason: e.ErrorDescription,
	}, nil
}

// coinbase: {"id":"evt_x","event":{"type":"charge:confirmed","data":{"code":
// "CHARGE1","timeline":[...],"metadata":{"payment_id":"...","order_number":"..."}}}}
// The current charge status is the last timeline entry.
func decodeCoinbase(body []byte) (Event, error) {
	var b struct {
		ID    string `json:"id"`
		Event struct {
			Data struct {
				Code     string `json:"code"`
				Timeline []struct {
					Status string `json:"status"`
				} `json:"timeline"`
				Metadata struct {
					PaymentID   string `json:"payment_id"`
					OrderNumber string `json:"order_number"`
				} `json:"metadata"`
			} `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	d := b.Event.Data
	status := ""
	if n := len(d.Timeline); n > 0 {
		status = d.Timeline[n-1].Status
	}
	return Event{
		DeliveryID:    b.ID,
		PaymentID:     d.Metadata.PaymentID,
		ProviderTxnID: d.Code,
		OrderNumber:   d.Metadata.OrderNumber,
		Status:        status,
	}, nil
}

// paystack: {"event":"charge.success","data":{"reference":"ref_x","status":
// "success","gateway_response":"...","metadata":{"payment_id":"...",
// "order_number":"..."}}}
func decodePaystack(body []byte) (Event, error) {
	var b struct {
		Data struct {
			Reference       string `json:"reference"`
			Status          string `json:"status"`
			GatewayResponse string `json:"gateway_response"`
			Metadata        struct {
				PaymentID   string `json:"payment_id"`
				OrderNumber string `json:"order_number"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	d := b.Data
	return Event{
		PaymentID:     d.Metadata.PaymentID,
		ProviderTxnID: d.Reference,
		OrderNumber:   d.Metadata.OrderNumber,
		Status:        d.Status,
		FailureReason: d.GatewayResponse,
	}, nil
}
