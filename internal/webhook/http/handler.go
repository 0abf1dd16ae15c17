package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/planmart/planmart/internal/fulfillment/application"
	"github.com/planmart/planmart/internal/fulfillment/domain"
	"github.com/planmart/planmart/internal/webhook/codec"
	"github.com/planmart/planmart/internal/webhook/signature"
	"github.com/planmart/planmart/internal/webhook/status"
)

const maxBodyBytes = 1 << 20

const dispatchTimeout = 30 * time.Second

type Service interface {
	HandleWebhook(ctx context.Context, keys application.ResolveKeys, canonical domain.Canonical, reason string, raw []byte) (application.Result, error)
}

// Dispatcher runs the post-commit side effects. The handler invokes it only
// after the acknowledgment has been written; its failures are its own.
type Dispatcher interface {
	Dispatch(ctx context.Context, res application.Result)
}

type Dedupe interface {
	Key(provider, deliveryID string) string
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type Handler struct {
	log      *slog.Logger
	verifier *signature.Verifier
	svc      Service
	dispatch Dispatcher
	dedupe   Dedupe
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, verifier *signature.Verifier, svc Service, dispatch Dispatcher, dedupe Dedupe) *Handler {
	return &Handler{
		log:      log,
		verifier: verifier,
		svc:      svc,
		dispatch: dispatch,
		dedupe:   dedupe,
		tracer:   otel.Tracer("webhook-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", h.handle)
	return r
}

// handle is the full inbound flow: verify signature against the raw bytes,
// decode, map status, resolve-and-commit, acknowledge, then fan out
// post-commit effects with the response already on the wire.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleProviderWebhook")
	defer span.End()

	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Status: "error", Detail: "unreadable body"})
		return
	}

	// Signature first, over the exact raw bytes, before any parsing or any
	// database read. All verification failures look the same to the caller.
	if err := h.verifier.Verify(provider, body, r.Header); err != nil {
		h.log.Warn("webhook signature rejected", "provider", provider, "err", err)
		writeJSON(w, http.StatusUnauthorized, ack{Status: "unauthorized"})
		return
	}

	evt, err := codec.Decode(provider, body)
	if err != nil {
		h.log.Warn("webhook body rejected", "provider", provider, "err", err)
		writeJSON(w, http.StatusBadRequest, ack{Status: "error", Detail: "missing required fields"})
		return
	}

	canonical := status.Map(provider, evt.Status)
	if canonical == domain.CanonicalNoOp {
		// Transitional, refund-processing or unrecognized status: acknowledge
		// so the provider stops retrying, touch nothing.
		h.log.Info("webhook ignored", "provider", provider, "provider_status", evt.Status)
		writeJSON(w, http.StatusOK, ack{Status: "ignored"})
		return
	}

	dedupeKey := h.dedupe.Key(provider, evt.DedupeKey())
	if seen, err := h.dedupe.Seen(ctx, dedupeKey); err != nil {
		// Dedupe is an optimization; the transaction's status check is the
		// authority. Never drop a webhook because redis is down.
		h.log.Error("dedupe lookup failed", "provider", provider, "err", err)
	} else if seen {
		h.log.Info("duplicate webhook acknowledged", "provider", provider, "key", dedupeKey)
		writeJSON(w, http.StatusOK, ack{Status: "duplicate"})
		return
	}

	keys := application.ResolveKeys{
		PaymentID:     evt.PaymentID,
		ProviderTxnID: evt.ProviderTxnID,
		OrderNumber:   evt.OrderNumber,
	}
	res, err := h.svc.HandleWebhook(ctx, keys, canonical, failureReason(evt, canonical), body)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			h.log.Warn("webhook unresolved", "provider", provider, "txn_id", evt.ProviderTxnID)
			writeJSON(w, http.StatusNotFound, ack{Status: "not_found"})
			return
		}
		h.log.Error("webhook processing failed", "provider", provider, "err", err)
		writeJSON(w, http.StatusInternalServerError, ack{Status: "error"})
		return
	}

	writeJSON(w, http.StatusOK, ack{Status: "ok", Outcome: string(res.Outcome)})

	if err := h.dedupe.Mark(ctx, dedupeKey); err != nil {
		h.log.Error("dedupe mark failed", "provider", provider, "err", err)
	}

	// Response is committed; everything from here is best-effort and cannot
	// change what the provider saw.
	if h.dispatch != nil && res.Outcome != application.OutcomeAlreadyApplied {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		go func() {
			defer cancel()
			h.dispatch.Dispatch(dctx, res)
		}()
	}
}

func failureReason(evt codec.Event, canonical domain.Canonical) string {
	if evt.FailureReason != "" {
		return evt.FailureReason
	}
	switch canonical {
	case domain.CanonicalFailed, domain.CanonicalCancelled:
		return fmt.Sprintf("provider reported status %q", evt.Status)
	}
	return ""
}

type ack struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
