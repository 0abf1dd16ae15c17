package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/planmart/planmart/internal/fulfillment/domain"
)

// Service is the decide-and-commit phase: resolve the referenced records,
// run the fulfillment transaction, return a Result value. It performs no
// best-effort side effects; those belong to the Dispatcher.
type Service struct {
	log    *slog.Logger
	repo   Repository
	tracer trace.Tracer
}

func NewService(log *slog.Logger, repo Repository) *Service {
	return &Service{
		log:    log,
		repo:   repo,
		tracer: otel.Tracer("fulfillment-service"),
	}
}

func (s *Service) HandleWebhook(ctx context.Context, keys ResolveKeys, canonical domain.Canonical, reason string, raw []byte) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	if canonical == domain.CanonicalNoOp {
		return Result{}, errors.New("no-op webhook reached fulfillment")
	}

	resolved, err := s.repo.Resolve(ctx, keys)
	if err != nil {
		return Result{}, err
	}

	res, err := s.repo.Apply(ctx, resolved, canonical, reason, raw)
	if err != nil {
		return Result{}, fmt.Errorf("apply webhook for payment %s: %w", resolved.Payment.ID, err)
	}

	s.log.Info("webhook applied",
		"payment_id", res.Payment.ID,
		"order_id", res.Order.ID,
		"order_number", res.Order.OrderNumber,
		"canonical", string(canonical),
		"outcome", string(res.Outcome),
	)
	return res, nil
}
