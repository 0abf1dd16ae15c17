// Package notify consumes the email-notification collaborator. Sending is
// someone else's job; this side only enqueues the task and forgets it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/planmart/planmart/internal/fulfillment/application"
)

type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(redisAddr string) *Enqueuer {
	return &Enqueuer{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
	}
}

func (e *Enqueuer) OrderConfirmation(ctx context.Context, msg application.Confirmation) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	task := asynq.NewTask(TypeOrderConfirmation, payload)
	if _, err := e.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Queue("email")); err != nil {
		return fmt.Errorf("enqueue confirmation: %w", err)
	}
	return nil
}

func (e *Enqueuer) Close() error { return e.client.Close() }
