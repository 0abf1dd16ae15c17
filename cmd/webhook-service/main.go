package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/planmart/planmart/internal/config"
	"github.com/planmart/planmart/internal/delivery"
	"github.com/planmart/planmart/internal/fulfillment/application"
	fulfillkafka "github.com/planmart/planmart/internal/fulfillment/infrastructure/kafka"
	fulfillpg "github.com/planmart/planmart/internal/fulfillment/infrastructure/postgres"
	"github.com/planmart/planmart/internal/notify"
	webhookhttp "github.com/planmart/planmart/internal/webhook/http"
	"github.com/planmart/planmart/internal/webhook/signature"
	"github.com/planmart/planmart/pkg/idempotency"
	"github.com/planmart/planmart/pkg/logging"
	"github.com/planmart/planmart/pkg/outbox"
	"github.com/planmart/planmart/pkg/shutdown"
	"github.com/planmart/planmart/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.ServiceName, cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	writer := fulfillkafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	mailer := notify.NewEnqueuer(cfg.RedisAddr)
	defer func() { _ = mailer.Close() }()

	repo := fulfillpg.NewRepository(log, pool)
	store := fulfillpg.NewOutboxStore(log, pool)
	relay := outbox.NewRelay(log, store, outbox.NewDispatcher(log, writer, cfg.OutboxTopic), cfg.ServiceName+"-relay")

	provisioner := delivery.NewProvisioner(log, pool)
	svc := application.NewService(log, repo)
	dispatcher := application.NewDispatcher(log, repo, provisioner, mailer)

	verifier := signature.NewVerifier(cfg.WebhookSecrets)
	for _, p := range signature.Providers() {
		if cfg.WebhookSecrets[p] == "" {
			log.Warn("webhook secret not configured, provider deliveries will be rejected", "provider", p)
		}
	}
	dedupe := idempotency.NewStore(rdb, 48*time.Hour)
	handler := webhookhttp.NewHandler(log, verifier, svc, dispatcher, dedupe)

	r := chi.NewRouter()
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Info("webhook-service shutdown complete")
}
