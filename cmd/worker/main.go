package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/custody"
	"github.com/rioporto/backend/internal/db"
	"github.com/rioporto/backend/internal/events"
	"github.com/rioporto/backend/internal/payment"
	"github.com/rioporto/backend/internal/repositories"
	"github.com/rioporto/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	notifier := services.NewEventNotifier(publisher, log)
	custodian := custody.NewClient(cfg.CustodyInternalURL, log)
	provider := newPaymentProvider(cfg, log)
	escrowService := services.NewEscrowService(escrowRepo, auditRepo, provider, custodian, notifier, publisher, cfg, log)

	log.Info("worker started",
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("status_poll_interval", cfg.StatusPollInterval),
	)

	// Run jobs on tickers
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	pollTicker := time.NewTicker(cfg.StatusPollInterval)
	defer sweepTicker.Stop()
	defer pollTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			escrowService.SweepExpired(ctx)
		case <-pollTicker.C:
			escrowService.PollPaymentStatuses(ctx)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func newPaymentProvider(cfg *config.Config, log *zap.Logger) payment.Provider {
	switch cfg.PIXProvider {
	case "btg":
		return payment.NewBTGProvider(cfg.BTGClientID, cfg.BTGClientSecret, cfg.BTGWebhookSecret, cfg.BTGEnvironment, log)
	default:
		return payment.NewManualProvider(cfg.PIXKey, cfg.MerchantName, cfg.MerchantCity)
	}
}
