package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/custody"
	"github.com/rioporto/backend/internal/db"
	"github.com/rioporto/backend/internal/events"
	apphttp "github.com/rioporto/backend/internal/http"
	"github.com/rioporto/backend/internal/http/handlers"
	"github.com/rioporto/backend/internal/payment"
	"github.com/rioporto/backend/internal/repositories"
	"github.com/rioporto/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	twoFactorRepo := repositories.NewTwoFactorRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	provider := newPaymentProvider(cfg, log)
	custodian := custody.NewClient(cfg.CustodyInternalURL, log)
	notifier := services.NewEventNotifier(publisher, log)
	escrowService := services.NewEscrowService(escrowRepo, auditRepo, provider, custodian, notifier, publisher, cfg, log)
	twoFactorService := services.NewTwoFactorService(twoFactorRepo, userRepo, rdb, cfg, log)
	authService := services.NewAuthService(userRepo, twoFactorService, cfg, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, log)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService, log)
	escrowHandler := handlers.NewEscrowHandler(escrowService, log)
	webhookHandler := handlers.NewWebhookHandler(escrowService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, twoFactorHandler, escrowHandler, webhookHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
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
