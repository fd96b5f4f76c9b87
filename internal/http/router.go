package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/rioporto/backend/internal/config"
	"github.com/rioporto/backend/internal/http/handlers"
	"github.com/rioporto/backend/internal/middleware"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	twoFactorHandler *handlers.TwoFactorHandler,
	escrowHandler *handlers.EscrowHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Provider notifications. Public by necessity: providers do not carry our
	// tokens. Signature verification happens inside.
	app.Post("/escrow/:id/payment-webhook", webhookHandler.PaymentWebhook)

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/register", authHandler.Register)
	api.Post("/auth/login", authHandler.Login)
	api.Post("/auth/2fa/verify", middleware.TwoFactorPendingMiddleware(cfg, log), authHandler.VerifyTwoFactor)

	// Rate-limited endpoints
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Two-factor management
	protected.Post("/2fa/setup", twoFactorHandler.Setup)
	protected.Post("/2fa/setup/verify", twoFactorHandler.VerifySetup)
	protected.Post("/2fa/backup-codes", twoFactorHandler.RegenerateBackupCodes)
	protected.Delete("/2fa", twoFactorHandler.Disable)

	// Escrow transactions
	protected.Post("/escrow", escrowHandler.CreateEscrow)
	protected.Get("/escrow", escrowHandler.ListEscrows)
	protected.Get("/escrow/:id", escrowHandler.GetEscrow)
	protected.Post("/escrow/:id/fund", escrowHandler.FundEscrow)
	protected.Post("/escrow/:id/payment-sent", escrowHandler.MarkPaymentSent)
	protected.Post("/escrow/:id/confirm-payment", escrowHandler.ConfirmPayment)
	protected.Post("/escrow/:id/dispute", escrowHandler.OpenDispute)
	protected.Post("/escrow/:id/cancel", escrowHandler.CancelEscrow)
	protected.Get("/escrow/:id/events", escrowHandler.GetEscrowEvents)
	protected.Get("/escrow/:id/payment", escrowHandler.GetPaymentInfo)

	// Admin
	admin := protected.Group("", middleware.AdminMiddleware(cfg))
	admin.Post("/escrow/:id/resolve", escrowHandler.ResolveDispute)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
