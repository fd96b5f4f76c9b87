package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rioporto/backend/internal/http/dto"
	"github.com/rioporto/backend/internal/services"
	"go.uber.org/zap"
)

// WebhookHandler receives provider payment notifications. The route is
// public; authenticity comes from signature verification, never from the
// caller's identity.
type WebhookHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewWebhookHandler(escrowService *services.EscrowService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{escrowService: escrowService, log: log}
}

func (h *WebhookHandler) PaymentWebhook(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
	}

	header := http.Header{}
	c.Request().Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})

	err = h.escrowService.HandleWebhook(c.Context(), id, header, c.Body())
	switch {
	case err == nil:
		// Replays and already-applied outcomes land here too; a 200 stops
		// the provider from retrying.
		return c.JSON(dto.SuccessResponse{OK: true})
	case errors.Is(err, services.ErrInvalidSignature):
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "not found"})
	case services.IsInvalidTransition(err):
		// A confirmed event can arrive before the buyer marks payment sent.
		// A 409 makes the provider retry once the transaction catches up.
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "transaction not ready for this event"})
	default:
		h.log.Error("webhook processing failed", zap.String("escrow_id", id.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}
