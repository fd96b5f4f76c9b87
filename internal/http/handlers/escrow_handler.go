package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rioporto/backend/internal/http/dto"
	"github.com/rioporto/backend/internal/middleware"
	"github.com/rioporto/backend/internal/models"
	"github.com/rioporto/backend/internal/repositories"
	"github.com/rioporto/backend/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	buyerID, err := uuid.Parse(req.BuyerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid buyer_id"})
	}
	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid seller_id"})
	}
	cryptoAmount, err := decimal.NewFromString(req.CryptoAmount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid crypto_amount"})
	}
	fiatAmount, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid fiat_amount"})
	}

	actorID := middleware.GetUserID(c)
	if actorID != buyerID && actorID != sellerID {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "caller must be a party to the transaction"})
	}

	tx, err := h.escrowService.Create(c.Context(), buyerID, sellerID, req.CryptoCurrency, cryptoAmount, fiatAmount, req.ExpiryMinutes)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	tx, err := h.escrowService.Get(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) ListEscrows(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	filter := repositories.EscrowFilter{
		PartyID: &userID,
		Limit:   20,
	}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	txs, err := h.escrowService.List(c.Context(), filter)
	if err != nil {
		h.log.Error("list escrows failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: txs})
}

func (h *EscrowHandler) FundEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	var req dto.FundEscrowRequest
	if err := c.BodyParser(&req); err != nil || req.EscrowAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "escrow_address is required"})
	}
	observed, err := decimal.NewFromString(req.ObservedAmount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid observed_amount"})
	}

	tx, err := h.escrowService.Fund(c.Context(), id, middleware.GetUserID(c), req.EscrowAddress, observed)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) MarkPaymentSent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	tx, err := h.escrowService.MarkPaymentSent(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) ConfirmPayment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	tx, err := h.escrowService.ConfirmPaymentManual(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) OpenDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	var req dto.OpenDisputeRequest
	if err := c.BodyParser(&req); err != nil || req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "reason is required"})
	}

	tx, err := h.escrowService.OpenDispute(c.Context(), id, middleware.GetUserID(c), req.Reason)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) CancelEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	tx, err := h.escrowService.Cancel(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) ResolveDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil || req.Outcome == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "outcome is required (release, refund)"})
	}

	tx, err := h.escrowService.Resolve(c.Context(), id, middleware.GetUserID(c), req.Outcome)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) GetEscrowEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	entries, err := h.escrowService.GetEvents(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

func (h *EscrowHandler) GetPaymentInfo(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	tx, err := h.escrowService.Get(c.Context(), id, middleware.GetUserID(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	if tx.PaymentProvider == nil || tx.Status == models.EscrowStatusPending {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "payment info not available yet"})
	}

	resp := dto.PaymentInfoResponse{
		EscrowID:   tx.ID.String(),
		Provider:   *tx.PaymentProvider,
		FiatAmount: tx.FiatAmount.String(),
		Status:     tx.Status,
	}
	if tx.PaymentPixKey != nil {
		resp.PixKey = *tx.PaymentPixKey
	}
	if tx.PaymentQRPayload != nil {
		resp.QRPayload = *tx.PaymentQRPayload
	}
	return c.JSON(resp)
}

func (h *EscrowHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow transaction not found"})
	case errors.Is(err, services.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not authorized for this transaction"})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case services.IsInvalidTransition(err):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
}
