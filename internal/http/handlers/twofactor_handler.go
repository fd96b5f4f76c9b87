package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rioporto/backend/internal/http/dto"
	"github.com/rioporto/backend/internal/middleware"
	"github.com/rioporto/backend/internal/services"
	"go.uber.org/zap"
)

type TwoFactorHandler struct {
	twoFactorService *services.TwoFactorService
	log              *zap.Logger
}

func NewTwoFactorHandler(twoFactorService *services.TwoFactorService, log *zap.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{twoFactorService: twoFactorService, log: log}
}

func (h *TwoFactorHandler) Setup(c *fiber.Ctx) error {
	result, err := h.twoFactorService.Setup(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.TwoFactorSetupResponse{
		Secret:     result.Secret,
		OTPAuthURL: result.OTPAuthURL,
	})
}

func (h *TwoFactorHandler) VerifySetup(c *fiber.Ctx) error {
	var req dto.TwoFactorCodeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "code is required"})
	}

	codes, err := h.twoFactorService.VerifySetup(c.Context(), middleware.GetUserID(c), req.Code)
	if err != nil {
		if errors.Is(err, services.ErrExpiredWindow) {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid verification code"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.BackupCodesResponse{BackupCodes: codes})
}

func (h *TwoFactorHandler) RegenerateBackupCodes(c *fiber.Ctx) error {
	var req dto.TwoFactorCodeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "code is required"})
	}

	codes, err := h.twoFactorService.RegenerateBackupCodes(c.Context(), middleware.GetUserID(c), req.Code)
	if err != nil {
		return h.verifyError(c, err)
	}
	return c.JSON(dto.BackupCodesResponse{BackupCodes: codes})
}

func (h *TwoFactorHandler) Disable(c *fiber.Ctx) error {
	var req dto.DisableTwoFactorRequest
	if err := c.BodyParser(&req); err != nil || req.Password == "" || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "password and code are required"})
	}

	if err := h.twoFactorService.Disable(c.Context(), middleware.GetUserID(c), req.Password, req.Code); err != nil {
		return h.verifyError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *TwoFactorHandler) verifyError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrTooManyAttempts):
		return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrExpiredWindow), errors.Is(err, services.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid credentials or code"})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
}
