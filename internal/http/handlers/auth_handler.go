package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rioporto/backend/internal/http/dto"
	"github.com/rioporto/backend/internal/middleware"
	"github.com/rioporto/backend/internal/services"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService *services.AuthService
	log         *zap.Logger
}

func NewAuthHandler(authService *services.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	result, err := h.authService.Register(c.Context(), req.Email, req.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.AuthResponse{Token: result.Token, User: result.User})
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	result, err := h.authService.Login(c.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid email or password"})
		}
		h.log.Error("login failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.AuthResponse{
		Token:            result.Token,
		TwoFactorPending: result.TwoFactorPending,
		User:             result.User,
	})
}

// VerifyTwoFactor completes a login that was held for a second factor.
func (h *AuthHandler) VerifyTwoFactor(c *fiber.Ctx) error {
	var req dto.TwoFactorCodeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "code is required"})
	}

	userID := middleware.GetUserID(c)
	result, err := h.authService.CompleteTwoFactor(c.Context(), userID, req.Code)
	if err != nil {
		if errors.Is(err, services.ErrTooManyAttempts) {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid verification code"})
	}

	return c.JSON(dto.AuthResponse{Token: result.Token, User: result.User})
}
