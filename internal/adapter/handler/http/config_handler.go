package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/middleware/auth"
	"github.com/sellhub/payment-service/internal/usecase"
)

type ConfigHandler struct {
	configSvc *usecase.ConfigService
	logger    *zap.Logger
}

func NewConfigHandler(configSvc *usecase.ConfigService, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		configSvc: configSvc,
		logger:    logger,
	}
}

// GetConfig returns the entity's payment config with every secret masked.
// A config is created with safe defaults on first read.
func (h *ConfigHandler) GetConfig(c echo.Context) error {
	user, err := auth.GetUserFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
	}

	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	masked, err := h.configSvc.GetMasked(c.Request().Context(), entityType, entityID, user.OwnerID)
	if err != nil {
		h.logger.Error("Failed to get payment config",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, masked)
}

// SaveConfig validates and persists an updated config. Masked secret values
// round-tripped from GetConfig keep the stored secrets.
func (h *ConfigHandler) SaveConfig(c echo.Context) error {
	user, err := auth.GetUserFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
	}

	var cfg model.PaymentConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}

	cfg.EntityType = c.Param("entityType")
	cfg.EntityID = c.Param("entityId")
	cfg.OwnerID = user.OwnerID

	if err := h.configSvc.Save(c.Request().Context(), &cfg); err != nil {
		h.logger.Error("Failed to save payment config",
			zap.String("entity_type", cfg.EntityType),
			zap.String("entity_id", cfg.EntityID),
			zap.Error(err))
		return respondError(c, err)
	}

	masked, err := h.configSvc.GetMasked(c.Request().Context(), cfg.EntityType, cfg.EntityID, user.OwnerID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, masked)
}

// DeleteConfig removes the entity's payment config.
func (h *ConfigHandler) DeleteConfig(c echo.Context) error {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	if err := h.configSvc.Delete(c.Request().Context(), entityType, entityID); err != nil {
		h.logger.Error("Failed to delete payment config",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return respondError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// ValidateProvider runs the provider's credential probe against the stored
// settings and reports the result without creating any payment.
func (h *ConfigHandler) ValidateProvider(c echo.Context) error {
	user, err := auth.GetUserFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
	}

	entityType := c.Param("entityType")
	entityID := c.Param("entityId")
	providerType := provider.Type(c.Param("provider"))
	if !providerType.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Unknown provider"})
	}

	err = h.configSvc.ValidateProvider(c.Request().Context(), entityType, entityID, user.OwnerID, providerType)
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{
			"provider": string(providerType),
			"valid":    false,
			"error":    err.Error(),
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"provider": string(providerType),
		"valid":    true,
	})
}
