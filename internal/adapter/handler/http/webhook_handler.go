package http

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/provider"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/robokassa"
	"github.com/sellhub/payment-service/internal/usecase"
)

// signatureHeaders maps each provider to the request header carrying its
// webhook signature. Robokassa sends the signature inside the form body, so
// it has no header here.
var signatureHeaders = map[provider.Type]string{
	provider.TypeCloudPayments: "Content-HMAC",
	provider.TypeYooKassa:      "X-Signature",
	provider.TypeStripe:        "Stripe-Signature",
}

type WebhookHandler struct {
	engine *usecase.TransactionService
	logger *zap.Logger
}

func NewWebhookHandler(engine *usecase.TransactionService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleWebhook ingests one provider notification. The response body is
// provider-specific: each gateway keeps retrying until it sees its own
// expected acknowledgment, so the ack format matters as much as the status
// code. Verification failures still answer 200 with a non-ack body to avoid
// turning a signature probe into an error oracle.
func (h *WebhookHandler) HandleWebhook(c echo.Context) error {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")
	providerType := provider.Type(c.Param("provider"))

	if !providerType.Valid() {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Unknown provider"})
	}

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body",
			zap.String("provider", string(providerType)),
			zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Unreadable body"})
	}

	var signature string
	if header, ok := signatureHeaders[providerType]; ok {
		signature = c.Request().Header.Get(header)
	}

	data, err := h.engine.HandleWebhook(c.Request().Context(), entityType, entityID, providerType, payload, signature)
	if err != nil {
		h.logger.Warn("Webhook processing failed",
			zap.String("provider", string(providerType)),
			zap.String("entity_id", entityID),
			zap.String("error_type", domainErrors.TypeOf(err)),
			zap.Error(err))

		if domainErrors.TypeOf(err) == domainErrors.ErrTypeWebhookVerificationFailed {
			return c.JSON(http.StatusOK, echo.Map{"received": false})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Processing failed"})
	}

	return h.ack(c, providerType, data)
}

// ack formats the per-provider acknowledgment body.
func (h *WebhookHandler) ack(c echo.Context, providerType provider.Type, data *provider.WebhookData) error {
	switch providerType {
	case provider.TypeCloudPayments:
		// CloudPayments treats any code other than 0 as a delivery failure.
		return c.JSON(http.StatusOK, echo.Map{"code": 0})
	case provider.TypeRobokassa:
		// Robokassa requires the literal OK<InvId> body.
		return c.String(http.StatusOK, robokassa.AckBody(data.ExternalID))
	default:
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}
}
