package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/middleware/auth"
	"github.com/sellhub/payment-service/internal/usecase"
)

type PaymentHandler struct {
	engine *usecase.TransactionService
	logger *zap.Logger
}

func NewPaymentHandler(engine *usecase.TransactionService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		engine: engine,
		logger: logger,
	}
}

// statusFor maps engine error types to HTTP status codes.
func statusFor(err error) int {
	switch domainErrors.TypeOf(err) {
	case domainErrors.ErrTypePaymentNotFound:
		return http.StatusNotFound
	case domainErrors.ErrTypeInvalidAmount,
		domainErrors.ErrTypeInvalidConfig,
		domainErrors.ErrTypeNotSupported:
		return http.StatusBadRequest
	case domainErrors.ErrTypeInvalidStateTransition:
		return http.StatusConflict
	case domainErrors.ErrTypePaymentsDisabled,
		domainErrors.ErrTypeProviderNotActive:
		return http.StatusForbidden
	case domainErrors.ErrTypeUnauthorized:
		return http.StatusUnauthorized
	case domainErrors.ErrTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), echo.Map{
		"error": err.Error(),
		"code":  domainErrors.TypeOf(err),
	})
}

// CreatePayment starts a collection attempt for an entity.
func (h *PaymentHandler) CreatePayment(c echo.Context) error {
	user, err := auth.GetUserFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
	}

	var input usecase.CreatePaymentInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}
	input.OwnerID = user.OwnerID

	if input.EntityType == "" || input.EntityID == "" || input.Provider == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "entity_type, entity_id and provider are required",
		})
	}
	if input.IdempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "idempotency_key is required"})
	}

	result, err := h.engine.CreatePayment(c.Request().Context(), &input)
	if err != nil {
		h.logger.Error("Payment creation failed",
			zap.String("entity_id", input.EntityID),
			zap.String("provider", input.Provider),
			zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// GetPayment returns one payment by id.
func (h *PaymentHandler) GetPayment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid payment id"})
	}

	payment, err := h.engine.GetPayment(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payment)
}

// ListPayments returns an entity's payments. Statuses can be filtered with
// repeated ?status= parameters.
func (h *PaymentHandler) ListPayments(c echo.Context) error {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	var statuses []model.PaymentStatus
	for _, s := range c.QueryParams()["status"] {
		statuses = append(statuses, model.PaymentStatus(s))
	}

	payments, err := h.engine.ListPayments(c.Request().Context(), entityType, entityID, statuses)
	if err != nil {
		h.logger.Error("Failed to list payments",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payments)
}

// CheckStatus polls the provider for the payment's authoritative status.
func (h *PaymentHandler) CheckStatus(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid payment id"})
	}

	payment, err := h.engine.CheckPaymentStatus(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payment)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelPayment cancels an uncaptured payment.
func (h *PaymentHandler) CancelPayment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid payment id"})
	}

	var req cancelRequest
	_ = c.Bind(&req)

	payment, err := h.engine.CancelPayment(c.Request().Context(), id, req.Reason)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payment)
}

type captureRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// CapturePayment captures an authorized payment, in full when no amount is given.
func (h *PaymentHandler) CapturePayment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid payment id"})
	}

	var req captureRequest
	_ = c.Bind(&req)

	payment, err := h.engine.CapturePayment(c.Request().Context(), id, req.Amount)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payment)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// RefundPayment refunds a succeeded payment. A zero or absent amount refunds
// the full refundable remainder.
func (h *PaymentHandler) RefundPayment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid payment id"})
	}

	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request body"})
	}

	payment, err := h.engine.RefundPayment(c.Request().Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.logger.Error("Refund failed",
			zap.Int64("payment_id", id),
			zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, payment)
}
