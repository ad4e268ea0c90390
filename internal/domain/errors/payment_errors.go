package errors

import (
	"fmt"
)

// PaymentError represents errors raised by the transaction engine before or
// after a provider call. The type is the stable code callers branch on.
type PaymentError struct {
	Type      string
	Message   string
	Provider  string
	PaymentID string
	Retryable bool
	Cause     error
}

func (e *PaymentError) Error() string {
	ctx := ""
	if e.Provider != "" || e.PaymentID != "" {
		ctx = fmt.Sprintf(" (provider: %s, payment: %s)", e.Provider, e.PaymentID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s - %v", e.Type, e.Message, ctx, e.Cause)
	}
	return fmt.Sprintf("%s: %s%s", e.Type, e.Message, ctx)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Payment error types
const (
	ErrTypeInvalidConfig              = "INVALID_CONFIG"
	ErrTypeInvalidAmount              = "INVALID_AMOUNT"
	ErrTypePaymentDeclined            = "PAYMENT_DECLINED"
	ErrTypePaymentNotFound            = "PAYMENT_NOT_FOUND"
	ErrTypeRefundFailed               = "REFUND_FAILED"
	ErrTypeWebhookVerificationFailed  = "WEBHOOK_VERIFICATION_FAILED"
	ErrTypeProviderError              = "PROVIDER_ERROR"
	ErrTypeRateLimit                  = "RATE_LIMIT"
	ErrTypeUnauthorized               = "UNAUTHORIZED"
	ErrTypeNotSupported               = "NOT_SUPPORTED"
	ErrTypeInvalidStateTransition     = "INVALID_STATE_TRANSITION"
	ErrTypeDecryptionFailed           = "DECRYPTION_FAILED"
	ErrTypePaymentsDisabled           = "PAYMENTS_DISABLED"
	ErrTypeProviderNotActive          = "PROVIDER_NOT_ACTIVE"
)

// NewInvalidConfigError creates an error for a config that fails its schema,
// listing every violated field.
func NewInvalidConfigError(providerName string, violations []string) *PaymentError {
	return &PaymentError{
		Type:     ErrTypeInvalidConfig,
		Message:  fmt.Sprintf("invalid provider configuration: %v", violations),
		Provider: providerName,
	}
}

// NewInvalidAmountError creates an error for an amount outside configured bounds
func NewInvalidAmountError(message string) *PaymentError {
	return &PaymentError{
		Type:    ErrTypeInvalidAmount,
		Message: message,
	}
}

// NewPaymentNotFoundError creates an error for an unknown payment
func NewPaymentNotFoundError(paymentID string) *PaymentError {
	return &PaymentError{
		Type:      ErrTypePaymentNotFound,
		Message:   "payment not found",
		PaymentID: paymentID,
	}
}

// NewInvalidStateTransitionError creates an error for a transition the state
// machine forbids.
func NewInvalidStateTransitionError(paymentID, from, to string) *PaymentError {
	return &PaymentError{
		Type:      ErrTypeInvalidStateTransition,
		Message:   fmt.Sprintf("cannot transition from %s to %s", from, to),
		PaymentID: paymentID,
	}
}

// NewWebhookVerificationError creates an error for a webhook whose signature
// did not verify. Always terminal; the payload must not be trusted.
func NewWebhookVerificationError(providerName string, cause error) *PaymentError {
	return &PaymentError{
		Type:     ErrTypeWebhookVerificationFailed,
		Message:  "webhook signature verification failed",
		Provider: providerName,
		Cause:    cause,
	}
}

// NewPaymentsDisabledError creates an error for an entity with payments turned off
func NewPaymentsDisabledError(entityType, entityID string) *PaymentError {
	return &PaymentError{
		Type:    ErrTypePaymentsDisabled,
		Message: fmt.Sprintf("payments are disabled for %s %s", entityType, entityID),
	}
}

// NewProviderNotActiveError creates an error for a provider missing from the
// entity's active list.
func NewProviderNotActiveError(providerName string) *PaymentError {
	return &PaymentError{
		Type:     ErrTypeProviderNotActive,
		Message:  "provider is not enabled for this entity",
		Provider: providerName,
	}
}

// NewRefundFailedError wraps a provider refund failure
func NewRefundFailedError(providerName, paymentID string, cause error) *PaymentError {
	return &PaymentError{
		Type:      ErrTypeRefundFailed,
		Message:   "refund failed",
		Provider:  providerName,
		PaymentID: paymentID,
		Cause:     cause,
	}
}

// NewProviderError wraps an upstream provider failure, keeping the provider's
// own message for diagnostics.
func NewProviderError(providerName, message string, retryable bool, cause error) *PaymentError {
	return &PaymentError{
		Type:      ErrTypeProviderError,
		Message:   message,
		Provider:  providerName,
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewDecryptionError creates an error for vault decryption failures. Field
// values are never included.
func NewDecryptionError(cause error) *PaymentError {
	return &PaymentError{
		Type:    ErrTypeDecryptionFailed,
		Message: "failed to decrypt secret field",
		Cause:   cause,
	}
}

// TypeOf returns the error type of err, or empty for foreign errors.
func TypeOf(err error) string {
	var pe *PaymentError
	if As(err, &pe) {
		return pe.Type
	}
	return ""
}
