package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellhub/payment-service/internal/domain/model"
)

// PaymentProvider defines the capability set every gateway adapter implements.
// Capabilities a gateway does not offer must return a NOT_SUPPORTED ProviderError
// rather than silently succeeding.
type PaymentProvider interface {
	// Name returns the provider name
	Name() string

	// ValidateConfig performs structural validation plus one low-risk live call
	// to confirm the credentials are usable. It must never attempt a payment.
	ValidateConfig(ctx context.Context) error

	// CreatePayment creates a new payment on the provider side. Re-submission
	// with the same idempotency key must not create a duplicate charge.
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)

	// GetPaymentStatus fetches the provider's authoritative status for a payment
	GetPaymentStatus(ctx context.Context, externalID string) (*PaymentStatusInfo, error)

	// CancelPayment cancels a payment that has not been captured yet
	CancelPayment(ctx context.Context, externalID string) error

	// CapturePayment captures an authorized payment; a nil amount captures in full
	CapturePayment(ctx context.Context, externalID string, amount *decimal.Decimal) (*PaymentStatusInfo, error)

	// Refund issues a full or partial refund
	Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error)

	// ParseWebhook verifies the payload signature and normalizes it into
	// WebhookData. A payload that fails verification is rejected before any
	// status is read from it.
	ParseWebhook(payload []byte, signature string) (*WebhookData, error)

	// VerifyWebhookSignature checks the payload signature without parsing it
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// CreatePaymentRequest is a provider-agnostic payment creation request
type CreatePaymentRequest struct {
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency"`
	Description    string                 `json:"description,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CustomerEmail  string                 `json:"customer_email,omitempty"`
	ReturnURL      string                 `json:"return_url,omitempty"`
	CancelURL      string                 `json:"cancel_url,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// CreatePaymentResponse is the normalized result of payment creation
type CreatePaymentResponse struct {
	ExternalID      string                 `json:"external_id"`
	Status          model.PaymentStatus    `json:"status"`
	ConfirmationURL string                 `json:"confirmation_url,omitempty"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	ProviderData    map[string]interface{} `json:"provider_data,omitempty"`
}

// PaymentStatusInfo is the normalized result of a status poll
type PaymentStatusInfo struct {
	ExternalID   string                 `json:"external_id"`
	Status       model.PaymentStatus    `json:"status"`
	Amount       *decimal.Decimal       `json:"amount,omitempty"`
	PaidAt       *time.Time             `json:"paid_at,omitempty"`
	ProviderData map[string]interface{} `json:"provider_data,omitempty"`
}

// RefundRequest asks the provider to return money to the payer
type RefundRequest struct {
	ExternalID     string          `json:"external_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// RefundResponse is the normalized refund result
type RefundResponse struct {
	RefundExternalID string             `json:"refund_external_id"`
	Status           model.RefundStatus `json:"status"`
	Amount           decimal.Decimal    `json:"amount"`
}

// WebhookData is the canonical shape every provider webhook is normalized into.
// RawPayload keeps the original body for audit.
type WebhookData struct {
	EventType  string                 `json:"event_type"`
	ExternalID string                 `json:"external_id"`
	Status     model.PaymentStatus    `json:"status"`
	Amount     *decimal.Decimal       `json:"amount,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RawPayload []byte                 `json:"-"`
}

// Type identifies a supported payment gateway
type Type string

const (
	TypeCloudPayments Type = "cloudpayments"
	TypeYooKassa      Type = "yookassa"
	TypeRobokassa     Type = "robokassa"
	TypeStripe        Type = "stripe"
	TypeUSDT          Type = "usdt"
)

// Types lists every supported provider in a stable order.
func Types() []Type {
	return []Type{TypeCloudPayments, TypeYooKassa, TypeRobokassa, TypeStripe, TypeUSDT}
}

// Valid reports whether t names a supported provider.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}
