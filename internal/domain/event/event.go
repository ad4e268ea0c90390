package event

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies a domain event emitted after a committed status transition.
type Name string

const (
	PaymentSucceeded Name = "payment.succeeded"
	PaymentCanceled  Name = "payment.canceled"
	PaymentRefunded  Name = "payment.refunded"
	PaymentFailed    Name = "payment.failed"
)

// PaymentEvent is the payload published for every lifecycle event.
type PaymentEvent struct {
	Name       Name            `json:"name"`
	PaymentID  int64           `json:"payment_id"`
	ExternalID string          `json:"external_id,omitempty"`
	Provider   string          `json:"provider"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher is the outbound event channel the engine writes to after each
// committed state transition. One writer, many readers.
type Publisher interface {
	Publish(ctx context.Context, evt PaymentEvent) error
	Close() error
}
