package target

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentState is the status value written back to the business entity.
type PaymentState string

const (
	StateAwaiting PaymentState = "awaiting_payment"
	StatePaid     PaymentState = "paid"
	StateCanceled PaymentState = "canceled"
	StateRefunded PaymentState = "refunded"
	StateFailed   PaymentState = "failed"
)

// Gateway is the narrow collaborator interface the engine requires from
// order/booking-like business entities.
type Gateway interface {
	// AmountOwed returns the amount still owed on the target
	AmountOwed(ctx context.Context, targetType, targetID string) (decimal.Decimal, error)

	// OwnerID returns the tenant that owns the target
	OwnerID(ctx context.Context, targetType, targetID string) (string, error)

	// SetPaymentStatus writes the payment state back to the target
	SetPaymentStatus(ctx context.Context, targetType, targetID string, paymentID int64, state PaymentState) error
}
