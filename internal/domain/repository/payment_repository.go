package repository

import (
	"context"

	"github.com/sellhub/payment-service/internal/domain/model"
)

// PaymentRepository persists Payment rows. Payments are the only durable
// record of in-flight collection attempts; the crypto monitor's pending set is
// derived from them.
type PaymentRepository interface {
	Create(ctx context.Context, payment *model.Payment) error
	GetByID(ctx context.Context, id int64) (*model.Payment, error)
	GetByExternalID(ctx context.Context, providerName, externalID string) (*model.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error)
	ListByEntity(ctx context.Context, entityType, entityID string, statuses []model.PaymentStatus) ([]*model.Payment, error)
	ListByTarget(ctx context.Context, targetType, targetID string) ([]*model.Payment, error)
	ListPendingByProvider(ctx context.Context, providerName string) ([]*model.Payment, error)
	Update(ctx context.Context, payment *model.Payment) error
	AddRefund(ctx context.Context, refund *model.Refund) error
}
