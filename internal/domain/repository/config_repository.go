package repository

import (
	"context"

	"github.com/sellhub/payment-service/internal/domain/model"
)

// ConfigRepository persists per-entity payment configuration.
type ConfigRepository interface {
	GetByEntity(ctx context.Context, entityType, entityID string) (*model.PaymentConfig, error)
	Save(ctx context.Context, config *model.PaymentConfig) error
	Delete(ctx context.Context, entityType, entityID string) error
}
