package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sellhub/payment-service/internal/domain/model"
	domainRepo "github.com/sellhub/payment-service/internal/domain/repository"
)

// configRepository implements the ConfigRepository interface
type configRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewConfigRepository creates a new payment config repository instance
func NewConfigRepository(db *gorm.DB, logger *zap.Logger) domainRepo.ConfigRepository {
	return &configRepository{
		db:     db,
		logger: logger,
	}
}

// GetByEntity retrieves the config row for one entity. Returns nil, nil when
// none exists; the caller decides whether to materialize defaults.
func (r *configRepository) GetByEntity(ctx context.Context, entityType, entityID string) (*model.PaymentConfig, error) {
	var cfg model.PaymentConfig

	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&cfg).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("Failed to get payment config",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get payment config: %w", err)
	}

	return &cfg, nil
}

// Save upserts the config row on the (entity_type, entity_id) key.
func (r *configRepository) Save(ctx context.Context, config *model.PaymentConfig) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"owner_id", "enabled", "test_mode", "currency",
				"min_amount", "max_amount", "allowed_methods",
				"active_providers", "provider_settings", "updated_at",
			}),
		}).
		Create(config).Error
	if err != nil {
		r.logger.Error("Failed to save payment config",
			zap.String("entity_type", config.EntityType),
			zap.String("entity_id", config.EntityID),
			zap.Error(err))
		return fmt.Errorf("failed to save payment config: %w", err)
	}

	return nil
}

// Delete removes the config row for one entity.
func (r *configRepository) Delete(ctx context.Context, entityType, entityID string) error {
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&model.PaymentConfig{}).Error
	if err != nil {
		r.logger.Error("Failed to delete payment config",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return fmt.Errorf("failed to delete payment config: %w", err)
	}

	return nil
}
