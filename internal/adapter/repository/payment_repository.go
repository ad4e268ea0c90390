package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/model"
	domainRepo "github.com/sellhub/payment-service/internal/domain/repository"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB, logger *zap.Logger) domainRepo.PaymentRepository {
	return &paymentRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new payment row.
func (r *paymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		r.logger.Error("Failed to create payment",
			zap.String("entity_type", payment.EntityType),
			zap.String("entity_id", payment.EntityID),
			zap.String("provider", payment.Provider),
			zap.Error(err))
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetByID retrieves a payment by its internal id.
func (r *paymentRepository) GetByID(ctx context.Context, id int64) (*model.Payment, error) {
	var payment model.Payment

	err := r.db.WithContext(ctx).
		Preload("Refunds").
		Where("id = ?", id).
		First(&payment).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewPaymentNotFoundError(fmt.Sprintf("%d", id))
		}
		r.logger.Error("Failed to get payment",
			zap.Int64("payment_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &payment, nil
}

// GetByExternalID resolves the provider's payment id to our row. External ids
// are unique per provider, not globally.
func (r *paymentRepository) GetByExternalID(ctx context.Context, providerName, externalID string) (*model.Payment, error) {
	var payment model.Payment

	err := r.db.WithContext(ctx).
		Preload("Refunds").
		Where("provider = ? AND external_id = ?", providerName, externalID).
		First(&payment).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewPaymentNotFoundError(externalID)
		}
		r.logger.Error("Failed to get payment by external id",
			zap.String("provider", providerName),
			zap.String("external_id", externalID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get payment by external id: %w", err)
	}

	return &payment, nil
}

// GetByIdempotencyKey returns the payment created under the given key, or a
// not-found error when no attempt used it yet.
func (r *paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	var payment model.Payment

	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&payment).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewPaymentNotFoundError(key)
		}
		r.logger.Error("Failed to get payment by idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get payment by idempotency key: %w", err)
	}

	return &payment, nil
}

// ListByEntity returns an entity's payments, optionally filtered by status.
func (r *paymentRepository) ListByEntity(ctx context.Context, entityType, entityID string, statuses []model.PaymentStatus) ([]*model.Payment, error) {
	var payments []*model.Payment

	query := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	if err := query.Order("created_at DESC").Find(&payments).Error; err != nil {
		r.logger.Error("Failed to list payments by entity",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list payments by entity: %w", err)
	}

	return payments, nil
}

// ListByTarget returns every payment attempt against a target object.
func (r *paymentRepository) ListByTarget(ctx context.Context, targetType, targetID string) ([]*model.Payment, error) {
	var payments []*model.Payment

	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at DESC").
		Find(&payments).Error
	if err != nil {
		r.logger.Error("Failed to list payments by target",
			zap.String("target_type", targetType),
			zap.String("target_id", targetID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list payments by target: %w", err)
	}

	return payments, nil
}

// ListPendingByProvider returns pending payments for one provider, oldest
// first. The chain monitor builds its polling set from this.
func (r *paymentRepository) ListPendingByProvider(ctx context.Context, providerName string) ([]*model.Payment, error) {
	var payments []*model.Payment

	err := r.db.WithContext(ctx).
		Where("provider = ? AND status = ?", providerName, model.PaymentStatusPending).
		Order("created_at ASC").
		Find(&payments).Error
	if err != nil {
		r.logger.Error("Failed to list pending payments",
			zap.String("provider", providerName),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}

	return payments, nil
}

// Update persists the full payment row.
func (r *paymentRepository) Update(ctx context.Context, payment *model.Payment) error {
	if err := r.db.WithContext(ctx).Save(payment).Error; err != nil {
		r.logger.Error("Failed to update payment",
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

// AddRefund inserts a refund row for an existing payment.
func (r *paymentRepository) AddRefund(ctx context.Context, refund *model.Refund) error {
	if err := r.db.WithContext(ctx).Create(refund).Error; err != nil {
		r.logger.Error("Failed to create refund",
			zap.Int64("payment_id", refund.PaymentID),
			zap.Error(err))
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}
