package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sellhub/payment-service/internal/domain/model"
)

// Migrate runs database migrations
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	logger.Info("Running database migrations...")

	err := db.AutoMigrate(
		&model.Payment{},
		&model.Refund{},
		&model.PaymentConfig{},
	)
	if err != nil {
		logger.Error("Failed to run migrations", zap.Error(err))
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		logger.Error("Failed to create custom indexes", zap.Error(err))
		return err
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

// createCustomIndexes creates indexes GORM does not handle automatically.
func createCustomIndexes(db *gorm.DB) error {
	// The chain monitor scans pending crypto payments every tick; keep that
	// scan on a small partial index.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_payments_pending_crypto ON payments (provider, created_at) WHERE status = 'pending'`).Error; err != nil {
		return err
	}

	// Webhook lookups resolve by the provider's payment id.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_payments_external_id ON payments (external_id) WHERE external_id IS NOT NULL`).Error; err != nil {
		return err
	}

	return nil
}
