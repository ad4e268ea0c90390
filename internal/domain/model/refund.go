package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundStatus represents the state of a refund sub-record
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund is one full or partial refund applied to a payment.
type Refund struct {
	ID         int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID  int64           `gorm:"not null;index" json:"payment_id"`
	ExternalID *string         `gorm:"size:128" json:"external_id,omitempty"`
	Amount     decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"amount"`
	Status     RefundStatus    `gorm:"size:32;not null" json:"status"`
	Reason     string          `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt  time.Time       `gorm:"default:now()" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"default:now()" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Refund) TableName() string {
	return "refunds"
}
