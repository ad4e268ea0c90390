package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusCanceled          PaymentStatus = "canceled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusFailed            PaymentStatus = "failed"
)

// IsTerminal reports whether no further provider-driven transition is expected.
// Succeeded payments can still move to refunded states.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCanceled, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	}
	return false
}

// StatusChange is one append-only entry in a payment's status history.
type StatusChange struct {
	Status         PaymentStatus          `json:"status"`
	PreviousStatus PaymentStatus          `json:"previous_status,omitempty"`
	ChangedAt      time.Time              `json:"changed_at"`
	Reason         string                 `json:"reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// StatusHistory is the ordered status log, stored as JSONB.
type StatusHistory []StatusChange

// Value implements driver.Valuer interface
func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner interface
func (h *StatusHistory) Scan(src interface{}) error {
	if src == nil {
		*h = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		*h = StatusHistory{}
		return nil
	}
}

// Head returns the most recent history entry, or nil when the log is empty.
func (h StatusHistory) Head() *StatusChange {
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}

// Payment represents one attempt to collect money on behalf of an entity.
type Payment struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID *string `gorm:"column:external_id;size:128;uniqueIndex:uk_payments_provider_external,where:external_id IS NOT NULL" json:"external_id,omitempty"`
	Provider   string  `gorm:"size:32;not null;uniqueIndex:uk_payments_provider_external,where:external_id IS NOT NULL;index:idx_payments_provider_status" json:"provider"`

	EntityType string `gorm:"size:32;not null;index:idx_payments_entity" json:"entity_type"`
	EntityID   string `gorm:"size:64;not null;index:idx_payments_entity" json:"entity_id"`
	TargetType string `gorm:"size:32;not null;index:idx_payments_target" json:"target_type"`
	TargetID   string `gorm:"size:64;not null;index:idx_payments_target" json:"target_id"`
	OwnerID    string `gorm:"size:64;not null;index" json:"owner_id"`

	Amount         decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"amount"`
	Currency       string          `gorm:"size:8;not null" json:"currency"`
	RefundedAmount decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"refunded_amount"`

	Status        PaymentStatus `gorm:"size:32;not null;index:idx_payments_provider_status" json:"status"`
	StatusHistory StatusHistory `gorm:"type:jsonb" json:"status_history"`

	IdempotencyKey *string `gorm:"size:64;uniqueIndex" json:"idempotency_key,omitempty"`
	Metadata       JSONB   `gorm:"type:jsonb" json:"metadata,omitempty"`
	ErrorCode      *string `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`

	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `gorm:"default:now()" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"default:now()" json:"updated_at"`

	// Relations
	Refunds []Refund `gorm:"foreignKey:PaymentID" json:"refunds,omitempty"`
}

// TableName specifies the table name for GORM
func (Payment) TableName() string {
	return "payments"
}

// RemainingAmount returns the refundable remainder.
func (p *Payment) RemainingAmount() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}
