package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StringList is a JSONB-backed list of strings.
type StringList []string

// Value implements driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner interface
func (l *StringList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		*l = StringList{}
		return nil
	}
}

// Contains reports whether the list holds v.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// ProviderSettings maps provider name to its settings blob. Secret fields are
// stored encrypted; see the vault merge rules.
type ProviderSettings map[string]map[string]string

// Value implements driver.Valuer interface
func (s ProviderSettings) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner interface
func (s *ProviderSettings) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		*s = make(ProviderSettings)
		return nil
	}
}

// PaymentConfig is the per-entity payment module configuration.
// Exactly one row exists per (entity_type, entity_id); it is created lazily
// with safe defaults on first read.
type PaymentConfig struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType string `gorm:"size:32;not null;uniqueIndex:uk_payment_configs_entity" json:"entity_type"`
	EntityID   string `gorm:"size:64;not null;uniqueIndex:uk_payment_configs_entity" json:"entity_id"`
	OwnerID    string `gorm:"size:64;not null;index" json:"owner_id"`

	Enabled  bool `gorm:"not null;default:false" json:"enabled"`
	TestMode bool `gorm:"not null;default:true" json:"test_mode"`

	Currency       string          `gorm:"size:8;not null;default:'RUB'" json:"currency"`
	MinAmount      decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"min_amount"`
	MaxAmount      decimal.Decimal `gorm:"type:decimal(30,8);default:0" json:"max_amount"`
	AllowedMethods StringList      `gorm:"type:jsonb" json:"allowed_methods,omitempty"`

	ActiveProviders  StringList       `gorm:"type:jsonb" json:"active_providers,omitempty"`
	ProviderSettings ProviderSettings `gorm:"type:jsonb" json:"provider_settings,omitempty"`

	CreatedAt time.Time `gorm:"default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:now()" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (PaymentConfig) TableName() string {
	return "payment_configs"
}
