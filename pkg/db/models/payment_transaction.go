package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/npwellness/storefront-backend/pkg/enums"
	"github.com/npwellness/storefront-backend/pkg/types"
)

// PaymentTransaction is one gateway payment attempt for an order. An order may
// accumulate several attempts but at most one may be non-terminal at a time.
type PaymentTransaction struct {
	ID             uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID               `gorm:"column:order_id;type:uuid;not null;index"`
	OrderNumber    string                  `gorm:"column:order_number;not null;index"`
	TransactionID  string                  `gorm:"column:transaction_id;uniqueIndex;not null"`
	GatewayOrderID *string                 `gorm:"column:gateway_order_id"`
	Status         enums.TransactionStatus `gorm:"column:status;not null;default:'pending'"`
	AmountPaise    int64                   `gorm:"column:amount_paise;not null"`
	PaymentURL     string                  `gorm:"column:payment_url;not null"`
	UPIIntentURL   *string                 `gorm:"column:upi_intent_url"`
	VPAID          *string                 `gorm:"column:vpa_id"`
	BankRef        *string                 `gorm:"column:bank_ref"`
	RawResponse    types.JSONMap           `gorm:"column:raw_response;type:jsonb"`
	ResolvedBy     *enums.PaymentSource    `gorm:"column:resolved_by"`
	CheckAttempts  int                     `gorm:"column:check_attempts;not null;default:0"`
	LastCheckedAt  *time.Time              `gorm:"column:last_checked_at"`
	ExpiresAt      time.Time               `gorm:"column:expires_at;not null;index"`
	SettledAt      *time.Time              `gorm:"column:settled_at"`
	CreatedAt      time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
