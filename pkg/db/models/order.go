package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/npwellness/storefront-backend/pkg/enums"
	"github.com/npwellness/storefront-backend/pkg/types"
)

// Order is the customer-facing purchase record. Fulfilment status and payment
// status advance independently but only through the reconciliation engine.
type Order struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber     string              `gorm:"column:order_number;uniqueIndex;not null"`
	CustomerName    string              `gorm:"column:customer_name;not null"`
	CustomerEmail   string              `gorm:"column:customer_email;not null"`
	CustomerPhone   string              `gorm:"column:customer_phone;not null"`
	ShippingAddress types.Address       `gorm:"column:shipping_address;type:jsonb;not null"`
	Status          enums.OrderStatus   `gorm:"column:status;not null;default:'pending'"`
	PaymentStatus   enums.PaymentStatus `gorm:"column:payment_status;not null;default:'pending'"`
	SubtotalPaise   int64               `gorm:"column:subtotal_paise;not null"`
	ShippingPaise   int64               `gorm:"column:shipping_paise;not null;default:0"`
	TaxPaise        int64               `gorm:"column:tax_paise;not null;default:0"`
	DiscountPaise   int64               `gorm:"column:discount_paise;not null;default:0"`
	TotalPaise      int64               `gorm:"column:total_paise;not null"`
	Currency        enums.Currency      `gorm:"column:currency;not null;default:'INR'"`
	ConfirmedAt     *time.Time          `gorm:"column:confirmed_at"`
	CancelledAt     *time.Time          `gorm:"column:cancelled_at"`
	CancelReason    *string             `gorm:"column:cancel_reason"`
	LineItems       []OrderLineItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
