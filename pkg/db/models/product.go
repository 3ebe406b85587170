package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the canonical catalog listing. Prices are stored in paise and are
// the only source of truth at checkout.
type Product struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SKU         string    `gorm:"column:sku;uniqueIndex;not null"`
	Name        string    `gorm:"column:name;not null"`
	Description *string   `gorm:"column:description"`
	PricePaise  int64     `gorm:"column:price_paise;not null"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true"`
	StockQty    int       `gorm:"column:stock_qty;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
