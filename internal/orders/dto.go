package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	"github.com/npwellness/storefront-backend/pkg/types"
)

// CreateOrderItemInput is one requested catalog item. Prices are looked up
// server-side; the client only names product and quantity.
type CreateOrderItemInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Qty       int       `json:"qty" validate:"required,gt=0"`
}

// CreateOrderInput is the checkout submission payload.
type CreateOrderInput struct {
	CustomerName    string                 `json:"customer_name" validate:"required,max=100"`
	CustomerEmail   string                 `json:"customer_email" validate:"required,email"`
	CustomerPhone   string                 `json:"customer_phone" validate:"required,len=10,numeric"`
	ShippingAddress types.Address          `json:"shipping_address" validate:"required"`
	Items           []CreateOrderItemInput `json:"items" validate:"required,min=1,dive"`
}

// LineItemView is the read model for one order line.
type LineItemView struct {
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	UnitPricePaise int64  `json:"unit_price_paise"`
	Qty            int    `json:"qty"`
	TotalPaise     int64  `json:"total_paise"`
}

// TransactionView summarizes the latest payment attempt on an order.
type TransactionView struct {
	TransactionID string                  `json:"transaction_id"`
	Status        enums.TransactionStatus `json:"status"`
	AmountPaise   int64                   `json:"amount_paise"`
	ExpiresAt     time.Time               `json:"expires_at"`
	SettledAt     *time.Time              `json:"settled_at,omitempty"`
}

// OrderView is the customer-facing order read model.
type OrderView struct {
	OrderNumber     string              `json:"order_number"`
	Status          enums.OrderStatus   `json:"status"`
	PaymentStatus   enums.PaymentStatus `json:"payment_status"`
	CustomerName    string              `json:"customer_name"`
	CustomerEmail   string              `json:"customer_email"`
	ShippingAddress types.Address       `json:"shipping_address"`
	SubtotalPaise   int64               `json:"subtotal_paise"`
	ShippingPaise   int64               `json:"shipping_paise"`
	TaxPaise        int64               `json:"tax_paise"`
	DiscountPaise   int64               `json:"discount_paise"`
	TotalPaise      int64               `json:"total_paise"`
	Currency        enums.Currency      `json:"currency"`
	Items           []LineItemView      `json:"items"`
	LatestPayment   *TransactionView    `json:"latest_payment,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// NewOrderView maps the persistence models into the read model.
func NewOrderView(order *models.Order, latest *models.PaymentTransaction) *OrderView {
	view := &OrderView{
		OrderNumber:     order.OrderNumber,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		CustomerName:    order.CustomerName,
		CustomerEmail:   order.CustomerEmail,
		ShippingAddress: order.ShippingAddress,
		SubtotalPaise:   order.SubtotalPaise,
		ShippingPaise:   order.ShippingPaise,
		TaxPaise:        order.TaxPaise,
		DiscountPaise:   order.DiscountPaise,
		TotalPaise:      order.TotalPaise,
		Currency:        order.Currency,
		CreatedAt:       order.CreatedAt,
	}
	for _, item := range order.LineItems {
		view.Items = append(view.Items, LineItemView{
			Name:           item.Name,
			SKU:            item.SKU,
			UnitPricePaise: item.UnitPricePaise,
			Qty:            item.Qty,
			TotalPaise:     item.TotalPaise,
		})
	}
	if latest != nil {
		view.LatestPayment = &TransactionView{
			TransactionID: latest.TransactionID,
			Status:        latest.Status,
			AmountPaise:   latest.AmountPaise,
			ExpiresAt:     latest.ExpiresAt,
			SettledAt:     latest.SettledAt,
		}
	}
	return view
}
