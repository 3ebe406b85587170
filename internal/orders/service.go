package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/npwellness/storefront-backend/internal/products"
	"github.com/npwellness/storefront-backend/pkg/db"
	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/ordernum"
)

const orderNumberRetries = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines order-level operations.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*OrderView, error)
	GetByNumber(ctx context.Context, orderNumber string) (*OrderView, error)
}

type service struct {
	repo     Repository
	products products.Repository
	tx       txRunner
	logg     *logger.Logger
}

// NewService builds an orders service with the required dependencies.
func NewService(repo Repository, productsRepo products.Repository, tx txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if productsRepo == nil {
		return nil, fmt.Errorf("products repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     repo,
		products: productsRepo,
		tx:       tx,
		logg:     logg,
	}, nil
}

// Create records a pending order before any money moves. Prices come from the
// catalog, never from the client.
func (s *service) Create(ctx context.Context, input CreateOrderInput) (*OrderView, error) {
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order must contain at least one item")
	}

	ids := make([]uuid.UUID, 0, len(input.Items))
	qtyByProduct := make(map[uuid.UUID]int, len(input.Items))
	for _, item := range input.Items {
		if item.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item quantity must be positive")
		}
		if _, dup := qtyByProduct[item.ProductID]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate product in order items")
		}
		ids = append(ids, item.ProductID)
		qtyByProduct[item.ProductID] = item.Qty
	}

	catalog, err := s.products.FindActiveByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load catalog products")
	}
	if len(catalog) != len(ids) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "one or more products are unavailable")
	}

	var subtotal int64
	lineItems := make([]models.OrderLineItem, 0, len(catalog))
	for _, product := range catalog {
		qty := qtyByProduct[product.ID]
		if product.StockQty < qty {
			return nil, pkgerrors.New(pkgerrors.CodeValidation,
				fmt.Sprintf("insufficient stock for %s", product.SKU))
		}
		productID := product.ID
		lineTotal := product.PricePaise * int64(qty)
		subtotal += lineTotal
		lineItems = append(lineItems, models.OrderLineItem{
			ID:             uuid.New(),
			ProductID:      &productID,
			Name:           product.Name,
			SKU:            product.SKU,
			UnitPricePaise: product.PricePaise,
			Qty:            qty,
			TotalPaise:     lineTotal,
		})
	}

	// Flat rates for now; the invariant total = subtotal + shipping + tax -
	// discount always holds regardless of what feeds the terms.
	var shipping, tax, discount int64

	order := &models.Order{
		ID:              uuid.New(),
		CustomerName:    input.CustomerName,
		CustomerEmail:   input.CustomerEmail,
		CustomerPhone:   input.CustomerPhone,
		ShippingAddress: input.ShippingAddress,
		Status:          enums.OrderStatusPending,
		PaymentStatus:   enums.PaymentStatusPending,
		SubtotalPaise:   subtotal,
		ShippingPaise:   shipping,
		TaxPaise:        tax,
		DiscountPaise:   discount,
		TotalPaise:      subtotal + shipping + tax - discount,
		Currency:        enums.CurrencyINR,
	}

	// The random suffix makes collisions rare but possible; retry on the
	// unique constraint instead of pretending they cannot happen.
	var created bool
	for attempt := 0; attempt < orderNumberRetries && !created; attempt++ {
		number, err := ordernum.Generate(time.Now())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate order number")
		}
		order.OrderNumber = number

		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			if err := repo.CreateOrder(ctx, order); err != nil {
				return err
			}
			for i := range lineItems {
				lineItems[i].OrderID = order.ID
			}
			return repo.CreateLineItems(ctx, lineItems)
		})
		if err == nil {
			created = true
			break
		}
		if db.IsUniqueViolation(err, "order_number") && attempt < orderNumberRetries-1 {
			continue
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist order")
	}
	if !created {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "could not allocate a unique order number")
	}

	s.logg.Info(s.logg.WithOrderNumber(ctx, order.OrderNumber), "order created")

	order.LineItems = lineItems
	return NewOrderView(order, nil), nil
}

// GetByNumber returns the order with its latest payment attempt.
func (s *service) GetByNumber(ctx context.Context, orderNumber string) (*OrderView, error) {
	if orderNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}

	order, err := s.repo.FindByNumber(ctx, orderNumber)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	latest, err := s.repo.FindLatestTransaction(ctx, order.ID)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest transaction")
	}
	if err == gorm.ErrRecordNotFound {
		latest = nil
	}

	return NewOrderView(order, latest), nil
}
