package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/npwellness/storefront-backend/pkg/db/models"
)

// Repository defines persistence operations for the reconciliation tables.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindOrderByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	FindOrderLineItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderLineItem, error)
	FindTransactionByTransactionID(ctx context.Context, transactionID string) (*models.PaymentTransaction, error)
	FindLatestTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentTransaction, error)
	FindPendingTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentTransaction, error)
	CreateTransaction(ctx context.Context, txn *models.PaymentTransaction) error
	// UpdateTransactionGuarded applies updates only while the transaction is
	// still pending. Returns false when the guard did not match.
	UpdateTransactionGuarded(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error)
	// UpdateOrderPaymentGuarded applies updates only while the order's
	// payment_status is still pending. Returns false when the guard did not
	// match, which is how a losing concurrent writer detects the race.
	UpdateOrderPaymentGuarded(ctx context.Context, orderID uuid.UUID, updates map[string]any) (bool, error)
	FindStalePendingTransactions(ctx context.Context, checkedBefore time.Time, limit int) ([]models.PaymentTransaction, error)
	IncrementCheckAttempts(ctx context.Context, id uuid.UUID, checkedAt time.Time) error
}
