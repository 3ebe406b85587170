package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/npwellness/storefront-backend/internal/reconcile"
	"github.com/npwellness/storefront-backend/internal/recovery"
	"github.com/npwellness/storefront-backend/pkg/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/db"
	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/ordernum"
	"github.com/npwellness/storefront-backend/pkg/types"
)

type fakeGateway struct {
	mu          sync.Mutex
	initiations int
	initErr     error
	statuses    []*acceptpay.StatusResult
	statusErr   error
	cancelled   []string
}

func (f *fakeGateway) Initiate(_ context.Context, params acceptpay.InitiateParams) (*acceptpay.Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.initiations++
	id := fmt.Sprintf("txn_fake_%d", f.initiations)
	return &acceptpay.Initiation{
		TransactionID: id,
		PaymentLink:   "https://pay.example/t/" + id,
		ExpiresAt:     time.Now().UTC().Add(15 * time.Minute),
		Raw:           map[string]any{"billId": params.OrderNumber},
	}, nil
}

// nextStatus pops the queued result; the last one repeats.
func (f *fakeGateway) FetchStatus(_ context.Context, transactionID string) (*acceptpay.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &acceptpay.StatusResult{TransactionID: transactionID, RawStatus: "pending", Definitive: false}, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	out := *status
	out.TransactionID = transactionID
	return &out, nil
}

func (f *fakeGateway) Cancel(_ context.Context, transactionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, transactionID)
	return nil
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}}
}

func (f *fakeKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) RecoveryKey(orderNumber string) string {
	return "npw:recovery:" + orderNumber
}

func (f *fakeKV) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func setupPaymentsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	orders := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  customer_name TEXT NOT NULL,
  customer_email TEXT NOT NULL,
  customer_phone TEXT NOT NULL,
  shipping_address TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  payment_status TEXT NOT NULL DEFAULT 'pending',
  subtotal_paise INTEGER NOT NULL,
  shipping_paise INTEGER NOT NULL DEFAULT 0,
  tax_paise INTEGER NOT NULL DEFAULT 0,
  discount_paise INTEGER NOT NULL DEFAULT 0,
  total_paise INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'INR',
  confirmed_at DATETIME,
  cancelled_at DATETIME,
  cancel_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	lineItems := `
CREATE TABLE IF NOT EXISTS order_line_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  product_id TEXT,
  name TEXT NOT NULL,
  sku TEXT NOT NULL,
  unit_price_paise INTEGER NOT NULL,
  qty INTEGER NOT NULL,
  total_paise INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`
	transactions := `
CREATE TABLE IF NOT EXISTS payment_transactions (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  order_number TEXT NOT NULL,
  transaction_id TEXT NOT NULL UNIQUE,
  gateway_order_id TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  amount_paise INTEGER NOT NULL,
  payment_url TEXT NOT NULL,
  upi_intent_url TEXT,
  vpa_id TEXT,
  bank_ref TEXT,
  raw_response TEXT,
  resolved_by TEXT,
  check_attempts INTEGER NOT NULL DEFAULT 0,
  last_checked_at DATETIME,
  expires_at DATETIME NOT NULL,
  settled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`

	require.NoError(t, conn.Exec(orders).Error)
	require.NoError(t, conn.Exec(lineItems).Error)
	require.NoError(t, conn.Exec(transactions).Error)

	// The shared-cache DB survives across tests in this binary; the sweeper
	// scans whole tables, so start each test from a clean slate.
	require.NoError(t, conn.Exec(`DELETE FROM payment_transactions`).Error)
	require.NoError(t, conn.Exec(`DELETE FROM order_line_items`).Error)
	require.NoError(t, conn.Exec(`DELETE FROM orders`).Error)
	return conn
}

type paymentsFixture struct {
	conn    *gorm.DB
	repo    reconcile.Repository
	gateway *fakeGateway
	kv      *fakeKV
	svc     Service
}

func newPaymentsFixture(t *testing.T) *paymentsFixture {
	t.Helper()

	conn := setupPaymentsTestDB(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	repo := reconcile.NewRepository(conn)

	engine, err := reconcile.NewEngine(repo, db.NewWithConn(conn), logg, nil)
	require.NoError(t, err)

	kv := newFakeKV()
	snapshots, err := recovery.NewStore(kv, time.Hour)
	require.NoError(t, err)

	gateway := &fakeGateway{}
	cfg := config.AcceptPayConfig{
		WebhookURL:    "https://shop.example/api/v1/webhooks/acceptpay",
		PaymentWindow: 15 * time.Minute,
	}
	svc, err := NewService(repo, gateway, engine, snapshots, cfg, logg)
	require.NoError(t, err)

	return &paymentsFixture{conn: conn, repo: repo, gateway: gateway, kv: kv, svc: svc}
}

func seedPendingOrder(t *testing.T, conn *gorm.DB, totalPaise int64) *models.Order {
	t.Helper()

	number, err := ordernum.Generate(time.Now())
	require.NoError(t, err)

	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   number,
		CustomerName:  "Asha Rao",
		CustomerEmail: "asha@example.com",
		CustomerPhone: "9876543210",
		ShippingAddress: types.Address{
			Line1:   "14 Lake View Road",
			City:    "Bengaluru",
			State:   "Karnataka",
			Pincode: "560001",
			Country: "IN",
		},
		Status:        enums.OrderStatusPending,
		PaymentStatus: enums.PaymentStatusPending,
		SubtotalPaise: totalPaise,
		TotalPaise:    totalPaise,
		Currency:      enums.CurrencyINR,
	}
	require.NoError(t, conn.Create(order).Error)
	return order
}

func seedPendingTxn(t *testing.T, conn *gorm.DB, order *models.Order, expiresAt time.Time) *models.PaymentTransaction {
	t.Helper()

	txn := &models.PaymentTransaction{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		TransactionID: "txn_" + uuid.NewString(),
		Status:        enums.TransactionStatusPending,
		AmountPaise:   order.TotalPaise,
		PaymentURL:    "https://pay.example/t/seeded",
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, conn.Create(txn).Error)
	return txn
}

func TestInitiate_CreatesTransactionAndSnapshot(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 129950)

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	assert.Equal(t, order.OrderNumber, view.OrderNumber)
	assert.Equal(t, int64(129950), view.AmountPaise)
	assert.NotEmpty(t, view.TransactionID)
	assert.NotEmpty(t, view.PaymentURL)

	var stored models.PaymentTransaction
	require.NoError(t, fx.conn.Where("transaction_id = ?", view.TransactionID).First(&stored).Error)
	assert.Equal(t, enums.TransactionStatusPending, stored.Status)
	assert.Equal(t, order.ID, stored.OrderID)

	assert.True(t, fx.kv.has(fx.kv.RecoveryKey(order.OrderNumber)))
}

func TestInitiate_SnapshotCarriesOrderContext(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 129950)
	item := &models.OrderLineItem{
		ID:             uuid.New(),
		OrderID:        order.ID,
		Name:           "Ashwagandha Capsules",
		SKU:            "NP-ASHW-60",
		UnitPricePaise: 64975,
		Qty:            2,
		TotalPaise:     129950,
	}
	require.NoError(t, fx.conn.Create(item).Error)

	_, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	raw, err := fx.kv.Get(context.Background(), fx.kv.RecoveryKey(order.OrderNumber))
	require.NoError(t, err)

	var snap recovery.Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, order.CustomerName, snap.CustomerName)
	assert.Equal(t, order.ShippingAddress.Pincode, snap.ShippingAddress.Pincode)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Ashwagandha Capsules", snap.Items[0].Name)
	assert.Equal(t, 2, snap.Items[0].Qty)
}

func TestInitiate_ReusesLivePendingAttempt(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 50000)
	existing := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(10*time.Minute))

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	assert.Equal(t, existing.TransactionID, view.TransactionID)
	assert.Equal(t, 0, fx.gateway.initiations)
}

func TestInitiate_ExpiredAttemptIsVoidedAndReplaced(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 50000)
	stale := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(-time.Minute))

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)
	assert.NotEqual(t, stale.TransactionID, view.TransactionID)

	var old models.PaymentTransaction
	require.NoError(t, fx.conn.Where("id = ?", stale.ID).First(&old).Error)
	assert.Equal(t, enums.TransactionStatusCancelled, old.Status)
	assert.Contains(t, fx.gateway.cancelled, stale.TransactionID)

	// The order stays payable after the dead attempt is voided.
	var persisted models.Order
	require.NoError(t, fx.conn.Where("id = ?", order.ID).First(&persisted).Error)
	assert.Equal(t, enums.PaymentStatusPending, persisted.PaymentStatus)
}

func TestInitiate_ExpiredAttemptSettledAtGateway(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 50000)
	seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(-time.Minute))

	// The gateway reports the old attempt actually went through.
	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:   "COMPLETED",
		AmountPaise: 50000,
		Definitive:  true,
	}}

	_, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())

	var persisted models.Order
	require.NoError(t, fx.conn.Where("id = ?", order.ID).First(&persisted).Error)
	assert.Equal(t, enums.PaymentStatusPaid, persisted.PaymentStatus)
}

func TestInitiate_TerminalOrderRejected(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 50000)
	require.NoError(t, fx.conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Updates(map[string]any{"status": enums.OrderStatusConfirmed, "payment_status": enums.PaymentStatusPaid}).Error)

	_, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
}

func TestInitiate_UnknownOrder(t *testing.T) {
	fx := newPaymentsFixture(t)

	_, err := fx.svc.Initiate(context.Background(), "NP-20260115-NOSUCH")
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}

func TestResolveReturn_SuccessConfirmsAndDropsSnapshot(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 129950)

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:   "COMPLETED",
		AmountPaise: 129950,
		Definitive:  true,
	}}

	outcome, err := fx.svc.ResolveReturn(context.Background(), view.TransactionID, order.OrderNumber)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusPaid, outcome.PaymentStatus)
	assert.False(t, fx.kv.has(fx.kv.RecoveryKey(order.OrderNumber)))
}

func TestResolveReturn_MissingTxnParamRecoversFromSnapshot(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 80000)

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:   "success",
		AmountPaise: 80000,
		Definitive:  true,
	}}

	// Return URL stripped of the txn parameter by the customer's browser.
	outcome, err := fx.svc.ResolveReturn(context.Background(), "", order.OrderNumber)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, view.TransactionID, func() string {
		var txn models.PaymentTransaction
		require.NoError(t, fx.conn.Where("order_id = ?", order.ID).First(&txn).Error)
		return txn.TransactionID
	}())
}

func TestResolveReturn_FailureCancelsOrder(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 30000)

	view, err := fx.svc.Initiate(context.Background(), order.OrderNumber)
	require.NoError(t, err)

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:  "FAILED",
		Definitive: true,
	}}

	outcome, err := fx.svc.ResolveReturn(context.Background(), view.TransactionID, order.OrderNumber)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusFailed, outcome.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, outcome.OrderStatus)
}

func TestResolveReturn_StillPendingReturnsCurrentState(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 30000)
	txn := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(10*time.Minute))

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:  "pending",
		Definitive: true,
	}}

	outcome, err := fx.svc.ResolveReturn(context.Background(), txn.TransactionID, order.OrderNumber)
	require.NoError(t, err)

	assert.False(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusPending, outcome.PaymentStatus)
	assert.Equal(t, enums.TransactionStatusPending, outcome.TransactionStatus)
}

func TestResolveReturn_NoReferenceRejected(t *testing.T) {
	fx := newPaymentsFixture(t)

	_, err := fx.svc.ResolveReturn(context.Background(), "", "")
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}

func TestCancel_PendingAttemptCancelledAtGateway(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 45000)
	txn := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(10*time.Minute))

	outcome, err := fx.svc.Cancel(context.Background(), order.OrderNumber, "changed my mind")
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusCancelled, outcome.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, outcome.OrderStatus)
	assert.Contains(t, fx.gateway.cancelled, txn.TransactionID)

	var stored models.PaymentTransaction
	require.NoError(t, fx.conn.Where("id = ?", txn.ID).First(&stored).Error)
	assert.Equal(t, enums.TransactionStatusCancelled, stored.Status)
}

func TestCancel_NoAttemptCancelsOrderDirectly(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 45000)

	outcome, err := fx.svc.Cancel(context.Background(), order.OrderNumber, "changed my mind")
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.OrderStatusCancelled, outcome.OrderStatus)

	var persisted models.Order
	require.NoError(t, fx.conn.Where("id = ?", order.ID).First(&persisted).Error)
	assert.Equal(t, enums.PaymentStatusCancelled, persisted.PaymentStatus)
}

func TestCancel_PaidOrderRejected(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 45000)
	require.NoError(t, fx.conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Updates(map[string]any{"status": enums.OrderStatusConfirmed, "payment_status": enums.PaymentStatusPaid}).Error)

	_, err := fx.svc.Cancel(context.Background(), order.OrderNumber, "too late")
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
}

func TestRecheck_DefinitiveSuccessApplies(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 60000)
	txn := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(10*time.Minute))

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:   "COMPLETED",
		AmountPaise: 60000,
		Definitive:  true,
	}}

	outcome, err := fx.svc.Recheck(context.Background(), txn.TransactionID)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusPaid, outcome.PaymentStatus)
}

func TestRecheck_ExpiredWindowCancels(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 60000)
	txn := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(-time.Minute))

	fx.gateway.statuses = []*acceptpay.StatusResult{{
		RawStatus:  "pending",
		Definitive: true,
	}}

	outcome, err := fx.svc.Recheck(context.Background(), txn.TransactionID)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusCancelled, outcome.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, outcome.OrderStatus)
}

func TestRecheck_UnreachableGatewayLeavesExpiredOrderPending(t *testing.T) {
	fx := newPaymentsFixture(t)
	order := seedPendingOrder(t, fx.conn, 60000)
	txn := seedPendingTxn(t, fx.conn, order, time.Now().UTC().Add(-time.Minute))

	// Empty status queue: the gateway read is non-definitive. The elapsed
	// window alone must not cancel anything.
	outcome, err := fx.svc.Recheck(context.Background(), txn.TransactionID)
	require.NoError(t, err)

	assert.False(t, outcome.Transitioned)
	assert.Equal(t, enums.PaymentStatusPending, outcome.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, outcome.OrderStatus)
}

func TestRecheck_UnknownTransaction(t *testing.T) {
	fx := newPaymentsFixture(t)

	_, err := fx.svc.Recheck(context.Background(), "txn_nosuch")
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeNotFound, typed.Code())
}
