package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npwellness/storefront-backend/internal/orders"
	"github.com/npwellness/storefront-backend/internal/payments"
	"github.com/npwellness/storefront-backend/internal/reconcile"
	pkgAuth "github.com/npwellness/storefront-backend/pkg/auth"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/types"
)

type stubOrdersService struct{}

func (stubOrdersService) Create(context.Context, orders.CreateOrderInput) (*orders.OrderView, error) {
	return &orders.OrderView{OrderNumber: "NP-20260115-4K7QZX"}, nil
}

func (stubOrdersService) GetByNumber(context.Context, string) (*orders.OrderView, error) {
	return &orders.OrderView{
		OrderNumber:   "NP-20260115-4K7QZX",
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
	}, nil
}

type stubPaymentsService struct {
	recheckedTxn string
}

func (s *stubPaymentsService) Initiate(context.Context, string) (*payments.InitiationView, error) {
	return &payments.InitiationView{TransactionID: "txn_abc"}, nil
}

func (s *stubPaymentsService) ResolveReturn(context.Context, string, string) (*reconcile.Outcome, error) {
	return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction or order reference is required")
}

func (s *stubPaymentsService) Cancel(context.Context, string, string) (*reconcile.Outcome, error) {
	return &reconcile.Outcome{OrderNumber: "NP-20260115-4K7QZX"}, nil
}

func (s *stubPaymentsService) Recheck(_ context.Context, transactionID string) (*reconcile.Outcome, error) {
	s.recheckedTxn = transactionID
	return &reconcile.Outcome{
		OrderNumber:   "NP-20260115-4K7QZX",
		OrderStatus:   enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
	}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "dev", Port: "8080"},
		JWT: config.JWTConfig{
			Secret:            "router-test-secret",
			Issuer:            "npw-storefront",
			ExpirationMinutes: 60,
		},
		Webhook: config.WebhookConfig{SigningSecret: "whsec_router"},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *stubPaymentsService) {
	t.Helper()

	paymentsSvc := &stubPaymentsService{}
	router := NewRouter(Deps{
		Config:   testConfig(),
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:       okPinger{},
		Orders:   stubOrdersService{},
		Payments: paymentsSvc,
	})
	return router, paymentsSvc
}

func TestRouter_HealthEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	live := httptest.NewRecorder()
	router.ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, live.Code)
	assert.Equal(t, "dev", live.Header().Get("X-NPW-Env"))

	ready := httptest.NewRecorder()
	router.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, ready.Code)

	var envelope types.SuccessEnvelope
	require.NoError(t, json.Unmarshal(ready.Body.Bytes(), &envelope))
	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ready", data["status"])
}

func TestRouter_OrderRoutesWired(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/NP-20260115-4K7QZX", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	pay := httptest.NewRecorder()
	router.ServeHTTP(pay, httptest.NewRequest(http.MethodPost, "/api/v1/orders/NP-20260115-4K7QZX/payment", nil))
	require.Equal(t, http.StatusOK, pay.Code)

	ret := httptest.NewRecorder()
	router.ServeHTTP(ret, httptest.NewRequest(http.MethodGet, "/api/v1/payments/return", nil))
	require.Equal(t, http.StatusBadRequest, ret.Code)
}

func TestRouter_AdminRecheckRequiresToken(t *testing.T) {
	router, paymentsSvc := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/v1/payments/txn_abc/recheck", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, paymentsSvc.recheckedTxn)
}

func TestRouter_AdminRecheckRejectsWrongRole(t *testing.T) {
	router, paymentsSvc := newTestRouter(t)

	token, err := pkgAuth.MintAccessToken(testConfig().JWT, time.Now(), pkgAuth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   pkgAuth.RoleOps,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/payments/txn_abc/recheck", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, paymentsSvc.recheckedTxn)
}

func TestRouter_AdminRecheckWithAdminToken(t *testing.T) {
	router, paymentsSvc := newTestRouter(t)

	token, err := pkgAuth.MintAccessToken(testConfig().JWT, time.Now(), pkgAuth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   pkgAuth.RoleAdmin,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/payments/txn_abc/recheck", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "txn_abc", paymentsSvc.recheckedTxn)
}
