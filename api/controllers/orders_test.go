package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npwellness/storefront-backend/internal/orders"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/types"
)

type fakeOrdersService struct {
	created *orders.OrderView
	fetched *orders.OrderView
	err     error

	lastInput orders.CreateOrderInput
}

func (f *fakeOrdersService) Create(_ context.Context, input orders.CreateOrderInput) (*orders.OrderView, error) {
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return f.created, nil
}

func (f *fakeOrdersService) GetByNumber(_ context.Context, _ string) (*orders.OrderView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fetched, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func validCreateOrderBody() []byte {
	payload := map[string]any{
		"customer_name":  "Asha Rao",
		"customer_email": "asha@example.com",
		"customer_phone": "9876543210",
		"shipping_address": map[string]any{
			"line1":   "14 Lake View Road",
			"city":    "Bengaluru",
			"state":   "Karnataka",
			"pincode": "560001",
			"country": "IN",
		},
		"items": []map[string]any{
			{"product_id": "f47ac10b-58cc-4372-a567-0e02b2c3d479", "qty": 2},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestCreateOrder_Success(t *testing.T) {
	svc := &fakeOrdersService{created: &orders.OrderView{
		OrderNumber:   "NP-20260115-4K7QZX",
		Status:        enums.OrderStatusPending,
		PaymentStatus: enums.PaymentStatusPending,
		TotalPaise:    129950,
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(validCreateOrderBody()))
	rec := httptest.NewRecorder()

	CreateOrder(svc, testLogger())(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var envelope types.SuccessEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NP-20260115-4K7QZX", data["order_number"])
	assert.Equal(t, "Asha Rao", svc.lastInput.CustomerName)
}

func TestCreateOrder_ValidationError(t *testing.T) {
	svc := &fakeOrdersService{}

	body := []byte(`{"customer_name":"Asha Rao"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	CreateOrder(svc, testLogger())(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(pkgerrors.CodeValidation), envelope.Error.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &fakeOrdersService{err: pkgerrors.New(pkgerrors.CodeNotFound, "order not found")}

	router := chi.NewRouter()
	router.Get("/api/v1/orders/{orderNumber}", GetOrder(svc, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/NP-20260115-NOSUCH", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_Success(t *testing.T) {
	svc := &fakeOrdersService{fetched: &orders.OrderView{
		OrderNumber:   "NP-20260115-4K7QZX",
		Status:        enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
	}}

	router := chi.NewRouter()
	router.Get("/api/v1/orders/{orderNumber}", GetOrder(svc, testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/NP-20260115-4K7QZX", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var envelope types.SuccessEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	data, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "confirmed", data["status"])
}
