package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npwellness/storefront-backend/internal/reconcile"
	acceptpaywebhook "github.com/npwellness/storefront-backend/internal/webhooks/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/types"
)

const testSigningSecret = "whsec_test"

type memoryIdempotencyStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{data: map[string]string{}}
}

func (m *memoryIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (m *memoryIdempotencyStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = "1"
	return true, nil
}

func (m *memoryIdempotencyStore) IdempotencyKey(scope, id string) string {
	return "npw:idempotency:" + scope + ":" + id
}

func (m *memoryIdempotencyStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type recordingApplier struct {
	mu     sync.Mutex
	inputs []reconcile.Input
	err    error
}

func (r *recordingApplier) ApplyPaymentResult(_ context.Context, input reconcile.Input) (*reconcile.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
	if r.err != nil {
		return nil, r.err
	}
	return &reconcile.Outcome{
		OrderNumber:   "NP-20260115-4K7QZX",
		OrderStatus:   enums.OrderStatusConfirmed,
		PaymentStatus: enums.PaymentStatusPaid,
		Transitioned:  true,
	}, nil
}

func newWebhookHandler(t *testing.T, applier *recordingApplier) http.HandlerFunc {
	t.Helper()

	guard, err := acceptpaywebhook.NewIdempotencyGuard(newMemoryIdempotencyStore(), time.Hour, "acceptpay_webhook")
	require.NoError(t, err)

	svc, err := acceptpaywebhook.NewService(applier, guard, testLogger())
	require.NoError(t, err)

	return AcceptPayWebhook(svc, config.WebhookConfig{SigningSecret: testSigningSecret}, testLogger())
}

func signedWebhookRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/acceptpay", bytes.NewReader(body))
	req.Header.Set(acceptpaywebhook.SignatureHeader, acceptpaywebhook.Sign(testSigningSecret, body))
	return req
}

func TestAcceptPayWebhook_Success(t *testing.T) {
	applier := &recordingApplier{}
	handler := newWebhookHandler(t, applier)

	body := []byte(`{"event":"payment.success","data":{"transactionId":"txn_abc","status":"COMPLETED","billId":"NP-20260115-4K7QZX","amount":1299.50}}`)
	rec := httptest.NewRecorder()
	handler(rec, signedWebhookRequest(body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applier.inputs, 1)
	assert.Equal(t, int64(129950), applier.inputs[0].AmountPaise)
	assert.Equal(t, enums.PaymentSourceWebhook, applier.inputs[0].Source)
}

func TestAcceptPayWebhook_InvalidSignature(t *testing.T) {
	applier := &recordingApplier{}
	handler := newWebhookHandler(t, applier)

	body := []byte(`{"event":"payment.success","data":{"transactionId":"txn_abc","status":"COMPLETED"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/acceptpay", bytes.NewReader(body))
	req.Header.Set(acceptpaywebhook.SignatureHeader, "deadbeef")

	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, applier.inputs)
}

func TestAcceptPayWebhook_MalformedPayload(t *testing.T) {
	applier := &recordingApplier{}
	handler := newWebhookHandler(t, applier)

	body := []byte(`{"event":"payment.success","data":{"status":"COMPLETED"}}`)
	rec := httptest.NewRecorder()
	handler(rec, signedWebhookRequest(body))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(pkgerrors.CodeValidation), envelope.Error.Code)
}

func TestAcceptPayWebhook_DuplicateDelivery(t *testing.T) {
	applier := &recordingApplier{}
	handler := newWebhookHandler(t, applier)

	body := []byte(`{"event":"payment.success","data":{"transactionId":"txn_dup","status":"COMPLETED","billId":"NP-20260115-4K7QZX","amount":100}}`)

	first := httptest.NewRecorder()
	handler(first, signedWebhookRequest(body))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler(second, signedWebhookRequest(body))
	require.Equal(t, http.StatusOK, second.Code)

	assert.Len(t, applier.inputs, 1)
}

func TestAcceptPayWebhook_RetryableFailureReturns5xx(t *testing.T) {
	applier := &recordingApplier{err: pkgerrors.New(pkgerrors.CodeDependency, "db unavailable")}
	handler := newWebhookHandler(t, applier)

	body := []byte(`{"event":"payment.success","data":{"transactionId":"txn_err","status":"COMPLETED","billId":"NP-20260115-4K7QZX","amount":100}}`)
	rec := httptest.NewRecorder()
	handler(rec, signedWebhookRequest(body))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
