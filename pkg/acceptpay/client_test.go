package acceptpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"

	"github.com/npwellness/storefront-backend/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.AcceptPayConfig{
		BaseURL:        server.URL,
		APIKey:         "key-123",
		APISecret:      "secret-456",
		ReturnURL:      "https://shop.example/payment/return",
		RequestTimeout: 5 * time.Second,
		PaymentWindow:  15 * time.Minute,
	}

	client, err := NewClient(cfg, nil, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewClient returned unexpected error: %v", err)
	}
	return client, server
}

func TestInitiate_Success(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+initiatePath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decoding request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "success",
			"message":     "Transaction initiated",
			"paymentLink": "https://pay.example/t/abc123",
			"data": map[string]any{
				"_id":    "txn_abc123",
				"amount": 1299.50,
				"status": "initiated",
				"billId": "NP-20260115-4K7QZX",
			},
		})
	}))

	initiation, err := client.Initiate(context.Background(), InitiateParams{
		OrderNumber:  "NP-20260115-4K7QZX",
		AmountPaise:  129950,
		CustomerName: "Asha Rao",
		Mobile:       "9876543210",
		Email:        "asha@example.com",
		Description:  "Wellness order",
		WebhookURL:   "https://shop.example/api/v1/webhooks/acceptpay",
	})
	if err != nil {
		t.Fatalf("Initiate returned unexpected error: %v", err)
	}

	if initiation.TransactionID != "txn_abc123" {
		t.Fatalf("unexpected transaction ID %q", initiation.TransactionID)
	}
	if initiation.PaymentLink != "https://pay.example/t/abc123" {
		t.Fatalf("unexpected payment link %q", initiation.PaymentLink)
	}
	if initiation.ExpiresAt.Before(time.Now().UTC().Add(14 * time.Minute)) {
		t.Fatalf("expected expiry roughly 15m out, got %v", initiation.ExpiresAt)
	}

	// Credentials travel in the body, amounts in rupees.
	if captured["apiKey"] != "key-123" || captured["apiSecret"] != "secret-456" {
		t.Fatalf("expected credentials in request body, got %v", captured)
	}
	if captured["amount"] != 1299.50 {
		t.Fatalf("expected amount 1299.50 rupees, got %v", captured["amount"])
	}
	returnURL, _ := captured["returnUrl"].(string)
	if !strings.Contains(returnURL, "txn={{transactionId}}") || !strings.Contains(returnURL, "order={{billId}}") {
		t.Fatalf("return url missing template tokens: %q", returnURL)
	}
}

func TestInitiate_FailsClosedOnMissingPaymentLink(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"_id": "txn_abc123"},
		})
	}))

	_, err := client.Initiate(context.Background(), InitiateParams{
		OrderNumber: "NP-20260115-4K7QZX",
		AmountPaise: 100,
	})
	if err == nil {
		t.Fatal("expected hard error when payment link is missing")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestInitiate_GatewayRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "fail",
			"message": "invalid credentials",
		})
	}))

	_, err := client.Initiate(context.Background(), InitiateParams{
		OrderNumber: "NP-20260115-4K7QZX",
		AmountPaise: 100,
	})
	if err == nil || !strings.Contains(err.Error(), "invalid credentials") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestFetchStatus_DefinitiveCompleted(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/"+statusPath+"/") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]any{
				"_id":    "txn_abc123",
				"status": "COMPLETED",
				"amount": 1299.50,
				"vpaId":  "asha@upi",
				"paidAt": "2026-01-15T10:31:02Z",
			},
		})
	}))

	result, err := client.FetchStatus(context.Background(), "txn_abc123")
	if err != nil {
		t.Fatalf("FetchStatus returned unexpected error: %v", err)
	}

	if !result.Definitive {
		t.Fatal("expected a definitive result")
	}
	if result.RawStatus != "COMPLETED" {
		t.Fatalf("unexpected raw status %q", result.RawStatus)
	}
	if result.AmountPaise != 129950 {
		t.Fatalf("expected 129950 paise, got %d", result.AmountPaise)
	}
	if result.PayerVPA == nil || *result.PayerVPA != "asha@upi" {
		t.Fatalf("unexpected payer VPA %v", result.PayerVPA)
	}
	if result.CompletedAt == nil {
		t.Fatal("expected completed timestamp")
	}
}

func TestFetchStatus_DegradesToPendingOnGatewayError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "fail", "message": "upstream down"})
	}))

	result, err := client.FetchStatus(context.Background(), "txn_abc123")
	if err != nil {
		t.Fatalf("FetchStatus must not error on gateway failure, got %v", err)
	}
	if result.Definitive {
		t.Fatal("gateway failure must never produce a definitive result")
	}
	if result.RawStatus != "pending" {
		t.Fatalf("expected pending-equivalent status, got %q", result.RawStatus)
	}
}

func TestFetchStatus_DegradesToPendingOnTransportFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	result, err := client.FetchStatus(context.Background(), "txn_abc123")
	if err != nil {
		t.Fatalf("FetchStatus must not error on transport failure, got %v", err)
	}
	if result.Definitive || result.RawStatus != "pending" {
		t.Fatalf("expected non-definitive pending, got %+v", result)
	}
}

func TestCancel(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+cancelPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["transactionId"] != "txn_abc123" {
			t.Fatalf("unexpected cancel body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))

	if err := client.Cancel(context.Background(), "txn_abc123", "payment window expired"); err != nil {
		t.Fatalf("Cancel returned unexpected error: %v", err)
	}
}
