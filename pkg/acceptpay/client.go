// Package acceptpay isolates the AcceptPay UPI gateway's HTTP semantics from
// the reconciliation engine. The gateway authenticates via apiKey/apiSecret in
// the request body, not in an Authorization header.
package acceptpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npwellness/storefront-backend/pkg/config"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
)

const (
	initiatePath = "api/v1/transaction/initiate-transaction"
	statusPath   = "api/v1/transaction/status-of-transaction"
	cancelPath   = "api/v1/transaction/cancel-transaction"

	gatewayName = "razorpay"

	responseBodyReadLimit int64 = 1024
)

// Gateway is the adapter surface the payment services depend on.
type Gateway interface {
	Initiate(ctx context.Context, params InitiateParams) (*Initiation, error)
	FetchStatus(ctx context.Context, transactionID string) (*StatusResult, error)
	Cancel(ctx context.Context, transactionID, reason string) error
}

// Client implements Gateway against the live AcceptPay API.
type Client struct {
	httpClient *http.Client
	cfg        config.AcceptPayConfig
	logg       *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds the AcceptPay client from configuration.
func NewClient(cfg config.AcceptPayConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("acceptpay base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("acceptpay credentials are required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logg:       logg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// InitiateParams carries everything the gateway needs to open a payment.
type InitiateParams struct {
	OrderNumber  string
	AmountPaise  int64
	CustomerName string
	Mobile       string
	Email        string
	Description  string
	WebhookURL   string
}

// Initiation is the usable subset of a successful initiate response.
type Initiation struct {
	TransactionID string
	PaymentLink   string
	ExpiresAt     time.Time
	Raw           map[string]any
}

// StatusResult is a normalized snapshot of one gateway status read.
// Definitive is false when the gateway could not be reached or answered with
// an error; such results must never be applied as a payment outcome.
type StatusResult struct {
	TransactionID string
	RawStatus     string
	AmountPaise   int64
	PayerVPA      *string
	CompletedAt   *time.Time
	Definitive    bool
}

// Initiate opens a payment at the gateway. Fails closed: a response that does
// not carry both a transaction ID and a payment link is a hard error.
func (c *Client) Initiate(ctx context.Context, params InitiateParams) (*Initiation, error) {
	if params.AmountPaise <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}
	if strings.TrimSpace(params.OrderNumber) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}

	// The gateway substitutes the template tokens on redirect.
	returnURL := fmt.Sprintf("%s?txn={{transactionId}}&status={{status}}&order={{billId}}",
		strings.TrimRight(c.cfg.ReturnURL, "?"))

	body := map[string]any{
		"apiKey":       c.cfg.APIKey,
		"apiSecret":    c.cfg.APISecret,
		"amount":       paiseToRupees(params.AmountPaise),
		"billId":       params.OrderNumber,
		"customerName": truncate(params.CustomerName, 50),
		"mobileNumber": params.Mobile,
		"email":        params.Email,
		"description":  truncate(params.Description, 40),
		"gateway":      gatewayName,
		"returnUrl":    returnURL,
		"webhookUrl":   params.WebhookURL,
	}

	var resp struct {
		Status      string         `json:"status"`
		Message     string         `json:"message"`
		PaymentLink string         `json:"paymentLink"`
		Data        map[string]any `json:"data"`
	}
	if err := c.postJSON(ctx, initiatePath, body, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "fail" || resp.Status == "error" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("gateway rejected initiation: %s", resp.Message))
	}

	transactionID := stringField(resp.Data, "_id")
	if transactionID == "" {
		transactionID = stringField(resp.Data, "transactionId")
	}
	paymentLink := resp.PaymentLink
	if paymentLink == "" {
		paymentLink = stringField(resp.Data, "paymentLink")
	}

	if transactionID == "" || paymentLink == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway initiation response missing transaction id or payment link")
	}

	window := c.cfg.PaymentWindow
	if window <= 0 {
		window = 15 * time.Minute
	}

	return &Initiation{
		TransactionID: transactionID,
		PaymentLink:   paymentLink,
		ExpiresAt:     time.Now().UTC().Add(window),
		Raw:           resp.Data,
	}, nil
}

// FetchStatus reads the current gateway view of a transaction. Read-only and
// safe to call repeatedly. Transport failures and gateway errors degrade to a
// non-definitive pending result instead of an error so pollers keep going.
func (c *Client) FetchStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	trimmed := strings.TrimSpace(transactionID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction ID is required")
	}

	pending := &StatusResult{
		TransactionID: trimmed,
		RawStatus:     "pending",
		Definitive:    false,
	}

	endpoint := fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), statusPath, url.PathEscape(trimmed))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build status request")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.warn(ctx, "gateway status check unreachable", err)
		return pending, nil
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  *struct {
			ID     string   `json:"_id"`
			Status string   `json:"status"`
			Amount float64  `json:"amount"`
			VPAID  *string  `json:"vpaId"`
			PaidAt *string  `json:"paidAt"`
		} `json:"result"`
		Data *struct {
			TransactionID string  `json:"transactionId"`
			Status        string  `json:"status"`
			Amount        float64 `json:"amount"`
			PaidAt        *string `json:"paidAt"`
		} `json:"data"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		c.warn(ctx, "gateway status response undecodable", err)
		return pending, nil
	}
	if httpResp.StatusCode != http.StatusOK || resp.Status == "fail" || resp.Status == "error" {
		c.warn(ctx, "gateway status check failed", fmt.Errorf("status %d: %s", httpResp.StatusCode, resp.Message))
		return pending, nil
	}

	switch {
	case resp.Result != nil:
		return &StatusResult{
			TransactionID: firstNonEmpty(resp.Result.ID, trimmed),
			RawStatus:     resp.Result.Status,
			AmountPaise:   RupeesToPaise(resp.Result.Amount),
			PayerVPA:      resp.Result.VPAID,
			CompletedAt:   parseGatewayTime(resp.Result.PaidAt),
			Definitive:    true,
		}, nil
	case resp.Data != nil:
		return &StatusResult{
			TransactionID: firstNonEmpty(resp.Data.TransactionID, trimmed),
			RawStatus:     resp.Data.Status,
			AmountPaise:   RupeesToPaise(resp.Data.Amount),
			CompletedAt:   parseGatewayTime(resp.Data.PaidAt),
			Definitive:    true,
		}, nil
	default:
		c.warn(ctx, "gateway status response empty", nil)
		return pending, nil
	}
}

// Cancel asks the gateway to void a still-pending transaction.
func (c *Client) Cancel(ctx context.Context, transactionID, reason string) error {
	trimmed := strings.TrimSpace(transactionID)
	if trimmed == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction ID is required")
	}

	body := map[string]any{
		"apiKey":        c.cfg.APIKey,
		"apiSecret":     c.cfg.APISecret,
		"transactionId": trimmed,
		"reason":        truncate(reason, 100),
	}

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, cancelPath, body, &resp); err != nil {
		return err
	}
	if resp.Status == "fail" || resp.Status == "error" {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("gateway rejected cancellation: %s", resp.Message))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal gateway request")
	}

	endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build gateway request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute gateway request")
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency,
			fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg))), "gateway request failed")
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode gateway response")
	}
	return nil
}

func (c *Client) warn(ctx context.Context, msg string, err error) {
	if c.logg == nil {
		return
	}
	if err != nil {
		ctx = c.logg.WithField(ctx, "error", err.Error())
	}
	c.logg.Warn(ctx, msg)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func parseGatewayTime(value *string) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return nil
	}
	return &parsed
}
