// Package acceptpaywebhook ingests AcceptPay payment webhooks. Deliveries are
// at-least-once and unordered; the reconciliation engine makes replays safe,
// the guard here just short-circuits obvious duplicates.
package acceptpaywebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/npwellness/storefront-backend/internal/reconcile"
	"github.com/npwellness/storefront-backend/pkg/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/types"
)

// Event is the AcceptPay webhook envelope.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the payment payload inside a webhook event. Amount is rupees,
// as everywhere on the gateway wire.
type EventData struct {
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	BillID        string  `json:"billId"`
	Amount        float64 `json:"amount"`
	VPAID         *string `json:"vpaId"`
	BankRef       *string `json:"bank_ref"`
	PaidAt        *string `json:"paidAt"`
}

type resultApplier interface {
	ApplyPaymentResult(ctx context.Context, input reconcile.Input) (*reconcile.Outcome, error)
}

type Service struct {
	engine resultApplier
	guard  *IdempotencyGuard
	logg   *logger.Logger
}

func NewService(engine resultApplier, guard *IdempotencyGuard, logg *logger.Logger) (*Service, error) {
	if engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconcile engine required")
	}
	if guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{engine: engine, guard: guard, logg: logg}, nil
}

// ParseEvent decodes and minimally validates a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook payload")
	}
	if strings.TrimSpace(event.Data.TransactionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transactionId missing from webhook payload")
	}
	if strings.TrimSpace(event.Data.Status) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "status missing from webhook payload")
	}
	return &event, nil
}

// HandleEvent applies one webhook delivery. Duplicate deliveries return nil so
// the gateway receives a 2xx and stops redelivering.
func (s *Service) HandleEvent(ctx context.Context, event *Event, rawBody []byte) (*reconcile.Outcome, error) {
	if event == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event required")
	}

	ctx = s.logg.WithTransactionID(ctx, event.Data.TransactionID)

	// Keyed on transaction and status so a later status for the same
	// transaction is not swallowed.
	eventID := fmt.Sprintf("%s:%s", event.Data.TransactionID, strings.ToLower(event.Data.Status))
	seen, err := s.guard.CheckAndMark(ctx, eventID)
	if err != nil {
		// Redis down must not drop payment results; the engine dedupes anyway.
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook idempotency check unavailable")
	}
	if seen {
		s.logg.Info(ctx, "duplicate webhook delivery ignored")
		return nil, nil
	}

	var payload types.JSONMap
	if len(rawBody) > 0 {
		payload = types.JSONMap{}
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			payload = nil
		}
	}

	input := reconcile.Input{
		OrderRef:      event.Data.BillID,
		TransactionID: event.Data.TransactionID,
		AmountPaise:   acceptpay.RupeesToPaise(event.Data.Amount),
		RawStatus:     event.Data.Status,
		Source:        enums.PaymentSourceWebhook,
		PayerVPA:      event.Data.VPAID,
		BankRef:       event.Data.BankRef,
		RawPayload:    payload,
	}

	outcome, applyErr := s.engine.ApplyPaymentResult(ctx, input)
	if applyErr != nil {
		// Unmark retryable failures so the gateway's redelivery isn't
		// swallowed by the guard.
		if pkgerrors.Retryable(applyErr) {
			if delErr := s.guard.Delete(ctx, eventID); delErr != nil {
				s.logg.Warn(ctx, "releasing idempotency mark failed")
			}
		}
		return nil, applyErr
	}
	return outcome, nil
}
