// Package reconcile is the single write path for payment outcomes. Webhooks,
// client returns and background polls all converge here, so every entry is
// idempotent and safe to replay out of order.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/npwellness/storefront-backend/pkg/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/metrics"
	"github.com/npwellness/storefront-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// reportedAttemptWindow is the payment window stamped on transactions first
// seen through a report rather than through initiation. Matches the gateway's
// transaction validity; without it a webhook-first pending attempt would be
// sweep-expirable immediately.
const reportedAttemptWindow = 15 * time.Minute

// Input is one asserted payment result from any reporting actor. Source is
// observability metadata only and never grants authority.
type Input struct {
	OrderRef      string
	TransactionID string
	AmountPaise   int64
	RawStatus     string
	Source        enums.PaymentSource
	PayerVPA      *string
	BankRef       *string
	CompletedAt   *time.Time
	RawPayload    types.JSONMap
}

// Outcome reports the canonical state after a result was applied (or ignored).
// Transitioned is true only for the single call that caused the transition.
type Outcome struct {
	OrderID           uuid.UUID               `json:"-"`
	OrderNumber       string                  `json:"order_number"`
	OrderStatus       enums.OrderStatus       `json:"order_status"`
	PaymentStatus     enums.PaymentStatus     `json:"payment_status"`
	TransactionStatus enums.TransactionStatus `json:"transaction_status"`
	Transitioned      bool                    `json:"transitioned"`
}

// Engine applies payment results to orders under optimistic concurrency.
type Engine struct {
	repo    Repository
	tx      txRunner
	logg    *logger.Logger
	metrics *metrics.ReconcileMetrics
	now     func() time.Time
}

// NewEngine builds the reconciliation engine with the required dependencies.
func NewEngine(repo Repository, tx txRunner, logg *logger.Logger, m *metrics.ReconcileMetrics) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("reconcile repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Engine{
		repo:    repo,
		tx:      tx,
		logg:    logg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// ApplyPaymentResult reconciles one reported payment result.
//
// Rules, in order:
//   - a terminal order absorbs any further result as a successful no-op
//   - an unrecognized raw status is recorded as pending, never as a failure
//   - a success claim whose amount differs from the order total is rejected
//     as an integrity violation and the order stays pending
//   - the order transition is a guarded update on payment_status = pending;
//     a losing concurrent writer observes zero rows affected and degrades to
//     the no-op path instead of erroring
func (e *Engine) ApplyPaymentResult(ctx context.Context, input Input) (*Outcome, error) {
	if input.TransactionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction ID is required")
	}
	if !input.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment source")
	}

	ctx = e.logg.WithTransactionID(ctx, input.TransactionID)

	normalized, recognized := acceptpay.Normalize(input.RawStatus)
	if !recognized {
		e.logg.Warn(e.logg.WithField(ctx, "raw_status", input.RawStatus),
			"unrecognized gateway status treated as pending")
	}

	var outcome *Outcome
	err := e.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)

		txn, err := repo.FindTransactionByTransactionID(ctx, input.TransactionID)
		if err != nil && err != gorm.ErrRecordNotFound {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment transaction")
		}
		if err == gorm.ErrRecordNotFound {
			txn = nil
		}

		order, err := e.resolveOrder(ctx, repo, txn, input.OrderRef)
		if err != nil {
			return err
		}
		ctx = e.logg.WithOrderNumber(ctx, order.OrderNumber)

		// Terminal orders never move again; duplicates and late arrivals
		// land here.
		if order.PaymentStatus.IsTerminal() {
			e.metrics.IncNoop(input.Source.String())
			outcome = e.outcomeFrom(ctx, repo, order, txn, false)
			return nil
		}

		if normalized == enums.TransactionStatusPending {
			if txn == nil {
				if err := e.createReportedTransaction(ctx, repo, order, input, normalized); err != nil {
					return err
				}
			}
			outcome = &Outcome{
				OrderID:           order.ID,
				OrderNumber:       order.OrderNumber,
				OrderStatus:       order.Status,
				PaymentStatus:     order.PaymentStatus,
				TransactionStatus: enums.TransactionStatusPending,
				Transitioned:      false,
			}
			return nil
		}

		// Money-moved claims must match the order total exactly. A mismatch
		// is an integrity signal, not something to silently correct.
		if normalized == enums.TransactionStatusSuccess && input.AmountPaise != order.TotalPaise {
			e.metrics.IncRejected(input.Source.String(), "amount_mismatch")
			e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
				"claimed_paise": input.AmountPaise,
				"order_paise":   order.TotalPaise,
			}), "payment amount mismatch rejected")
			return pkgerrors.New(pkgerrors.CodeIntegrity, "claimed amount does not match order total").
				WithDetails(map[string]any{"order_number": order.OrderNumber})
		}

		now := e.now()

		if txn == nil {
			if err := e.createReportedTransaction(ctx, repo, order, input, normalized); err != nil {
				return err
			}
		} else if txn.Status.IsTerminal() {
			// A terminal transaction is never reverted; a conflicting late
			// report is dropped.
			e.metrics.IncNoop(input.Source.String())
			outcome = e.outcomeFrom(ctx, repo, order, txn, false)
			return nil
		} else {
			updates := map[string]any{
				"status":      normalized,
				"resolved_by": input.Source,
				"settled_at":  now,
			}
			if input.PayerVPA != nil {
				updates["vpa_id"] = *input.PayerVPA
			}
			if input.BankRef != nil {
				updates["bank_ref"] = *input.BankRef
			}
			if input.CompletedAt != nil {
				updates["settled_at"] = *input.CompletedAt
			}
			if input.RawPayload != nil {
				updates["raw_response"] = input.RawPayload
			}
			ok, err := repo.UpdateTransactionGuarded(ctx, txn.ID, updates)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment transaction")
			}
			if !ok {
				e.metrics.IncNoop(input.Source.String())
				outcome = e.outcomeFrom(ctx, repo, order, nil, false)
				return nil
			}
		}

		orderUpdates := e.orderUpdatesFor(normalized, now)
		transitioned, err := repo.UpdateOrderPaymentGuarded(ctx, order.ID, orderUpdates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order payment state")
		}

		if !transitioned {
			e.metrics.IncNoop(input.Source.String())
			outcome = e.outcomeFrom(ctx, repo, order, nil, false)
			return nil
		}

		e.metrics.IncApplied(input.Source.String(), normalized.String())
		e.logg.Info(e.logg.WithFields(ctx, map[string]any{
			"source": input.Source.String(),
			"status": normalized.String(),
		}), "payment result applied")

		outcome = &Outcome{
			OrderID:           order.ID,
			OrderNumber:       order.OrderNumber,
			OrderStatus:       orderUpdates["status"].(enums.OrderStatus),
			PaymentStatus:     orderUpdates["payment_status"].(enums.PaymentStatus),
			TransactionStatus: normalized,
			Transitioned:      true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *Engine) resolveOrder(ctx context.Context, repo Repository, txn *models.PaymentTransaction, orderRef string) (*models.Order, error) {
	if txn != nil {
		order, err := repo.FindOrderByID(ctx, txn.OrderID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order for transaction")
		}
		return order, nil
	}

	if orderRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no order reference for unknown transaction")
	}

	if id, err := uuid.Parse(orderRef); err == nil {
		order, err := repo.FindOrderByID(ctx, id)
		if err == nil {
			return order, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by id")
		}
	}

	order, err := repo.FindOrderByNumber(ctx, orderRef)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment result")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by number")
	}
	return order, nil
}

// createReportedTransaction records a transaction the engine has never seen.
// Happens when the webhook outruns the initiation write path.
func (e *Engine) createReportedTransaction(ctx context.Context, repo Repository, order *models.Order, input Input, status enums.TransactionStatus) error {
	now := e.now()
	source := input.Source
	txn := &models.PaymentTransaction{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		TransactionID: input.TransactionID,
		Status:        status,
		AmountPaise:   input.AmountPaise,
		PaymentURL:    "",
		VPAID:         input.PayerVPA,
		BankRef:       input.BankRef,
		RawResponse:   input.RawPayload,
		ExpiresAt:     now.Add(reportedAttemptWindow),
	}
	if status.IsTerminal() {
		txn.ResolvedBy = &source
		settled := now
		if input.CompletedAt != nil {
			settled = *input.CompletedAt
		}
		txn.SettledAt = &settled
	}
	if err := repo.CreateTransaction(ctx, txn); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record reported transaction")
	}
	return nil
}

func (e *Engine) orderUpdatesFor(status enums.TransactionStatus, now time.Time) map[string]any {
	switch status {
	case enums.TransactionStatusSuccess:
		return map[string]any{
			"status":         enums.OrderStatusConfirmed,
			"payment_status": enums.PaymentStatusPaid,
			"confirmed_at":   now,
		}
	case enums.TransactionStatusFailed:
		return map[string]any{
			"status":         enums.OrderStatusCancelled,
			"payment_status": enums.PaymentStatusFailed,
			"cancelled_at":   now,
			"cancel_reason":  "payment failed",
		}
	default:
		return map[string]any{
			"status":         enums.OrderStatusCancelled,
			"payment_status": enums.PaymentStatusCancelled,
			"cancelled_at":   now,
			"cancel_reason":  "payment cancelled",
		}
	}
}

// outcomeFrom reloads current state for the no-op paths so callers always see
// the winner's result.
func (e *Engine) outcomeFrom(ctx context.Context, repo Repository, order *models.Order, txn *models.PaymentTransaction, transitioned bool) *Outcome {
	current, err := repo.FindOrderByID(ctx, order.ID)
	if err != nil {
		current = order
	}
	out := &Outcome{
		OrderID:       current.ID,
		OrderNumber:   current.OrderNumber,
		OrderStatus:   current.Status,
		PaymentStatus: current.PaymentStatus,
		Transitioned:  transitioned,
	}
	if txn != nil {
		out.TransactionStatus = txn.Status
	} else if latest, err := repo.FindLatestTransactionByOrder(ctx, current.ID); err == nil {
		out.TransactionStatus = latest.Status
	}
	return out
}
