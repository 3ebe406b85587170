// Package payments drives payment attempts against the gateway and routes
// every observed outcome through the reconciliation engine.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/npwellness/storefront-backend/internal/reconcile"
	"github.com/npwellness/storefront-backend/internal/recovery"
	"github.com/npwellness/storefront-backend/pkg/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	pkgerrors "github.com/npwellness/storefront-backend/pkg/errors"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/types"
)

const (
	returnPollAttempts = 3
	returnPollBackoff  = 700 * time.Millisecond
)

// InitiationView is returned to the client to start the redirect flow.
type InitiationView struct {
	OrderNumber   string    `json:"order_number"`
	TransactionID string    `json:"transaction_id"`
	PaymentURL    string    `json:"payment_url"`
	AmountPaise   int64     `json:"amount_paise"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Service defines the payment attempt operations.
type Service interface {
	Initiate(ctx context.Context, orderNumber string) (*InitiationView, error)
	ResolveReturn(ctx context.Context, transactionID, orderNumber string) (*reconcile.Outcome, error)
	Cancel(ctx context.Context, orderNumber, reason string) (*reconcile.Outcome, error)
	Recheck(ctx context.Context, transactionID string) (*reconcile.Outcome, error)
}

type service struct {
	repo     reconcile.Repository
	gateway  acceptpay.Gateway
	engine   *reconcile.Engine
	snapshot *recovery.Store
	cfg      config.AcceptPayConfig
	logg     *logger.Logger
	now      func() time.Time
}

// NewService builds a payments service with the required dependencies.
func NewService(repo reconcile.Repository, gateway acceptpay.Gateway, engine *reconcile.Engine,
	snapshot *recovery.Store, cfg config.AcceptPayConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("reconcile repository required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("recovery store required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     repo,
		gateway:  gateway,
		engine:   engine,
		snapshot: snapshot,
		cfg:      cfg,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Initiate opens a gateway payment for a pending order. At most one pending
// transaction may exist per order: a live one is reused, an expired one is
// voided before a fresh attempt starts.
func (s *service) Initiate(ctx context.Context, orderNumber string) (*InitiationView, error) {
	if orderNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}
	ctx = s.logg.WithOrderNumber(ctx, orderNumber)

	order, err := s.repo.FindOrderByNumber(ctx, orderNumber)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.PaymentStatus.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order payment already resolved")
	}

	pending, err := s.repo.FindPendingTransactionByOrder(ctx, order.ID)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending transaction")
	}
	if err == gorm.ErrRecordNotFound {
		pending = nil
	}

	attemptVersion := 1
	if pending != nil {
		if s.now().Before(pending.ExpiresAt) {
			// Idempotent re-entry into the redirect flow.
			return &InitiationView{
				OrderNumber:   order.OrderNumber,
				TransactionID: pending.TransactionID,
				PaymentURL:    pending.PaymentURL,
				AmountPaise:   pending.AmountPaise,
				ExpiresAt:     pending.ExpiresAt,
			}, nil
		}
		if err := s.voidExpiredAttempt(ctx, pending); err != nil {
			return nil, err
		}
		attemptVersion = pending.CheckAttempts + 2
	}

	initiation, err := s.gateway.Initiate(ctx, acceptpay.InitiateParams{
		OrderNumber:  order.OrderNumber,
		AmountPaise:  order.TotalPaise,
		CustomerName: order.CustomerName,
		Mobile:       order.CustomerPhone,
		Email:        order.CustomerEmail,
		Description:  fmt.Sprintf("Order %s", order.OrderNumber),
		WebhookURL:   s.cfg.WebhookURL,
	})
	if err != nil {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		TransactionID: initiation.TransactionID,
		Status:        enums.TransactionStatusPending,
		AmountPaise:   order.TotalPaise,
		PaymentURL:    initiation.PaymentLink,
		RawResponse:   types.JSONMap(initiation.Raw),
		ExpiresAt:     initiation.ExpiresAt,
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment transaction")
	}

	// The snapshot carries enough order context to rebuild the confirmation
	// page even when the database is briefly unreachable on return.
	lineItems, err := s.repo.FindOrderLineItems(ctx, order.ID)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "loading line items for snapshot failed")
	}
	snapItems := make([]recovery.SnapshotItem, 0, len(lineItems))
	for _, item := range lineItems {
		snapItems = append(snapItems, recovery.SnapshotItem{Name: item.Name, Qty: item.Qty})
	}
	snap := recovery.Snapshot{
		Version:         attemptVersion,
		OrderNumber:     order.OrderNumber,
		TransactionID:   initiation.TransactionID,
		AmountPaise:     order.TotalPaise,
		PaymentURL:      initiation.PaymentLink,
		CustomerName:    order.CustomerName,
		ShippingAddress: order.ShippingAddress,
		Items:           snapItems,
		ExpiresAt:       initiation.ExpiresAt,
		CreatedAt:       s.now(),
	}
	if err := s.snapshot.Save(ctx, snap); err != nil {
		// Advisory only; the payment still proceeds.
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "saving recovery snapshot failed")
	}

	s.logg.Info(s.logg.WithTransactionID(ctx, initiation.TransactionID), "payment initiated")

	return &InitiationView{
		OrderNumber:   order.OrderNumber,
		TransactionID: initiation.TransactionID,
		PaymentURL:    initiation.PaymentLink,
		AmountPaise:   order.TotalPaise,
		ExpiresAt:     initiation.ExpiresAt,
	}, nil
}

// voidExpiredAttempt resolves a dead pending transaction so a new attempt can
// start. The transaction flips to cancelled; the order stays pending and
// payable.
func (s *service) voidExpiredAttempt(ctx context.Context, txn *models.PaymentTransaction) error {
	// The gateway may have settled it while we weren't looking.
	status, err := s.gateway.FetchStatus(ctx, txn.TransactionID)
	if err == nil && status.Definitive {
		normalized, _ := acceptpay.Normalize(status.RawStatus)
		if normalized != enums.TransactionStatusPending {
			_, err := s.engine.ApplyPaymentResult(ctx, reconcile.Input{
				OrderRef:      txn.OrderNumber,
				TransactionID: txn.TransactionID,
				AmountPaise:   status.AmountPaise,
				RawStatus:     status.RawStatus,
				Source:        enums.PaymentSourceSweeper,
				PayerVPA:      status.PayerVPA,
				CompletedAt:   status.CompletedAt,
			})
			if err != nil {
				return err
			}
			return pkgerrors.New(pkgerrors.CodeStateConflict, "previous payment attempt settled; refresh order state")
		}
	}

	if cancelErr := s.gateway.Cancel(ctx, txn.TransactionID, "payment window expired"); cancelErr != nil {
		s.logg.Warn(s.logg.WithTransactionID(ctx, txn.TransactionID), "gateway cancel of expired attempt failed")
	}

	source := enums.PaymentSourceManual
	ok, err := s.repo.UpdateTransactionGuarded(ctx, txn.ID, map[string]any{
		"status":      enums.TransactionStatusCancelled,
		"resolved_by": source,
		"settled_at":  s.now(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "void expired transaction")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "previous payment attempt settled concurrently; refresh order state")
	}
	return nil
}

// ResolveReturn reconciles the customer's return from the gateway redirect.
// The transaction ID from the URL is untrusted input: the authoritative status
// comes from a server-side gateway read, polled a few times because the
// redirect often outruns gateway settlement.
func (s *service) ResolveReturn(ctx context.Context, transactionID, orderNumber string) (*reconcile.Outcome, error) {
	if transactionID == "" && orderNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction or order reference required")
	}

	// Recover the transaction ID from the snapshot when the return URL lost it.
	if transactionID == "" {
		snap, err := s.snapshot.Load(ctx, orderNumber)
		if err != nil {
			s.logg.Warn(s.logg.WithOrderNumber(ctx, orderNumber), "loading recovery snapshot failed")
		}
		if snap != nil {
			transactionID = snap.TransactionID
		}
	}
	if transactionID == "" {
		order, err := s.repo.FindOrderByNumber(ctx, orderNumber)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		latest, err := s.repo.FindLatestTransactionByOrder(ctx, order.ID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no payment attempt recorded for order")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest transaction")
		}
		transactionID = latest.TransactionID
	}

	ctx = s.logg.WithTransactionID(ctx, transactionID)

	var status *acceptpay.StatusResult
	backoff := retry.WithMaxRetries(returnPollAttempts-1, retry.NewExponential(returnPollBackoff))
	pollErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := s.gateway.FetchStatus(ctx, transactionID)
		if err != nil {
			return err
		}
		status = result
		if !result.Definitive {
			return retry.RetryableError(fmt.Errorf("gateway status not yet definitive"))
		}
		if normalized, _ := acceptpay.Normalize(result.RawStatus); normalized == enums.TransactionStatusPending {
			return retry.RetryableError(fmt.Errorf("transaction still pending at gateway"))
		}
		return nil
	})
	if pollErr != nil && status == nil {
		return nil, pollErr
	}

	normalized, _ := acceptpay.Normalize(status.RawStatus)
	if !status.Definitive || normalized == enums.TransactionStatusPending {
		// Exhausted the bounded poll; surface current server state and let
		// the sweeper finish the job. Expired windows resolve immediately.
		txn, err := s.repo.FindTransactionByTransactionID(ctx, transactionID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unknown transaction")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
		}
		if status.Definitive && s.now().After(txn.ExpiresAt) {
			return s.applyAndCleanup(ctx, reconcile.Input{
				OrderRef:      txn.OrderNumber,
				TransactionID: transactionID,
				AmountPaise:   txn.AmountPaise,
				RawStatus:     "expired",
				Source:        enums.PaymentSourceClientReturn,
			})
		}
		return s.currentOutcome(ctx, txn)
	}

	return s.applyAndCleanup(ctx, reconcile.Input{
		OrderRef:      orderNumber,
		TransactionID: transactionID,
		AmountPaise:   status.AmountPaise,
		RawStatus:     status.RawStatus,
		Source:        enums.PaymentSourceClientReturn,
		PayerVPA:      status.PayerVPA,
		CompletedAt:   status.CompletedAt,
	})
}

// Cancel resolves a still-pending order as customer-cancelled.
func (s *service) Cancel(ctx context.Context, orderNumber, reason string) (*reconcile.Outcome, error) {
	if orderNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number is required")
	}
	ctx = s.logg.WithOrderNumber(ctx, orderNumber)

	order, err := s.repo.FindOrderByNumber(ctx, orderNumber)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.PaymentStatus.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order payment already resolved")
	}

	pending, err := s.repo.FindPendingTransactionByOrder(ctx, order.ID)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending transaction")
	}

	if err == nil && pending != nil {
		if cancelErr := s.gateway.Cancel(ctx, pending.TransactionID, reason); cancelErr != nil {
			s.logg.Warn(s.logg.WithTransactionID(ctx, pending.TransactionID), "gateway cancel failed; cancelling locally")
		}
		return s.applyAndCleanup(ctx, reconcile.Input{
			OrderRef:      orderNumber,
			TransactionID: pending.TransactionID,
			AmountPaise:   pending.AmountPaise,
			RawStatus:     "cancelled",
			Source:        enums.PaymentSourceManual,
		})
	}

	// No payment attempt exists yet; cancel the order directly under the
	// same pending-only guard the engine uses.
	now := s.now()
	transitioned, err := s.repo.UpdateOrderPaymentGuarded(ctx, order.ID, map[string]any{
		"status":         enums.OrderStatusCancelled,
		"payment_status": enums.PaymentStatusCancelled,
		"cancelled_at":   now,
		"cancel_reason":  "payment cancelled",
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
	}
	if err := s.snapshot.Delete(ctx, orderNumber); err != nil {
		s.logg.Warn(ctx, "deleting recovery snapshot failed")
	}
	return &reconcile.Outcome{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		OrderStatus:   enums.OrderStatusCancelled,
		PaymentStatus: enums.PaymentStatusCancelled,
		Transitioned:  transitioned,
	}, nil
}

// Recheck forces a fresh gateway read for one transaction. Admin surface.
func (s *service) Recheck(ctx context.Context, transactionID string) (*reconcile.Outcome, error) {
	if transactionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction ID is required")
	}
	ctx = s.logg.WithTransactionID(ctx, transactionID)

	txn, err := s.repo.FindTransactionByTransactionID(ctx, transactionID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unknown transaction")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}

	status, err := s.gateway.FetchStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.IncrementCheckAttempts(ctx, txn.ID, s.now()); err != nil {
		s.logg.Warn(ctx, "recording check attempt failed")
	}

	normalized, _ := acceptpay.Normalize(status.RawStatus)
	if status.Definitive && normalized != enums.TransactionStatusPending {
		return s.applyAndCleanup(ctx, reconcile.Input{
			OrderRef:      txn.OrderNumber,
			TransactionID: transactionID,
			AmountPaise:   status.AmountPaise,
			RawStatus:     status.RawStatus,
			Source:        enums.PaymentSourceManual,
			PayerVPA:      status.PayerVPA,
			CompletedAt:   status.CompletedAt,
		})
	}
	// Expiry needs a definitive pending read; an unreachable gateway is an
	// unknown outcome, never grounds for cancelling.
	if status.Definitive && s.now().After(txn.ExpiresAt) {
		return s.applyAndCleanup(ctx, reconcile.Input{
			OrderRef:      txn.OrderNumber,
			TransactionID: transactionID,
			AmountPaise:   txn.AmountPaise,
			RawStatus:     "expired",
			Source:        enums.PaymentSourceManual,
		})
	}
	return s.currentOutcome(ctx, txn)
}

func (s *service) applyAndCleanup(ctx context.Context, input reconcile.Input) (*reconcile.Outcome, error) {
	outcome, err := s.engine.ApplyPaymentResult(ctx, input)
	if err != nil {
		return nil, err
	}
	if outcome.PaymentStatus.IsTerminal() {
		if err := s.snapshot.Delete(ctx, outcome.OrderNumber); err != nil {
			s.logg.Warn(ctx, "deleting recovery snapshot failed")
		}
	}
	return outcome, nil
}

func (s *service) currentOutcome(ctx context.Context, txn *models.PaymentTransaction) (*reconcile.Outcome, error) {
	order, err := s.repo.FindOrderByID(ctx, txn.OrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return &reconcile.Outcome{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		OrderStatus:       order.Status,
		PaymentStatus:     order.PaymentStatus,
		TransactionStatus: txn.Status,
		Transitioned:      false,
	}, nil
}
