package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/npwellness/storefront-backend/internal/reconcile"
	"github.com/npwellness/storefront-backend/pkg/acceptpay"
	"github.com/npwellness/storefront-backend/pkg/config"
	"github.com/npwellness/storefront-backend/pkg/db/models"
	"github.com/npwellness/storefront-backend/pkg/enums"
	"github.com/npwellness/storefront-backend/pkg/logger"
	"github.com/npwellness/storefront-backend/pkg/metrics"
)

const sweepConcurrency = 5

// Sweeper periodically re-reads gateway status for pending transactions that
// nobody has resolved, so orders converge even when both the webhook and the
// client return are lost.
type Sweeper struct {
	repo    reconcile.Repository
	gateway acceptpay.Gateway
	engine  *reconcile.Engine
	cfg     config.ReconcilerConfig
	logg    *logger.Logger
	metrics *metrics.ReconcileMetrics
	now     func() time.Time
}

// NewSweeper builds the background sweeper.
func NewSweeper(repo reconcile.Repository, gateway acceptpay.Gateway, engine *reconcile.Engine,
	cfg config.ReconcilerConfig, logg *logger.Logger, m *metrics.ReconcileMetrics) (*Sweeper, error) {
	if repo == nil {
		return nil, fmt.Errorf("reconcile repository required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Sweeper{
		repo:    repo,
		gateway: gateway,
		engine:  engine,
		cfg:     cfg,
		logg:    logg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logg.Info(ctx, "reconciliation sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "reconciliation sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logg.Error(ctx, "sweep pass failed", err)
			}
		}
	}
}

// SweepOnce processes one batch of stale pending transactions. Per-transaction
// failures are aggregated so one bad row never starves the rest of the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	start := s.now()
	checkedBefore := start.Add(-s.cfg.MinPendingAge)

	stale, err := s.repo.FindStalePendingTransactions(ctx, checkedBefore, s.cfg.SweepBatchSize)
	if err != nil {
		s.metrics.ObserveSweep("error", s.now().Sub(start))
		return fmt.Errorf("list stale pending transactions: %w", err)
	}
	if len(stale) == 0 {
		s.metrics.ObserveSweep("empty", s.now().Sub(start))
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)

	errs := make([]error, len(stale))
	for i := range stale {
		i := i
		txn := stale[i]
		group.Go(func() error {
			if err := s.sweepTransaction(groupCtx, txn); err != nil {
				errs[i] = fmt.Errorf("transaction %s: %w", txn.TransactionID, err)
			}
			// Collected, not propagated; cancelling the group would drop
			// the rest of the batch.
			return nil
		})
	}
	_ = group.Wait()

	combined := multierr.Combine(errs...)
	result := "ok"
	if combined != nil {
		result = "partial"
	}
	s.metrics.ObserveSweep(result, s.now().Sub(start))

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"batch_size": len(stale),
		"failed":     len(multierr.Errors(combined)),
	}), "sweep pass complete")
	return combined
}

func (s *Sweeper) sweepTransaction(ctx context.Context, txn models.PaymentTransaction) error {
	ctx = s.logg.WithTransactionID(s.logg.WithOrderNumber(ctx, txn.OrderNumber), txn.TransactionID)

	var status *acceptpay.StatusResult
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := s.gateway.FetchStatus(ctx, txn.TransactionID)
		if err != nil {
			return err
		}
		status = result
		if !result.Definitive {
			return retry.RetryableError(fmt.Errorf("gateway status not definitive"))
		}
		return nil
	})
	if err != nil && status == nil {
		return err
	}

	if status.Definitive {
		if normalized, _ := acceptpay.Normalize(status.RawStatus); normalized != enums.TransactionStatusPending {
			_, err := s.engine.ApplyPaymentResult(ctx, reconcile.Input{
				OrderRef:      txn.OrderNumber,
				TransactionID: txn.TransactionID,
				AmountPaise:   status.AmountPaise,
				RawStatus:     status.RawStatus,
				Source:        enums.PaymentSourceSweeper,
				PayerVPA:      status.PayerVPA,
				CompletedAt:   status.CompletedAt,
			})
			return err
		}
	}

	// An elapsed payment window resolves the attempt as expired only when
	// the gateway definitively still reports pending. An unreachable
	// gateway is an unknown outcome: the payment may have settled, so the
	// pass records the check and leaves the order alone.
	if status.Definitive && s.now().After(txn.ExpiresAt) {
		_, err := s.engine.ApplyPaymentResult(ctx, reconcile.Input{
			OrderRef:      txn.OrderNumber,
			TransactionID: txn.TransactionID,
			AmountPaise:   txn.AmountPaise,
			RawStatus:     "expired",
			Source:        enums.PaymentSourceSweeper,
		})
		return err
	}
	return s.repo.IncrementCheckAttempts(ctx, txn.ID, s.now())
}
