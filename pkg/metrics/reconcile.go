package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics records reconciliation engine activity.
type ReconcileMetrics struct {
	applied    *prometheus.CounterVec
	noops      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	sweep      *prometheus.HistogramVec
}

// NewReconcileMetrics registers the reconciliation metrics on the provided registerer.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_results_applied",
		Help: "Payment results that caused a state transition, by source and outcome.",
	}, []string{"source", "status"})
	noops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_results_noop",
		Help: "Payment results ignored because the order was already terminal.",
	}, []string{"source"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_results_rejected",
		Help: "Payment results rejected before applying, by reason.",
	}, []string{"source", "reason"})
	sweep := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_sweep_duration_seconds",
		Help:    "Duration of background reconciliation sweeps in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
	reg.MustRegister(applied, noops, rejections, sweep)
	return &ReconcileMetrics{
		applied:    applied,
		noops:      noops,
		rejections: rejections,
		sweep:      sweep,
	}
}

// IncApplied counts a state transition caused by a payment result.
func (m *ReconcileMetrics) IncApplied(source, status string) {
	if m == nil || m.applied == nil {
		return
	}
	m.applied.WithLabelValues(normalizeLabel(source), normalizeLabel(status)).Inc()
}

// IncNoop counts a duplicate or late result that changed nothing.
func (m *ReconcileMetrics) IncNoop(source string) {
	if m == nil || m.noops == nil {
		return
	}
	m.noops.WithLabelValues(normalizeLabel(source)).Inc()
}

// IncRejected counts a result turned away before applying.
func (m *ReconcileMetrics) IncRejected(source, reason string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(source), normalizeLabel(reason)).Inc()
}

// ObserveSweep records one background sweep run.
func (m *ReconcileMetrics) ObserveSweep(result string, duration time.Duration) {
	if m == nil || m.sweep == nil {
		return
	}
	m.sweep.WithLabelValues(normalizeLabel(result)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
