// Package metrics exposes the prometheus collectors shared by the custody
// service, the sweeper and the outbox worker.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	transitions     *prometheus.CounterVec
	transitionTime  *prometheus.HistogramVec
	payouts         *prometheus.CounterVec
	payoutAmount    *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	sweepReleased   prometheus.Counter
	outboxProcessed *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide collectors, registering them on first use.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Escrow operations by operation and outcome.",
			}, []string{"operation", "outcome"}),
			transitionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_transition_duration_seconds",
				Help:    "Latency of escrow operations including store and payout calls.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_payout_transfers_total",
				Help: "Payout transfers attempted by kind and outcome.",
			}, []string{"kind", "outcome"}),
			payoutAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_payout_amount_minor_total",
				Help: "Minor units moved by successful transfers, by kind.",
			}, []string{"kind"}),
			auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_audit_failures_total",
				Help: "Audit records that could not be written, by event type.",
			}, []string{"type"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_sweeper_passes_total",
				Help: "Auto-release sweeper passes by outcome.",
			}, []string{"outcome"}),
			sweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_sweeper_released_total",
				Help: "Entries auto-released by the sweeper.",
			}),
			outboxProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_outbox_messages_total",
				Help: "Outbox messages handled by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.transitionTime,
			escrowRegistry.payouts,
			escrowRegistry.payoutAmount,
			escrowRegistry.auditFailures,
			escrowRegistry.sweeps,
			escrowRegistry.sweepReleased,
			escrowRegistry.outboxProcessed,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveTransition(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
	m.transitionTime.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) ObservePayout(kind string, amount int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.payouts.WithLabelValues(kind, "failure").Inc()
		return
	}
	m.payouts.WithLabelValues(kind, "success").Inc()
	m.payoutAmount.WithLabelValues(kind).Add(float64(amount))
}

func (m *EscrowMetrics) IncAuditFailure(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.auditFailures.WithLabelValues(eventType).Inc()
}

func (m *EscrowMetrics) ObserveSweep(released int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweeps.WithLabelValues("failure").Inc()
	} else {
		m.sweeps.WithLabelValues("success").Inc()
	}
	m.sweepReleased.Add(float64(released))
}

func (m *EscrowMetrics) ObserveOutbox(published, failed, deadLettered int) {
	if m == nil {
		return
	}
	m.outboxProcessed.WithLabelValues("published").Add(float64(published))
	m.outboxProcessed.WithLabelValues("failed").Add(float64(failed))
	m.outboxProcessed.WithLabelValues("dead_lettered").Add(float64(deadLettered))
}
