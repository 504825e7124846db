// Package metrics exposes Prometheus collectors for admission decisions and
// ledger activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes.
const (
	OutcomeSelected = "selected"
	OutcomeNone     = "none_eligible"
	OutcomeError    = "error"
)

// Ledger operations.
const (
	OpRead      = "read"
	OpIncrement = "increment"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissions   *prometheus.CounterVec
	exclusions   *prometheus.CounterVec
	ledgerErrors *prometheus.CounterVec
	spendTotal   *prometheus.CounterVec
	spendCurrent *prometheus.GaugeVec
	readDuration prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_admissions_total",
				Help: "Total number of admission decisions by outcome",
			},
			[]string{"outcome"},
		),

		exclusions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_budget_exclusions_total",
				Help: "Total number of deployments excluded because their provider budget was exhausted",
			},
			[]string{"provider"},
		),

		ledgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_ledger_errors_total",
				Help: "Total number of failed ledger operations",
			},
			[]string{"operation"},
		),

		spendTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetgate_recorded_spend_usd_total",
				Help: "Spend in USD recorded by this instance",
			},
			[]string{"provider"},
		),

		spendCurrent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "budgetgate_provider_spend_usd",
				Help: "Last observed spend in USD for the current budget window",
			},
			[]string{"provider", "period"},
		),

		readDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "budgetgate_ledger_read_duration_seconds",
				Help:    "Duration of batched ledger reads in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~0.8s
			},
		),
	}
}

// RecordAdmission records the outcome of one admission decision.
func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// RecordExclusion records a deployment excluded for budget reasons.
func (m *Metrics) RecordExclusion(provider string) {
	if m == nil {
		return
	}
	m.exclusions.WithLabelValues(provider).Inc()
}

// RecordLedgerError records a failed ledger operation.
func (m *Metrics) RecordLedgerError(operation string) {
	if m == nil {
		return
	}
	m.ledgerErrors.WithLabelValues(operation).Inc()
}

// RecordSpend records spend attributed to a provider.
func (m *Metrics) RecordSpend(provider string, amount float64) {
	if m == nil {
		return
	}
	m.spendTotal.WithLabelValues(provider).Add(amount)
}

// ObserveSpend updates the last observed window spend of a provider.
func (m *Metrics) ObserveSpend(provider, period string, spend float64) {
	if m == nil {
		return
	}
	m.spendCurrent.WithLabelValues(provider, period).Set(spend)
}

// ObserveLedgerRead records the latency of a batched ledger read.
func (m *Metrics) ObserveLedgerRead(d time.Duration) {
	if m == nil {
		return
	}
	m.readDuration.Observe(d.Seconds())
}
