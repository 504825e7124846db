package metrics_test

import (
	"testing"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordAdmission(metrics.OutcomeSelected)
	m.RecordAdmission(metrics.OutcomeSelected)
	m.RecordAdmission(metrics.OutcomeNone)
	m.RecordExclusion("anthropic")
	m.RecordLedgerError(metrics.OpRead)
	m.RecordSpend("openai", 12.5)
	m.ObserveSpend("openai", "1d", 52.5)
	m.ObserveLedgerRead(3 * time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]bool{}
	for _, f := range families {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"budgetgate_admissions_total",
		"budgetgate_budget_exclusions_total",
		"budgetgate_ledger_errors_total",
		"budgetgate_recorded_spend_usd_total",
		"budgetgate_provider_spend_usd",
		"budgetgate_ledger_read_duration_seconds",
	} {
		assert.True(t, got[name], name)
	}
	series, err := testutil.GatherAndCount(reg, "budgetgate_admissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
	assert.Equal(t, 2.0, counterValue(t, reg, "budgetgate_admissions_total", "outcome", metrics.OutcomeSelected))
	assert.Equal(t, 12.5, counterValue(t, reg, "budgetgate_recorded_spend_usd_total", "provider", "openai"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s=%q} not found", name, label, value)
	return 0
}

func TestMetrics_Nil(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(metrics.OutcomeError)
		m.RecordExclusion("openai")
		m.RecordLedgerError(metrics.OpIncrement)
		m.RecordSpend("openai", 1)
		m.ObserveSpend("openai", "1d", 1)
		m.ObserveLedgerRead(time.Millisecond)
	})
}
