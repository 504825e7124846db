// Package tracker attributes completed request costs to provider budgets and
// raises threshold alerts as spend grows.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/alerts"
	"github.com/ogulcanaydogan/budgetgate/pkg/budget"
	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/ogulcanaydogan/budgetgate/pkg/metrics"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// Contract violations returned by Record.
var (
	ErrMissingProvider = errors.New("completion event has no provider")
	ErrMissingCost     = errors.New("completion event has no cost")
	ErrNegativeCost    = errors.New("completion event has negative cost")
	ErrInvalidCost     = errors.New("completion event cost is not a finite number")
)

// DefaultThresholdPct is the usage percentage that raises a warning alert.
const DefaultThresholdPct = 80.0

// Option configures a SpendRecorder.
type Option func(*SpendRecorder)

// WithNotifiers sets the alert notifiers.
func WithNotifiers(n ...alerts.Notifier) Option {
	return func(r *SpendRecorder) { r.notifiers = n }
}

// WithThresholdPct sets the warning threshold. Zero disables warnings;
// critical and exceeded alerts still fire.
func WithThresholdPct(pct float64) Option {
	return func(r *SpendRecorder) { r.thresholdPct = pct }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *SpendRecorder) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *SpendRecorder) { r.logger = l }
}

// SpendRecorder adds the cost of each completed request to its provider's
// ledger counter. It is safe for concurrent use.
type SpendRecorder struct {
	budgets      budget.Source
	ledger       ledger.Ledger
	notifiers    []alerts.Notifier
	thresholdPct float64
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewSpendRecorder creates a recorder writing to l for the budgets in budgets.
func NewSpendRecorder(budgets budget.Source, l ledger.Ledger, opts ...Option) *SpendRecorder {
	r := &SpendRecorder{
		budgets:      budgets,
		ledger:       l,
		thresholdPct: DefaultThresholdPct,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tracker.SpendRecorder")
	return r
}

// Record attributes ev's cost to its provider. Malformed events return an
// error. Providers without a budget are ignored. Ledger write failures are
// logged and dropped so the completion path never fails on them.
//
// Record is not idempotent: recording the same event twice counts it twice.
func (r *SpendRecorder) Record(ctx context.Context, ev model.CompletionEvent) error {
	if ev.Provider == "" {
		return ErrMissingProvider
	}
	if ev.Cost == nil {
		return fmt.Errorf("%w: provider %q", ErrMissingCost, ev.Provider)
	}
	cost := *ev.Cost
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return fmt.Errorf("%w: provider %q: %g", ErrInvalidCost, ev.Provider, cost)
	}
	if cost < 0 {
		return fmt.Errorf("%w: provider %q: %g", ErrNegativeCost, ev.Provider, cost)
	}

	def, ok := r.budgets.Lookup(ev.Provider)
	if !ok {
		r.logger.Debug("provider has no budget, spend not tracked",
			"provider", ev.Provider,
			"request_id", ev.RequestID,
		)
		return nil
	}

	total, err := r.ledger.IncrementSpend(ctx, def.Key(), cost, def.TTL)
	if err != nil {
		r.metrics.RecordLedgerError(metrics.OpIncrement)
		r.logger.Error("record provider spend",
			"provider", ev.Provider,
			"period", def.Period,
			"cost", cost,
			"request_id", ev.RequestID,
			"error", err,
		)
		return nil
	}

	r.metrics.RecordSpend(def.Provider, cost)
	r.metrics.ObserveSpend(def.Provider, def.Period, total)
	r.logger.Debug("recorded provider spend",
		"provider", ev.Provider,
		"cost", cost,
		"total", total,
		"request_id", ev.RequestID,
	)

	r.checkThresholds(ctx, def, total-cost, total)
	return nil
}

// checkThresholds dispatches an alert when an increment moves the provider
// into a more severe level.
func (r *SpendRecorder) checkThresholds(ctx context.Context, def model.BudgetDefinition, before, after float64) {
	prev := alerts.LevelFor(before, def.LimitUSD, r.thresholdPct)
	level := alerts.LevelFor(after, def.LimitUSD, r.thresholdPct)
	if level.Rank() <= prev.Rank() {
		return
	}

	pct := after / def.LimitUSD * 100
	alert := alerts.Alert{
		Level:         level,
		Provider:      def.Provider,
		Period:        def.Period,
		WindowSeconds: int64(def.TTL / time.Second),
		LimitUSD:      def.LimitUSD,
		CurrentSpend:  after,
		ThresholdPct:  r.thresholdPct,
		ObservedAt:    time.Now().UTC(),
		Message: fmt.Sprintf("Provider %q at %.1f%% of its %s budget ($%.2f / $%.2f)",
			def.Provider, pct, def.Period, after, def.LimitUSD),
	}

	r.logger.Warn("provider budget threshold crossed",
		"provider", def.Provider,
		"level", level,
		"pct", pct,
		"spend", after,
		"limit", def.LimitUSD,
	)

	for _, notifier := range r.notifiers {
		if err := notifier.Send(ctx, alert); err != nil {
			r.logger.Error("send alert failed",
				"notifier", notifier.Name(),
				"provider", def.Provider,
				"error", err,
			)
		}
	}
}

// Status reports current spend for every configured budget, sorted by
// provider. Unlike Record it returns ledger errors.
func (r *SpendRecorder) Status(ctx context.Context) ([]model.BudgetStatus, error) {
	defs := r.budgets.Providers()
	if len(defs) == 0 {
		return []model.BudgetStatus{}, nil
	}

	keys := make([]model.SpendKey, len(defs))
	for i, def := range defs {
		keys[i] = def.Key()
	}

	spends, err := r.ledger.BatchGetSpend(ctx, keys)
	if err != nil {
		r.metrics.RecordLedgerError(metrics.OpRead)
		return nil, fmt.Errorf("read provider spend: %w", err)
	}
	if len(spends) != len(keys) {
		return nil, fmt.Errorf("ledger returned %d values for %d keys", len(spends), len(keys))
	}

	statuses := make([]model.BudgetStatus, len(defs))
	for i, def := range defs {
		spend := spends[i]
		remaining := def.LimitUSD - spend
		if remaining < 0 {
			remaining = 0
		}
		statuses[i] = model.BudgetStatus{
			Provider:  def.Provider,
			Period:    def.Period,
			LimitUSD:  def.LimitUSD,
			SpendUSD:  spend,
			Remaining: remaining,
			UsagePct:  spend / def.LimitUSD * 100,
			Exhausted: spend >= def.LimitUSD,
		}
	}
	return statuses, nil
}
