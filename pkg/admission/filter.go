// Package admission decides which deployments may receive a request given
// their providers' spend budgets.
//
// The filter is optimistic: it reads current spend, admits every deployment
// whose provider is still under its limit, and picks one uniformly at random.
// Admission is not transactional with spend recording, so concurrent
// requests admitted near the limit can overshoot it.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/budget"
	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/ogulcanaydogan/budgetgate/pkg/metrics"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// RandSource picks an index in [0, n). *rand.Rand from math/rand/v2
// satisfies it; tests can pass a seeded one for reproducible selection.
type RandSource interface {
	IntN(n int) int
}

// globalRand uses the math/rand/v2 top-level source, which is safe for
// concurrent use.
type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// ProviderResolver maps a deployment to its provider.
type ProviderResolver interface {
	ProviderOf(d model.Deployment) (string, error)
}

// Exclusion reasons.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonSpendUnknown    = "spend_unknown"
)

// Exclusion describes a deployment removed from the candidate set.
type Exclusion struct {
	Deployment model.Deployment `json:"deployment"`
	Provider   string           `json:"provider"`
	Reason     string           `json:"reason"`
	SpendUSD   float64          `json:"spend_usd"`
	LimitUSD   float64          `json:"limit_usd"`
}

// Decision is the outcome of evaluating one candidate list.
type Decision struct {
	// Selected is nil when no candidate is eligible.
	Selected *model.Deployment  `json:"selected"`
	Eligible []model.Deployment `json:"eligible"`
	Excluded []Exclusion        `json:"excluded"`
	// Spend holds the spend read for each budgeted provider.
	Spend map[string]float64 `json:"spend"`
	// ReadFailed reports that the ledger read failed and ReadFailurePolicy
	// decided the outcome for budgeted providers.
	ReadFailed bool `json:"read_failed"`
}

// Config controls ledger reads on the admission path.
type Config struct {
	// ReadTimeout bounds each batched ledger read. Zero means no bound
	// beyond the caller's context.
	ReadTimeout time.Duration
	// ReadFailurePolicy decides admission when the ledger read fails.
	ReadFailurePolicy ReadFailurePolicy
}

// Option configures a Filter.
type Option func(*Filter)

// WithRand sets the random source used for selection.
func WithRand(r RandSource) Option {
	return func(f *Filter) { f.rand = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// Filter is the budget-aware admission filter. It holds no per-request state
// and is safe for concurrent use.
type Filter struct {
	budgets  budget.Lookuper
	ledger   ledger.Ledger
	resolver ProviderResolver
	cfg      Config
	rand     RandSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewFilter creates a filter over the given budgets, ledger, and resolver.
func NewFilter(budgets budget.Lookuper, l ledger.Ledger, resolver ProviderResolver, cfg Config, opts ...Option) *Filter {
	if cfg.ReadFailurePolicy == "" {
		cfg.ReadFailurePolicy = FailOpen
	}
	f := &Filter{
		budgets:  budgets,
		ledger:   l,
		resolver: resolver,
		cfg:      cfg,
		rand:     globalRand{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "admission.Filter")
	return f
}

// Select returns one eligible deployment chosen uniformly at random, or nil
// when none is eligible. A nil deployment with a nil error is a normal
// outcome; errors are reserved for classification and context failures.
func (f *Filter) Select(ctx context.Context, candidates []model.Deployment) (*model.Deployment, error) {
	decision, err := f.Evaluate(ctx, candidates)
	if err != nil {
		return nil, err
	}
	return decision.Selected, nil
}

// Evaluate classifies candidates, reads spend for every distinct budgeted
// provider in one batch, applies the budget predicate, and selects.
func (f *Filter) Evaluate(ctx context.Context, candidates []model.Deployment) (*Decision, error) {
	providers := make([]string, len(candidates))
	budgets := make(map[string]model.BudgetDefinition)
	seen := make(map[string]bool)
	var order []string
	var keys []model.SpendKey

	for i, d := range candidates {
		provider, err := f.resolver.ProviderOf(d)
		if err != nil {
			f.metrics.RecordAdmission(metrics.OutcomeError)
			return nil, fmt.Errorf("classify deployment %q: %w", d.ID, err)
		}
		providers[i] = provider

		if seen[provider] {
			continue
		}
		seen[provider] = true
		if def, ok := f.budgets.Lookup(provider); ok {
			budgets[provider] = def
			order = append(order, provider)
			keys = append(keys, def.Key())
		}
	}

	decision := &Decision{
		Eligible: make([]model.Deployment, 0, len(candidates)),
		Spend:    make(map[string]float64, len(keys)),
	}

	if len(keys) > 0 {
		spends, err := f.readSpend(ctx, keys)
		if err != nil {
			if ctx.Err() != nil {
				f.metrics.RecordAdmission(metrics.OutcomeError)
				return nil, fmt.Errorf("read provider spend: %w", ctx.Err())
			}
			f.metrics.RecordLedgerError(metrics.OpRead)
			f.logger.Warn("ledger read failed, applying read failure policy",
				"policy", f.cfg.ReadFailurePolicy,
				"providers", order,
				"error", err,
			)
			decision.ReadFailed = true
			if f.cfg.ReadFailurePolicy == FailOpen {
				for _, provider := range order {
					decision.Spend[provider] = 0
				}
			}
		} else {
			for j, provider := range order {
				decision.Spend[provider] = spends[j]
				f.metrics.ObserveSpend(provider, budgets[provider].Period, spends[j])
			}
		}
	}

	for i, d := range candidates {
		provider := providers[i]
		def, budgeted := budgets[provider]
		if !budgeted {
			decision.Eligible = append(decision.Eligible, d)
			continue
		}

		if decision.ReadFailed && f.cfg.ReadFailurePolicy == FailClosed {
			decision.Excluded = append(decision.Excluded, Exclusion{
				Deployment: d,
				Provider:   provider,
				Reason:     ReasonSpendUnknown,
				LimitUSD:   def.LimitUSD,
			})
			continue
		}

		spend := decision.Spend[provider]
		if spend >= def.LimitUSD {
			f.logger.Debug("deployment excluded, provider budget exhausted",
				"deployment", d.ID,
				"provider", provider,
				"spend", spend,
				"limit", def.LimitUSD,
			)
			f.metrics.RecordExclusion(provider)
			decision.Excluded = append(decision.Excluded, Exclusion{
				Deployment: d,
				Provider:   provider,
				Reason:     ReasonBudgetExhausted,
				SpendUSD:   spend,
				LimitUSD:   def.LimitUSD,
			})
			continue
		}
		decision.Eligible = append(decision.Eligible, d)
	}

	f.logger.Debug("filtered deployments by provider budget",
		"total", len(candidates),
		"eligible", len(decision.Eligible),
		"excluded", len(decision.Excluded),
	)

	if len(decision.Eligible) == 0 {
		f.metrics.RecordAdmission(metrics.OutcomeNone)
		return decision, nil
	}

	selected := decision.Eligible[f.rand.IntN(len(decision.Eligible))]
	decision.Selected = &selected
	f.metrics.RecordAdmission(metrics.OutcomeSelected)
	return decision, nil
}

// readSpend performs the batched read bounded by ReadTimeout. The read runs
// in its own goroutine so a backend that ignores ctx cannot block the caller
// past the deadline.
func (f *Filter) readSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	readCtx := ctx
	if f.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, f.cfg.ReadTimeout)
		defer cancel()
	}

	type result struct {
		spends []float64
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		spends, err := f.ledger.BatchGetSpend(readCtx, keys)
		done <- result{spends: spends, err: err}
	}()

	select {
	case r := <-done:
		f.metrics.ObserveLedgerRead(time.Since(start))
		if r.err != nil {
			return nil, r.err
		}
		if len(r.spends) != len(keys) {
			return nil, fmt.Errorf("ledger returned %d values for %d keys", len(r.spends), len(keys))
		}
		return r.spends, nil
	case <-readCtx.Done():
		f.metrics.ObserveLedgerRead(time.Since(start))
		return nil, fmt.Errorf("ledger read: %w", readCtx.Err())
	}
}
