package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// ErrInvalidBudget is returned when a budget definition cannot be registered.
var ErrInvalidBudget = errors.New("invalid budget")

// Lookuper resolves the budget for a provider.
type Lookuper interface {
	// Lookup returns the budget for provider; false means the provider is unbounded.
	Lookup(provider string) (model.BudgetDefinition, bool)
}

// Source is a Lookuper that can also enumerate its budgets.
type Source interface {
	Lookuper
	Providers() []model.BudgetDefinition
}

// Registry maps providers to their budget. It is immutable after construction
// and safe to share between goroutines.
type Registry struct {
	budgets map[string]model.BudgetDefinition
}

// NewRegistry validates the definitions and builds a registry.
// Provider names are normalised and each definition's TTL is derived from its period.
func NewRegistry(defs []model.BudgetDefinition) (*Registry, error) {
	budgets := make(map[string]model.BudgetDefinition, len(defs))
	for _, def := range defs {
		def.Provider = model.NormalizeProvider(def.Provider)
		if def.Provider == "" {
			return nil, fmt.Errorf("%w: missing provider name", ErrInvalidBudget)
		}
		if _, exists := budgets[def.Provider]; exists {
			return nil, fmt.Errorf("%w: provider %q registered twice", ErrInvalidBudget, def.Provider)
		}
		if !(def.LimitUSD > 0) {
			return nil, fmt.Errorf("%w: provider %q: limit must be > 0, got %v", ErrInvalidBudget, def.Provider, def.LimitUSD)
		}
		ttl, err := model.PeriodTTL(def.Period)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", def.Provider, err)
		}
		def.TTL = ttl
		budgets[def.Provider] = def
	}
	return &Registry{budgets: budgets}, nil
}

// Lookup returns the budget for a provider. Names match case-insensitively.
func (r *Registry) Lookup(provider string) (model.BudgetDefinition, bool) {
	def, ok := r.budgets[model.NormalizeProvider(provider)]
	return def, ok
}

// Providers returns all budgets sorted by provider name.
func (r *Registry) Providers() []model.BudgetDefinition {
	defs := make([]model.BudgetDefinition, 0, len(r.budgets))
	for _, def := range r.budgets {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Provider < defs[j].Provider })
	return defs
}

// Len returns the number of budgeted providers.
func (r *Registry) Len() int {
	return len(r.budgets)
}

// Live holds the current registry and lets a config reload publish a new one.
// Published registries are never mutated; Swap replaces the pointer.
type Live struct {
	current atomic.Pointer[Registry]
}

// NewLive creates a Live holder publishing r.
func NewLive(r *Registry) *Live {
	l := &Live{}
	l.current.Store(r)
	return l
}

// Registry returns the currently published registry.
func (l *Live) Registry() *Registry {
	return l.current.Load()
}

// Swap publishes r and returns the previous registry.
func (l *Live) Swap(r *Registry) *Registry {
	return l.current.Swap(r)
}

// Lookup resolves against the currently published registry.
func (l *Live) Lookup(provider string) (model.BudgetDefinition, bool) {
	return l.current.Load().Lookup(provider)
}

// Providers lists the budgets of the currently published registry.
func (l *Live) Providers() []model.BudgetDefinition {
	return l.current.Load().Providers()
}
