package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPeriod is returned for budget periods not written as "<n>d".
var ErrInvalidPeriod = errors.New("invalid budget period")

// BudgetDefinition bounds the spend attributed to one provider per period.
type BudgetDefinition struct {
	Provider string        `json:"provider" yaml:"provider"`
	LimitUSD float64       `json:"limit_usd" yaml:"limit"`
	Period   string        `json:"period" yaml:"period"`
	TTL      time.Duration `json:"-" yaml:"-"`
}

// Key returns the ledger key that tracks spend for this budget.
func (b BudgetDefinition) Key() SpendKey {
	return SpendKey{Provider: b.Provider, Period: b.Period}
}

// Deployment is one routable target as handed over by the router.
type Deployment struct {
	ID       string            `json:"id" yaml:"id"`
	Model    string            `json:"model" yaml:"model"`
	Provider string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	APIBase  string            `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SpendKey identifies a spend counter in the ledger.
type SpendKey struct {
	Provider string
	Period   string
}

// String renders the key in the ledger store format.
func (k SpendKey) String() string {
	return "provider_spend:" + k.Provider + ":" + k.Period
}

// CompletionEvent carries the cost of one completed, billable request.
// Cost is nil when the cost pipeline produced no value.
type CompletionEvent struct {
	RequestID string   `json:"request_id,omitempty"`
	Provider  string   `json:"provider"`
	Cost      *float64 `json:"cost"`
}

// BudgetStatus is a point-in-time view of one provider budget.
type BudgetStatus struct {
	Provider  string  `json:"provider"`
	Period    string  `json:"period"`
	LimitUSD  float64 `json:"limit_usd"`
	SpendUSD  float64 `json:"spend_usd"`
	Remaining float64 `json:"remaining_usd"`
	UsagePct  float64 `json:"usage_pct"`
	Exhausted bool    `json:"exhausted"`
}

// maxPeriodDays is the longest period whose TTL still fits in a time.Duration.
const maxPeriodDays = math.MaxInt64 / int64(24*time.Hour)

// PeriodToSeconds converts a period such as "1d" or "30d" to seconds.
// The day count must be plain decimal digits.
func PeriodToSeconds(period string) (int64, error) {
	days, ok := strings.CutSuffix(period, "d")
	if !ok {
		return 0, fmt.Errorf("%w: %q: expected <days>d", ErrInvalidPeriod, period)
	}
	if days == "" || strings.IndexFunc(days, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, fmt.Errorf("%w: %q: day count must be a positive integer", ErrInvalidPeriod, period)
	}
	n, err := strconv.ParseInt(days, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q: day count must be a positive integer", ErrInvalidPeriod, period)
	}
	if n > maxPeriodDays {
		return 0, fmt.Errorf("%w: %q: at most %d days", ErrInvalidPeriod, period, maxPeriodDays)
	}
	return n * 24 * 60 * 60, nil
}

// NormalizeProvider canonicalises a provider name for budget lookup.
// Config keys arrive lowercased, so every other source is folded to match.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// PeriodTTL is PeriodToSeconds expressed as a duration.
func PeriodTTL(period string) (time.Duration, error) {
	secs, err := PeriodToSeconds(period)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
