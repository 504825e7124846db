// Package ledger stores per-provider spend counters that expire with their
// budget period.
//
// Every backend implements Ledger. Counters are keyed by model.SpendKey and
// created lazily by IncrementSpend with a TTL equal to the budget period.
// An increment on a live counter never re-arms its expiry, so a busy
// provider's window still rolls over. Reads of absent or expired counters
// return zero.
//
// Backends:
//
//   - Memory: process-local map. Single instance deployments and tests.
//   - SQLite: durable counters for a single node.
//   - Redis: shared counters visible to every router instance.
//   - DualCache: a short-lived Memory mirror in front of a shared backend.
//     The shared backend stays the source of truth.
package ledger

import (
	"context"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// Ledger is the spend counter store.
type Ledger interface {
	// BatchGetSpend returns the spend for each key, in request order, using a
	// single round trip to the store. Missing keys read as zero.
	BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error)

	// IncrementSpend atomically adds amount to the counter and returns the new
	// total. An absent counter is created with the given ttl; a live counter
	// keeps its existing expiry.
	IncrementSpend(ctx context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error)

	// Close releases resources.
	Close() error
}

// Sweepable is implemented by backends that must delete expired counters
// themselves because the store has no native key expiry.
type Sweepable interface {
	// Sweep deletes counters whose TTL has elapsed and reports how many.
	Sweep(ctx context.Context) (int, error)
}

// Option configures the Memory and SQLite backends.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used to compute expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
