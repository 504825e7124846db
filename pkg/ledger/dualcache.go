package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// DualCache puts a short-lived local mirror in front of a shared ledger.
//
// Reads are served from the mirror while an entry is younger than localTTL;
// the remaining keys are fetched from the shared ledger in one batch and
// mirrored. Increments always go to the shared ledger, and the returned
// total refreshes the mirror. The shared ledger remains the source of truth,
// so other instances' spend becomes visible within localTTL.
type DualCache struct {
	local    *Memory
	shared   Ledger
	localTTL time.Duration
}

// NewDualCache wraps shared with a local mirror. opts apply to the mirror.
func NewDualCache(shared Ledger, localTTL time.Duration, opts ...Option) *DualCache {
	return &DualCache{
		local:    NewMemory(opts...),
		shared:   shared,
		localTTL: localTTL,
	}
}

func (d *DualCache) BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	spends := make([]float64, len(keys))

	var missIdx []int
	var missKeys []model.SpendKey
	for i, key := range keys {
		if v, ok := d.local.get(key); ok {
			spends[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, key)
	}
	if len(missKeys) == 0 {
		return spends, nil
	}

	fetched, err := d.shared.BatchGetSpend(ctx, missKeys)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missKeys) {
		return nil, fmt.Errorf("shared ledger returned %d values for %d keys", len(fetched), len(missKeys))
	}
	for j, idx := range missIdx {
		spends[idx] = fetched[j]
		d.local.set(missKeys[j], fetched[j], d.localTTL)
	}
	return spends, nil
}

func (d *DualCache) IncrementSpend(ctx context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error) {
	total, err := d.shared.IncrementSpend(ctx, key, amount, ttl)
	if err != nil {
		d.local.delete(key)
		return 0, err
	}
	d.local.set(key, total, min(d.localTTL, ttl))
	return total, nil
}

// Sweep clears expired mirror entries and sweeps the shared ledger if it
// needs it.
func (d *DualCache) Sweep(ctx context.Context) (int, error) {
	removed, _ := d.local.Sweep(ctx)
	if s, ok := d.shared.(Sweepable); ok {
		n, err := s.Sweep(ctx)
		return removed + n, err
	}
	return removed, nil
}

// Shared returns the authoritative ledger behind the mirror.
func (d *DualCache) Shared() Ledger {
	return d.shared
}

func (d *DualCache) Close() error {
	return d.shared.Close()
}
