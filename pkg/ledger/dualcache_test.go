package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLedger records calls made against the wrapped ledger.
type countingLedger struct {
	ledger.Ledger
	batchCalls   int
	lastBatch    []model.SpendKey
	incrementErr error
	readErr      error
}

func (c *countingLedger) BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	c.batchCalls++
	c.lastBatch = keys
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.Ledger.BatchGetSpend(ctx, keys)
}

func (c *countingLedger) IncrementSpend(ctx context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error) {
	if c.incrementErr != nil {
		return 0, c.incrementErr
	}
	return c.Ledger.IncrementSpend(ctx, key, amount, ttl)
}

func TestDualCache_ServesFromMirror(t *testing.T) {
	clock := newFakeClock()
	shared := &countingLedger{Ledger: ledger.NewMemory(ledger.WithClock(clock.Now))}
	d := ledger.NewDualCache(shared, time.Second, ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := shared.Ledger.IncrementSpend(ctx, openaiKey, 40, day)
	require.NoError(t, err)

	spends, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey, anthropicKey})
	require.NoError(t, err)
	assert.Equal(t, []float64{40, 0}, spends)
	assert.Equal(t, 1, shared.batchCalls)

	spends, err = d.BatchGetSpend(ctx, []model.SpendKey{openaiKey, anthropicKey})
	require.NoError(t, err)
	assert.Equal(t, []float64{40, 0}, spends)
	assert.Equal(t, 1, shared.batchCalls, "second read should be served locally")
}

func TestDualCache_MirrorExpires(t *testing.T) {
	clock := newFakeClock()
	shared := &countingLedger{Ledger: ledger.NewMemory(ledger.WithClock(clock.Now))}
	d := ledger.NewDualCache(shared, time.Second, ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)

	// Another instance writes to the shared ledger.
	_, err = shared.Ledger.IncrementSpend(ctx, openaiKey, 60, day)
	require.NoError(t, err)

	spends, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)
	assert.Zero(t, spends[0], "stale within the mirror ttl")

	clock.Advance(2 * time.Second)
	spends, err = d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)
	assert.Equal(t, 60.0, spends[0])
	assert.Equal(t, 2, shared.batchCalls)
}

func TestDualCache_FetchesOnlyMisses(t *testing.T) {
	clock := newFakeClock()
	shared := &countingLedger{Ledger: ledger.NewMemory(ledger.WithClock(clock.Now))}
	d := ledger.NewDualCache(shared, time.Minute, ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)

	_, err = d.BatchGetSpend(ctx, []model.SpendKey{openaiKey, anthropicKey})
	require.NoError(t, err)
	assert.Equal(t, []model.SpendKey{anthropicKey}, shared.lastBatch)
}

func TestDualCache_IncrementRefreshesMirror(t *testing.T) {
	clock := newFakeClock()
	shared := &countingLedger{Ledger: ledger.NewMemory(ledger.WithClock(clock.Now))}
	d := ledger.NewDualCache(shared, time.Minute, ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)

	total, err := d.IncrementSpend(ctx, openaiKey, 12.5, day)
	require.NoError(t, err)
	assert.Equal(t, 12.5, total)

	spends, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	require.NoError(t, err)
	assert.Equal(t, 12.5, spends[0])
	assert.Equal(t, 1, shared.batchCalls)
}

func TestDualCache_PropagatesErrors(t *testing.T) {
	storeDown := errors.New("store down")
	shared := &countingLedger{Ledger: ledger.NewMemory(), readErr: storeDown, incrementErr: storeDown}
	d := ledger.NewDualCache(shared, time.Minute)
	ctx := context.Background()

	_, err := d.BatchGetSpend(ctx, []model.SpendKey{openaiKey})
	assert.ErrorIs(t, err, storeDown)

	_, err = d.IncrementSpend(ctx, openaiKey, 1, day)
	assert.ErrorIs(t, err, storeDown)
}

func TestDualCache_SweepsShared(t *testing.T) {
	clock := newFakeClock()
	shared := ledger.NewMemory(ledger.WithClock(clock.Now))
	d := ledger.NewDualCache(shared, time.Second, ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := d.IncrementSpend(ctx, openaiKey, 1, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	removed, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "mirror entry and shared counter")
	assert.Same(t, ledger.Ledger(shared), d.Shared())
}
