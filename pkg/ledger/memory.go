package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// Memory is a process-local Ledger. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	counters map[string]counter
	now      func() time.Time
}

type counter struct {
	spend     float64
	expiresAt time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		counters: make(map[string]counter),
		now:      o.now,
	}
}

func (m *Memory) BatchGetSpend(_ context.Context, keys []model.SpendKey) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	spends := make([]float64, len(keys))
	for i, key := range keys {
		if c, ok := m.liveLocked(key.String(), now); ok {
			spends[i] = c.spend
		}
	}
	return spends, nil
}

func (m *Memory) IncrementSpend(_ context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key.String()
	c, ok := m.liveLocked(k, now)
	if !ok {
		c = counter{expiresAt: now.Add(ttl)}
	}
	c.spend += amount
	m.counters[k] = c
	return c.spend, nil
}

// TTL reports the remaining lifetime of a live counter.
func (m *Memory) TTL(key model.SpendKey) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.liveLocked(key.String(), now)
	if !ok {
		return 0, false
	}
	return c.expiresAt.Sub(now), true
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	return nil
}

// get returns a live value without distinguishing it from a stored zero.
// Used by DualCache to tell a local hit from a miss.
func (m *Memory) get(key model.SpendKey) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.liveLocked(key.String(), m.now())
	return c.spend, ok
}

// set overwrites a value and its expiry. Only the DualCache mirror uses it;
// ledger counters themselves are never overwritten.
func (m *Memory) set(key model.SpendKey, spend float64, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key.String()] = counter{spend: spend, expiresAt: m.now().Add(ttl)}
}

func (m *Memory) delete(key model.SpendKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key.String())
}

// liveLocked returns the counter if it exists and has not expired.
// Caller must hold mu.
func (m *Memory) liveLocked(k string, now time.Time) (counter, bool) {
	c, ok := m.counters[k]
	if !ok {
		return counter{}, false
	}
	if !now.Before(c.expiresAt) {
		delete(m.counters, k)
		return counter{}, false
	}
	return c, true
}
