package ledger_test

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweeper_RunOnce(t *testing.T) {
	clock := newFakeClock()
	m := ledger.NewMemory(ledger.WithClock(clock.Now))
	ctx := context.Background()

	_, err := m.IncrementSpend(ctx, openaiKey, 1, time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	s := ledger.NewSweeper(m, "@every 1m", testLogger())
	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.Equal(t, 0, s.RunOnce(ctx))
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := ledger.NewSweeper(ledger.NewMemory(), "not a schedule", testLogger())
	err := s.Start(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
}

func TestSweeper_EmptyScheduleDisabled(t *testing.T) {
	s := ledger.NewSweeper(ledger.NewMemory(), "", testLogger())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestSweeper_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := ledger.NewSweeper(ledger.NewMemory(), "@every 1h", testLogger())
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start")
	s.Stop()
	s.Stop()
}

func TestSweeper_StopReleasesWatcherWithoutCancel(t *testing.T) {
	before := runtime.NumGoroutine()

	s := ledger.NewSweeper(ledger.NewMemory(), "@every 1h", testLogger())
	for range 20 {
		require.NoError(t, s.Start(context.Background()))
		s.Stop()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweeper_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := ledger.NewSweeper(ledger.NewMemory(), "@every 1h", testLogger())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		return s.Start(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
