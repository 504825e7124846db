package admission_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/admission"
	"github.com/ogulcanaydogan/budgetgate/pkg/budget"
	"github.com/ogulcanaydogan/budgetgate/pkg/deployment"
	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var errStoreDown = errors.New("store down")

// stubLedger wraps a Memory ledger and records BatchGetSpend calls.
type stubLedger struct {
	*ledger.Memory
	mu      sync.Mutex
	batches [][]model.SpendKey
	readErr error
	block   chan struct{}
}

func newStubLedger() *stubLedger {
	return &stubLedger{Memory: ledger.NewMemory()}
}

func (s *stubLedger) BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	s.mu.Lock()
	s.batches = append(s.batches, keys)
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Memory.BatchGetSpend(ctx, keys)
}

func (s *stubLedger) calls() [][]model.SpendKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func (s *stubLedger) seed(t *testing.T, provider string, spend float64) {
	t.Helper()
	_, err := s.Memory.IncrementSpend(context.Background(), model.SpendKey{Provider: provider, Period: "1d"}, spend, day)
	require.NoError(t, err)
}

func newRegistry(t *testing.T) *budget.Registry {
	t.Helper()
	r, err := budget.NewRegistry([]model.BudgetDefinition{
		{Provider: "openai", LimitUSD: 100, Period: "1d"},
		{Provider: "anthropic", LimitUSD: 50, Period: "1d"},
	})
	require.NoError(t, err)
	return r
}

func newClassifier(t *testing.T) *deployment.Classifier {
	t.Helper()
	c, err := deployment.NewClassifier(nil, nil)
	require.NoError(t, err)
	return c
}

func newFilter(t *testing.T, l ledger.Ledger, cfg admission.Config, opts ...admission.Option) *admission.Filter {
	t.Helper()
	return admission.NewFilter(newRegistry(t), l, newClassifier(t), cfg, opts...)
}

func dep(id, provider string) model.Deployment {
	return model.Deployment{ID: id, Model: "m-" + id, Provider: provider}
}

func TestSelect_ExcludesExhaustedProvider(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "openai", 40)
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{})

	candidates := []model.Deployment{
		dep("openai-1", "openai"),
		dep("openai-2", "openai"),
		dep("anthropic-1", "anthropic"),
	}

	picked := map[string]int{}
	for range 200 {
		d, err := f.Select(context.Background(), candidates)
		require.NoError(t, err)
		require.NotNil(t, d)
		picked[d.ID]++
	}
	assert.Zero(t, picked["anthropic-1"])
	assert.Positive(t, picked["openai-1"])
	assert.Positive(t, picked["openai-2"])
}

func TestSelect_SpendEqualToLimitIsExcluded(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{dep("a", "anthropic")})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSelect_SpendBelowLimitIsAdmitted(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 49.99)
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{dep("a", "anthropic")})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.ID)
}

func TestSelect_MixedCaseProviderIsBudgeted(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{
		dep("a1", "Anthropic"),
		dep("a2", "ANTHROPIC"),
	})
	require.NoError(t, err)
	assert.Nil(t, d)

	calls := l.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []model.SpendKey{{Provider: "anthropic", Period: "1d"}}, calls[0])
}

func TestSelect_UnbudgetedAlwaysEligible(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "azure", 1e9)
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{dep("z", "azure")})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "z", d.ID)
	assert.Empty(t, l.calls(), "unbudgeted providers need no ledger lookup")
}

func TestSelect_UnbudgetedEligibleWhenLedgerFailsClosed(t *testing.T) {
	l := newStubLedger()
	l.readErr = errStoreDown
	f := newFilter(t, l, admission.Config{ReadFailurePolicy: admission.FailClosed})

	d, err := f.Select(context.Background(), []model.Deployment{dep("o", "openai"), dep("z", "azure")})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "z", d.ID)
}

func TestSelect_AllOverBudget(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "openai", 150)
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{
		dep("o1", "openai"), dep("o2", "openai"), dep("a1", "anthropic"),
	})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSelect_NoCandidates(t *testing.T) {
	l := newStubLedger()
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Empty(t, l.calls())
}

func TestEvaluate_OneLookupPerDistinctKey(t *testing.T) {
	l := newStubLedger()
	f := newFilter(t, l, admission.Config{})

	var candidates []model.Deployment
	for range 5 {
		candidates = append(candidates, dep("o", "openai"))
	}
	for range 3 {
		candidates = append(candidates, dep("a", "anthropic"))
	}
	candidates = append(candidates, dep("z1", "azure"), dep("z2", "azure"))

	_, err := f.Evaluate(context.Background(), candidates)
	require.NoError(t, err)

	calls := l.calls()
	require.Len(t, calls, 1, "one batched read per request")
	assert.ElementsMatch(t, []model.SpendKey{
		{Provider: "openai", Period: "1d"},
		{Provider: "anthropic", Period: "1d"},
	}, calls[0])
}

func TestEvaluate_Decision(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "openai", 40)
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{})

	decision, err := f.Evaluate(context.Background(), []model.Deployment{
		dep("o1", "openai"), dep("a1", "anthropic"), dep("z1", "azure"),
	})
	require.NoError(t, err)

	assert.False(t, decision.ReadFailed)
	assert.Equal(t, map[string]float64{"openai": 40, "anthropic": 50}, decision.Spend)
	require.Len(t, decision.Eligible, 2)
	assert.Equal(t, "o1", decision.Eligible[0].ID)
	assert.Equal(t, "z1", decision.Eligible[1].ID)

	require.Len(t, decision.Excluded, 1)
	assert.Equal(t, admission.Exclusion{
		Deployment: dep("a1", "anthropic"),
		Provider:   "anthropic",
		Reason:     admission.ReasonBudgetExhausted,
		SpendUSD:   50,
		LimitUSD:   50,
	}, decision.Excluded[0])
	require.NotNil(t, decision.Selected)
}

func TestSelect_ClassificationErrorPropagates(t *testing.T) {
	l := newStubLedger()
	f := newFilter(t, l, admission.Config{})

	_, err := f.Select(context.Background(), []model.Deployment{
		dep("o1", "openai"),
		{ID: "broken", Model: "no-provider-model"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, deployment.ErrUnresolvedProvider)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, l.calls())
}

func TestSelect_FailOpen(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 50)
	l.readErr = errStoreDown
	f := newFilter(t, l, admission.Config{ReadFailurePolicy: admission.FailOpen})

	decision, err := f.Evaluate(context.Background(), []model.Deployment{dep("a", "anthropic")})
	require.NoError(t, err)
	assert.True(t, decision.ReadFailed)
	require.NotNil(t, decision.Selected, "unknown spend is treated as zero")
	assert.Equal(t, "a", decision.Selected.ID)
}

func TestSelect_DefaultPolicyIsFailOpen(t *testing.T) {
	l := newStubLedger()
	l.readErr = errStoreDown
	f := newFilter(t, l, admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{dep("o", "openai")})
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestSelect_FailClosed(t *testing.T) {
	l := newStubLedger()
	l.readErr = errStoreDown
	f := newFilter(t, l, admission.Config{ReadFailurePolicy: admission.FailClosed})

	decision, err := f.Evaluate(context.Background(), []model.Deployment{dep("o", "openai"), dep("a", "anthropic")})
	require.NoError(t, err)
	assert.True(t, decision.ReadFailed)
	assert.Nil(t, decision.Selected)
	require.Len(t, decision.Excluded, 2)
	for _, ex := range decision.Excluded {
		assert.Equal(t, admission.ReasonSpendUnknown, ex.Reason)
	}
}

func TestSelect_ReadTimeoutAppliesPolicy(t *testing.T) {
	l := newStubLedger()
	l.block = make(chan struct{})
	defer close(l.block)
	f := newFilter(t, l, admission.Config{
		ReadTimeout:       20 * time.Millisecond,
		ReadFailurePolicy: admission.FailClosed,
	})

	start := time.Now()
	decision, err := f.Evaluate(context.Background(), []model.Deployment{dep("o", "openai"), dep("z", "azure")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, decision.ReadFailed)
	require.NotNil(t, decision.Selected)
	assert.Equal(t, "z", decision.Selected.ID)
}

func TestSelect_CancelledContext(t *testing.T) {
	l := newStubLedger()
	l.block = make(chan struct{})
	defer close(l.block)
	f := newFilter(t, l, admission.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Select(ctx, []model.Deployment{dep("o", "openai")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelect_DeterministicWithSeed(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{}, admission.WithRand(rand.New(rand.NewPCG(7, 11))))

	candidates := []model.Deployment{
		dep("o1", "openai"), dep("a1", "anthropic"), dep("o2", "openai"), dep("z1", "azure"),
	}
	eligible := []string{"o1", "o2", "z1"}

	mirror := rand.New(rand.NewPCG(7, 11))
	for range 20 {
		d, err := f.Select(context.Background(), candidates)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, eligible[mirror.IntN(len(eligible))], d.ID)
	}
}

func TestSelect_ConcurrentUse(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "anthropic", 50)
	f := newFilter(t, l, admission.Config{ReadTimeout: time.Second})

	candidates := []model.Deployment{dep("o1", "openai"), dep("a1", "anthropic")}
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.Select(context.Background(), candidates)
			assert.NoError(t, err)
			if assert.NotNil(t, d) {
				assert.Equal(t, "o1", d.ID)
			}
		}()
	}
	wg.Wait()
}

func TestSelect_LiveRegistrySwap(t *testing.T) {
	l := newStubLedger()
	l.seed(t, "openai", 40)
	live := budget.NewLive(newRegistry(t))
	f := admission.NewFilter(live, l, newClassifier(t), admission.Config{})

	d, err := f.Select(context.Background(), []model.Deployment{dep("o", "openai")})
	require.NoError(t, err)
	require.NotNil(t, d)

	tighter, err := budget.NewRegistry([]model.BudgetDefinition{{Provider: "openai", LimitUSD: 40, Period: "1d"}})
	require.NoError(t, err)
	live.Swap(tighter)

	d, err = f.Select(context.Background(), []model.Deployment{dep("o", "openai")})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestParseReadFailurePolicy(t *testing.T) {
	p, err := admission.ParseReadFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, admission.FailOpen, p)

	p, err = admission.ParseReadFailurePolicy("closed")
	require.NoError(t, err)
	assert.Equal(t, admission.FailClosed, p)

	_, err = admission.ParseReadFailurePolicy("sometimes")
	assert.Error(t, err)
}
