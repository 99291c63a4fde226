package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/policy"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func violation(t *testing.T, err error) *policy.ViolationError {
	t.Helper()
	var v *policy.ViolationError
	require.True(t, errors.As(err, &v), "expected ViolationError, got %v", err)
	return v
}

func TestCheck_DisabledEngineAllowsEverything(t *testing.T) {
	e := policy.NewEngine(policy.Config{})
	err := e.Check(context.Background(), policy.Request{ActionType: "claim", Subkey: "T"})
	assert.NoError(t, err)
}

func TestCheck_ActionBudget(t *testing.T) {
	clock := newFakeClock()
	e := policy.NewEngine(policy.Config{
		Enabled: true,
		ActionBudgets: []policy.ActionBudget{
			{Pattern: "claim:*", Limit: 2, WindowMs: 60_000},
		},
	}, policy.WithClock(clock.Now))

	req := policy.Request{Actor: "agent-1", ActionType: "claim", Subkey: "T1"}
	require.NoError(t, e.Check(context.Background(), req))
	require.NoError(t, e.Check(context.Background(), req))

	err := e.Check(context.Background(), req)
	v := violation(t, err)
	assert.Equal(t, "action_budget:claim:*", v.Rule)
	assert.Equal(t, "claim:T1", v.Action)

	// The window slides: after it elapses the budget refills.
	clock.Advance(61 * time.Second)
	assert.NoError(t, e.Check(context.Background(), req))
}

func TestCheck_ActionBudgetPatternScoping(t *testing.T) {
	e := policy.NewEngine(policy.Config{
		Enabled: true,
		ActionBudgets: []policy.ActionBudget{
			{Pattern: "complete:T9", Limit: 1, WindowMs: 60_000},
		},
	})

	// Non-matching keys are unlimited.
	other := policy.Request{ActionType: "complete", Subkey: "T1"}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Check(context.Background(), other))
	}

	scoped := policy.Request{ActionType: "complete", Subkey: "T9"}
	require.NoError(t, e.Check(context.Background(), scoped))
	assert.Error(t, e.Check(context.Background(), scoped))
}

func TestCheck_SpendBudget(t *testing.T) {
	clock := newFakeClock()
	e := policy.NewEngine(policy.Config{
		Enabled:     true,
		SpendBudget: &policy.SpendBudget{LimitLamports: 100, WindowMs: 60_000},
	}, policy.WithClock(clock.Now))

	ctx := context.Background()
	require.NoError(t, e.Check(ctx, policy.Request{ActionType: "execute", Subkey: "a", SpendLamports: 60}))
	require.NoError(t, e.Check(ctx, policy.Request{ActionType: "execute", Subkey: "b", SpendLamports: 40}))

	err := e.Check(ctx, policy.Request{ActionType: "execute", Subkey: "c", SpendLamports: 1})
	v := violation(t, err)
	assert.Equal(t, "spend_budget:100", v.Rule)
	assert.Equal(t, int64(0), v.Remaining)

	clock.Advance(61 * time.Second)
	assert.NoError(t, e.Check(ctx, policy.Request{ActionType: "execute", Subkey: "d", SpendLamports: 100}))
}

func TestCheck_RiskCeiling(t *testing.T) {
	max := 0.6
	e := policy.NewEngine(policy.Config{Enabled: true, MaxRiskScore: &max})

	low := 0.5
	assert.NoError(t, e.Check(context.Background(), policy.Request{ActionType: "claim", Subkey: "T", RiskScore: &low}))

	high := 0.7
	err := e.Check(context.Background(), policy.Request{ActionType: "claim", Subkey: "T", RiskScore: &high})
	v := violation(t, err)
	assert.Equal(t, "max_risk_score:0.6", v.Rule)
}

func TestCheck_CircuitBreakerSafeMode(t *testing.T) {
	clock := newFakeClock()
	mem := metrics.NewMemory()
	e := policy.NewEngine(policy.Config{
		Enabled: true,
		ActionBudgets: []policy.ActionBudget{
			{Pattern: "claim:*", Limit: 1, WindowMs: 600_000},
		},
		CircuitBreaker: policy.CircuitBreakerConfig{
			Enabled: true, Threshold: 2, WindowMs: 60_000, Mode: policy.ModeSafeMode,
		},
	}, policy.WithClock(clock.Now), policy.WithMetrics(mem))

	ctx := context.Background()
	req := policy.Request{ActionType: "claim", Subkey: "T", Write: true}
	require.NoError(t, e.Check(ctx, req))
	// Two violations trip the breaker.
	require.Error(t, e.Check(ctx, req))
	require.Error(t, e.Check(ctx, req))

	// Now even unrelated reads are rejected by the breaker.
	read := policy.Request{ActionType: "status", Subkey: "T"}
	v := violation(t, e.Check(ctx, read))
	assert.Equal(t, "circuit_breaker:safe_mode", v.Rule)
	assert.Equal(t, 1.0, mem.GaugeValue("agenc.policy.breaker_tripped", nil))

	// A full quiet window resets it.
	clock.Advance(61 * time.Second)
	assert.NoError(t, e.Check(ctx, read))
	assert.Equal(t, 0.0, mem.GaugeValue("agenc.policy.breaker_tripped", nil))
}

func TestCheck_CircuitBreakerDegradedAllowsReads(t *testing.T) {
	clock := newFakeClock()
	e := policy.NewEngine(policy.Config{
		Enabled: true,
		ActionBudgets: []policy.ActionBudget{
			{Pattern: "claim:*", Limit: 0, WindowMs: 600_000},
		},
		CircuitBreaker: policy.CircuitBreakerConfig{
			Enabled: true, Threshold: 1, WindowMs: 60_000, Mode: policy.ModeDegraded,
		},
	}, policy.WithClock(clock.Now))

	ctx := context.Background()
	require.Error(t, e.Check(ctx, policy.Request{ActionType: "claim", Subkey: "T", Write: true}))

	// Tripped: writes rejected, reads allowed.
	v := violation(t, e.Check(ctx, policy.Request{ActionType: "status", Subkey: "T", Write: true}))
	assert.Equal(t, "circuit_breaker:degraded", v.Rule)
	assert.NoError(t, e.Check(ctx, policy.Request{ActionType: "status", Subkey: "T"}))
}

func TestMemoryBuckets_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	b := policy.NewMemoryBuckets(clock.Now)
	ctx := context.Background()

	allowed, remaining, err := b.Allow(ctx, "k", 1000, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), remaining)

	_, _, err = b.Allow(ctx, "k", 1000, 2)
	require.NoError(t, err)

	allowed, _, err = b.Allow(ctx, "k", 1000, 2)
	require.NoError(t, err)
	assert.False(t, allowed)

	clock.Advance(1001 * time.Millisecond)
	allowed, _, err = b.Allow(ctx, "k", 1000, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemorySpendLedger_RejectedSpendNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := policy.NewMemorySpendLedger(clock.Now)
	ctx := context.Background()

	allowed, _, err := l.TrySpend(ctx, "spend", 80, 60_000, 100)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, remaining, err := l.TrySpend(ctx, "spend", 30, 60_000, 100)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, uint64(20), remaining)

	// The rejected 30 was not recorded; 20 still fits.
	allowed, _, err = l.TrySpend(ctx, "spend", 20, 60_000, 100)
	require.NoError(t, err)
	assert.True(t, allowed)
}
