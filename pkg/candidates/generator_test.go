package candidates_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/candidates"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

func testTask() task.Task {
	var id task.ID
	id[0] = 0xab
	return task.Task{ID: id, Type: task.TypeExclusive, MaxWorkers: 1}
}

// scriptedExecutor returns pre-programmed outputs in sequence.
type scriptedExecutor struct {
	outputs [][]int64
	calls   int
}

func (e *scriptedExecutor) Execute(ctx context.Context, t task.Task) ([]*big.Int, error) {
	if e.calls >= len(e.outputs) {
		return nil, errors.New("script exhausted")
	}
	raw := e.outputs[e.calls]
	e.calls++
	out := make([]*big.Int, len(raw))
	for i, v := range raw {
		out[i] = big.NewInt(v)
	}
	return out, nil
}

func TestGenerate_BoundedByMinOfLimits(t *testing.T) {
	exec := &scriptedExecutor{outputs: [][]int64{{1}, {2}, {3}, {4}}}
	cands, err := candidates.Generate(context.Background(), testTask(), exec,
		candidates.GeneratorConfig{Seed: "s", MaxCandidates: 4},
		candidates.PolicyBudget{MaxCandidates: 2},
	)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 2, exec.calls)
	assert.Equal(t, "cand-1", cands[0].ID)
	assert.Equal(t, "cand-2", cands[1].ID)
	assert.Equal(t, 1, cands[0].Attempt)
	assert.Equal(t, 2, cands[1].Attempt)
}

func TestGenerate_ZeroLimitProducesNothing(t *testing.T) {
	exec := &scriptedExecutor{outputs: [][]int64{{1}}}
	cands, err := candidates.Generate(context.Background(), testTask(), exec,
		candidates.GeneratorConfig{MaxCandidates: 0}, candidates.PolicyBudget{})
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.Equal(t, 0, exec.calls)
}

func TestGenerate_StopsAtCostBudget(t *testing.T) {
	exec := &scriptedExecutor{outputs: [][]int64{{1}, {2}, {3}}}
	// Each candidate costs 16 + 8*1 = 24 lamports at 1 lamport/token.
	cands, err := candidates.Generate(context.Background(), testTask(), exec,
		candidates.GeneratorConfig{MaxCandidates: 3},
		candidates.PolicyBudget{MaxExecutionCostLamports: 40},
	)
	require.NoError(t, err)
	// First candidate reaches 24, second reaches 48 >= 40, then generation stops.
	require.Len(t, cands, 2)
	assert.Equal(t, uint64(24), cands[0].CumulativeCost)
	assert.Equal(t, uint64(48), cands[1].CumulativeCost)
	assert.Equal(t, 2, exec.calls)
}

func TestGenerate_FingerprintDeterministic(t *testing.T) {
	run := func() []candidates.Candidate {
		exec := &scriptedExecutor{outputs: [][]int64{{11, 22}, {33}}}
		cands, err := candidates.Generate(context.Background(), testTask(), exec,
			candidates.GeneratorConfig{Seed: "19", MaxCandidates: 2}, candidates.PolicyBudget{})
		require.NoError(t, err)
		return cands
	}
	first := run()
	second := run()
	require.Len(t, first, 2)
	assert.Equal(t, first[0].Fingerprint, second[0].Fingerprint)
	assert.Equal(t, first[1].Fingerprint, second[1].Fingerprint)
	assert.NotEqual(t, first[0].Fingerprint, first[1].Fingerprint)
}

func TestGenerate_FingerprintBindsTaskID(t *testing.T) {
	out := []*big.Int{big.NewInt(7)}
	var a, b task.ID
	a[0] = 1
	b[0] = 2
	fa, err := candidates.Fingerprint(a, out)
	require.NoError(t, err)
	fb, err := candidates.Fingerprint(b, out)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestGenerate_Novelty(t *testing.T) {
	exec := &scriptedExecutor{outputs: [][]int64{{1, 2}, {1, 2}, {3, 4}}}
	cands, err := candidates.Generate(context.Background(), testTask(), exec,
		candidates.GeneratorConfig{MaxCandidates: 3}, candidates.PolicyBudget{})
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, 1.0, cands[0].Novelty)
	// Identical to candidate 1: zero distance to nearest.
	assert.Equal(t, 0.0, cands[1].Novelty)
	// Disjoint from both priors.
	assert.Equal(t, 1.0, cands[2].Novelty)
}

func TestGenerate_ExecutorErrorSurfaced(t *testing.T) {
	exec := &scriptedExecutor{outputs: [][]int64{{1}}}
	cands, err := candidates.Generate(context.Background(), testTask(), exec,
		candidates.GeneratorConfig{MaxCandidates: 3}, candidates.PolicyBudget{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt 2")
	// The successfully generated prefix is returned.
	assert.Len(t, cands, 1)
}

func TestGenerate_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := &scriptedExecutor{outputs: [][]int64{{1}}}
	cands, err := candidates.Generate(ctx, testTask(), exec,
		candidates.GeneratorConfig{MaxCandidates: 1}, candidates.PolicyBudget{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, cands)
}
