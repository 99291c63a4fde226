package risk_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/risk"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

var now = time.Unix(1_700_000_000, 0)

func baseTask() task.Task {
	return task.Task{
		Type:       task.TypeExclusive,
		MaxWorkers: 1,
	}
}

func TestScore_ZeroTaskIsLowTier(t *testing.T) {
	a := risk.Score(baseTask(), risk.Context{Now: now}, nil)
	assert.Equal(t, risk.TierLow, a.Tier)
	assert.Less(t, a.Score, 0.3)
}

func TestScore_RewardSignalIsLogScaled(t *testing.T) {
	a := risk.Score(baseTask(), risk.Context{Now: now}, nil)
	assert.Equal(t, 0.0, a.Features[risk.FeatureReward])

	tk := baseTask()
	tk.RewardLamports = 999_999_999 // log10(1e9)/9 == 1
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.InDelta(t, 1.0, a.Features[risk.FeatureReward], 1e-6)
}

func TestScore_DeadlineSignal(t *testing.T) {
	tk := baseTask()

	// No deadline.
	a := risk.Score(tk, risk.Context{Now: now}, nil)
	assert.Equal(t, 0.0, a.Features[risk.FeatureDeadline])

	// Deadline passed.
	tk.DeadlineSeconds = now.Unix() - 10
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.Equal(t, 1.0, a.Features[risk.FeatureDeadline])

	// Half a day remaining.
	tk.DeadlineSeconds = now.Unix() + 43200
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.InDelta(t, 0.5, a.Features[risk.FeatureDeadline], 1e-6)

	// More than a day remaining clamps to 0.
	tk.DeadlineSeconds = now.Unix() + 3*86400
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.Equal(t, 0.0, a.Features[risk.FeatureDeadline])
}

func TestScore_ClaimPressure(t *testing.T) {
	tk := baseTask()
	tk.MaxWorkers = 4
	tk.CurrentClaims = 2
	a := risk.Score(tk, risk.Context{Now: now}, nil)
	assert.InDelta(t, 0.5, a.Features[risk.FeatureClaimPressure], 1e-6)

	tk.CurrentClaims = 9 // overcommitted, clamps to 1
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.Equal(t, 1.0, a.Features[risk.FeatureClaimPressure])

	tk.MaxWorkers = 0 // denominator floor of 1
	tk.CurrentClaims = 1
	a = risk.Score(tk, risk.Context{Now: now}, nil)
	assert.Equal(t, 1.0, a.Features[risk.FeatureClaimPressure])
}

func TestScore_TaskTypeDefaults(t *testing.T) {
	for tt, want := range map[task.Type]float64{
		task.TypeExclusive:     0.3,
		task.TypeCollaborative: 0.5,
		task.TypeCompetitive:   0.75,
	} {
		tk := baseTask()
		tk.Type = tt
		a := risk.Score(tk, risk.Context{Now: now}, nil)
		assert.Equal(t, want, a.Features[risk.FeatureTaskType], "type %s", tt)
	}
}

func TestScore_TaskTypeOverride(t *testing.T) {
	cfg := &risk.Config{TaskTypeSignals: map[task.Type]float64{task.TypeExclusive: 0.9}}
	a := risk.Score(baseTask(), risk.Context{Now: now}, cfg)
	assert.Equal(t, 0.9, a.Features[risk.FeatureTaskType])
}

func TestScore_ExternalRatesClamped(t *testing.T) {
	a := risk.Score(baseTask(), risk.Context{
		Now:                      now,
		VerifierDisagreementRate: 1.7,
		RollbackRate:             -0.3,
	}, nil)
	assert.Equal(t, 1.0, a.Features[risk.FeatureVerifierDisagreement])
	assert.Equal(t, 0.0, a.Features[risk.FeatureRollback])
}

func TestScore_NegativeWeightsCoerced(t *testing.T) {
	w := risk.Weights{Reward: -1, TaskType: 1}
	a := risk.Score(baseTask(), risk.Context{Now: now}, &risk.Config{Weights: &w})
	// Only taskType carries weight, so score equals its signal.
	assert.InDelta(t, 0.3, a.Score, 1e-6)
	assert.Equal(t, 0.0, a.Contributions[risk.FeatureReward])
}

func TestScore_AllZeroWeights(t *testing.T) {
	w := risk.Weights{}
	a := risk.Score(baseTask(), risk.Context{Now: now}, &risk.Config{Weights: &w})
	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, risk.TierLow, a.Tier)
}

func TestScore_TierBoundaries(t *testing.T) {
	medium := 0.3
	high := 0.5
	cfg := &risk.Config{MediumThreshold: &medium, HighThreshold: &high}

	// Competitive + heavy pressure lands high.
	tk := baseTask()
	tk.Type = task.TypeCompetitive
	tk.CurrentClaims = 5
	tk.MaxWorkers = 1
	tk.DeadlineSeconds = now.Unix() - 1
	a := risk.Score(tk, risk.Context{Now: now, VerifierDisagreementRate: 1, RollbackRate: 1}, cfg)
	assert.Equal(t, risk.TierHigh, a.Tier)
	assert.GreaterOrEqual(t, a.Score, high)
}

func TestScore_ThresholdsClampedToUnit(t *testing.T) {
	medium := -2.0
	high := 3.0
	cfg := &risk.Config{MediumThreshold: &medium, HighThreshold: &high}
	a := risk.Score(baseTask(), risk.Context{Now: now}, cfg)
	assert.Equal(t, 0.0, a.Thresholds.Medium)
	assert.Equal(t, 1.0, a.Thresholds.High)
	// Score >= 0 == medium threshold, so the floor tier is medium here.
	assert.Equal(t, risk.TierMedium, a.Tier)
}

func TestScore_ContributionsSumToWeightedScore(t *testing.T) {
	tk := baseTask()
	tk.Type = task.TypeCompetitive
	tk.RewardLamports = 5000
	a := risk.Score(tk, risk.Context{Now: now, RollbackRate: 0.4}, nil)

	var sum float64
	for _, c := range a.Contributions {
		sum += c
	}
	require.False(t, math.IsNaN(sum))
	assert.InDelta(t, a.Score, sum/1.0, 1e-9) // default weights sum to 1
}

func TestScore_Deterministic(t *testing.T) {
	tk := baseTask()
	tk.RewardLamports = 12345
	tk.DeadlineSeconds = now.Unix() + 1000
	ctx := risk.Context{Now: now, VerifierDisagreementRate: 0.2, RollbackRate: 0.1}

	a1 := risk.Score(tk, ctx, nil)
	a2 := risk.Score(tk, ctx, nil)
	assert.Equal(t, a1, a2)
}
