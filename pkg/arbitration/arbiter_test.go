package arbitration_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/arbitration"
	"github.com/agenc-labs/agenc-core/pkg/candidates"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

func cand(id string, attempt int, novelty float64, values ...int64) candidates.Candidate {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return candidates.Candidate{ID: id, Attempt: attempt, Novelty: novelty, Output: out}
}

func detect(cands []candidates.Candidate) candidates.DetectionResult {
	return candidates.Detect(task.ID{}, cands, candidates.DetectorConfig{}, nil)
}

func floatPtr(v float64) *float64 { return &v }

func TestArbitrate_NoCandidatesEscalates(t *testing.T) {
	d := arbitration.Arbitrate(nil, candidates.DetectionResult{}, arbitration.Config{})
	assert.True(t, d.Escalated())
	assert.Equal(t, arbitration.EscalateNoCandidates, d.Reason)
}

func TestArbitrate_SingleCandidateSelected(t *testing.T) {
	cands := []candidates.Candidate{cand("cand-1", 1, 1, 42)}
	d := arbitration.Arbitrate(cands, detect(cands), arbitration.Config{Seed: "s"})

	require.False(t, d.Escalated())
	assert.Equal(t, "cand-1", d.Selected.ID)
	require.Len(t, d.Ranking, 1)
	assert.Equal(t, 1.0, d.Ranking[0].Features["consistency"])
}

func TestArbitrate_DisagreementCountThresholdEscalates(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 1, 11),
		cand("cand-2", 2, 1, 22),
	}
	cfg := arbitration.Config{
		Seed:       "19",
		Escalation: arbitration.EscalationConfig{MaxPairwiseDisagreements: floatPtr(1)},
	}
	d := arbitration.Arbitrate(cands, detect(cands), cfg)

	assert.True(t, d.Escalated())
	assert.Equal(t, arbitration.EscalateDisagreementThreshold, d.Reason)
	assert.Len(t, d.Ranking, 2) // ranking still attached for explainability
	assert.Equal(t, 1, d.Metadata["totalDisagreements"])
}

func TestArbitrate_DisagreementRateThresholdEscalates(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 1, 11),
		cand("cand-2", 2, 1, 22),
	}
	cfg := arbitration.Config{
		Escalation: arbitration.EscalationConfig{MaxDisagreementRate: floatPtr(0.5)},
	}
	d := arbitration.Arbitrate(cands, detect(cands), cfg)
	assert.True(t, d.Escalated())
	assert.Equal(t, arbitration.EscalateDisagreementThreshold, d.Reason)
}

func TestArbitrate_ThresholdNotReachedSelects(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 1, 5),
		cand("cand-2", 2, 0, 5),
	}
	cfg := arbitration.Config{
		Escalation: arbitration.EscalationConfig{MaxPairwiseDisagreements: floatPtr(1)},
	}
	d := arbitration.Arbitrate(cands, detect(cands), cfg)
	require.False(t, d.Escalated())
	// Equal consistency and confidence; cand-1 wins on diversity + recency.
	assert.Equal(t, "cand-1", d.Selected.ID)
}

func TestArbitrate_ConsistencyDominates(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 0.5, 7),
		cand("cand-2", 2, 0.5, 7),
		cand("cand-3", 3, 0.5, 999),
	}
	d := arbitration.Arbitrate(cands, detect(cands), arbitration.Config{Seed: "s"})
	require.False(t, d.Escalated())
	// cand-3 disagrees with both others; cand-1 and cand-2 agree. cand-1
	// wins over cand-2 on recency.
	assert.Equal(t, "cand-1", d.Selected.ID)
	assert.Equal(t, "cand-3", d.Ranking[2].CandidateID)
}

func TestArbitrate_ConfidenceLookup(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 0, 7),
		cand("cand-2", 1, 0, 7),
	}
	cfg := arbitration.Config{
		ConfidenceLookup: map[string]float64{"cand-2": 0.99},
	}
	d := arbitration.Arbitrate(cands, detect(cands), cfg)
	require.False(t, d.Escalated())
	assert.Equal(t, "cand-2", d.Selected.ID)
	assert.Equal(t, 0.99, d.Ranking[0].Features["confidence"])
	// Unlisted candidate defaults to 0.5.
	assert.Equal(t, 0.5, d.Ranking[1].Features["confidence"])
}

func TestArbitrate_WeightRenormalization(t *testing.T) {
	// Non-positive total falls back to pure consistency.
	w := arbitration.Weights{Consistency: -1, Diversity: -1}
	cands := []candidates.Candidate{
		cand("cand-1", 1, 1, 7),
		cand("cand-2", 2, 1, 7),
	}
	d := arbitration.Arbitrate(cands, detect(cands), arbitration.Config{Weights: &w})
	require.False(t, d.Escalated())
	assert.Equal(t, 1.0, d.Ranking[0].Score)
}

func TestArbitrate_DeterministicTieBreak(t *testing.T) {
	cands := []candidates.Candidate{
		cand("cand-1", 1, 0.5, 7),
		cand("cand-2", 1, 0.5, 7),
	}
	cfg := arbitration.Config{Seed: "fixed-seed"}
	first := arbitration.Arbitrate(cands, detect(cands), cfg)
	second := arbitration.Arbitrate(cands, detect(cands), cfg)
	require.False(t, first.Escalated())
	assert.Equal(t, first.Selected.ID, second.Selected.ID)
	assert.Equal(t, first.Ranking, second.Ranking)
}

func TestArbitrate_PermutationInvariance(t *testing.T) {
	a := cand("cand-1", 1, 0.4, 7)
	b := cand("cand-2", 2, 0.9, 8)
	c := cand("cand-3", 3, 0.1, 7)

	forward := []candidates.Candidate{a, b, c}
	shuffled := []candidates.Candidate{c, a, b}

	cfg := arbitration.Config{Seed: "p"}
	d1 := arbitration.Arbitrate(forward, detect(forward), cfg)
	d2 := arbitration.Arbitrate(shuffled, detect(shuffled), cfg)

	require.False(t, d1.Escalated())
	require.False(t, d2.Escalated())
	assert.Equal(t, d1.Selected.ID, d2.Selected.ID)
	assert.Equal(t, d1.Ranking, d2.Ranking)
}
