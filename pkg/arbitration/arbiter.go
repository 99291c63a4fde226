// Package arbitration deterministically selects one candidate output or
// escalates when candidates disagree past the configured thresholds.
//
// Selection is a pure function of its inputs: identical candidates,
// detection results, and config always produce the same decision, and the
// decision is invariant under permutation of the candidate slice.
package arbitration

import (
	"hash/fnv"
	"math"
	"sort"

	"github.com/agenc-labs/agenc-core/pkg/candidates"
)

// Weights blends the four ranking features. They are renormalized to sum
// to 1 before use; when the total is non-positive, consistency gets full
// weight.
type Weights struct {
	Consistency float64 `json:"consistency" yaml:"consistency"`
	Diversity   float64 `json:"diversity" yaml:"diversity"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	Recency     float64 `json:"recency" yaml:"recency"`
}

// DefaultWeights returns the production defaults.
func DefaultWeights() Weights {
	return Weights{Consistency: 0.55, Diversity: 0.2, Confidence: 0.2, Recency: 0.05}
}

// EscalationConfig bounds tolerated disagreement. Nil fields disable the
// corresponding check.
type EscalationConfig struct {
	MaxPairwiseDisagreements *float64 `json:"maxPairwiseDisagreements,omitempty" yaml:"maxPairwiseDisagreements,omitempty"`
	MaxDisagreementRate      *float64 `json:"maxDisagreementRate,omitempty" yaml:"maxDisagreementRate,omitempty"`
}

// Config is the full arbitration configuration.
type Config struct {
	Seed       string           `json:"seed" yaml:"seed"`
	Weights    *Weights         `json:"arbitrationWeights,omitempty" yaml:"arbitrationWeights,omitempty"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	// ConfidenceLookup supplies external per-candidate confidence; absent
	// entries default to 0.5.
	ConfidenceLookup map[string]float64 `json:"-" yaml:"-"`
}

// EscalateReason says why arbitration refused to select.
type EscalateReason string

const (
	EscalateNoCandidates          EscalateReason = "no_candidates"
	EscalateDisagreementThreshold EscalateReason = "disagreement_threshold"
)

// RankedCandidate is one scored candidate in descending rank order.
type RankedCandidate struct {
	CandidateID string             `json:"candidateId"`
	Score       float64            `json:"score"`
	Features    map[string]float64 `json:"features"`
}

// Decision is the discriminated arbitration outcome: either a selected
// candidate or an escalation with a reason.
type Decision struct {
	Selected *candidates.Candidate `json:"selected,omitempty"`
	Reason   EscalateReason        `json:"reason,omitempty"`
	Ranking  []RankedCandidate     `json:"ranking"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// Escalated reports whether the decision is an escalation.
func (d Decision) Escalated() bool {
	return d.Selected == nil
}

// Arbitrate scores every candidate and either selects the winner or
// escalates. Escalation checks run before selection.
func Arbitrate(cands []candidates.Candidate, detection candidates.DetectionResult, cfg Config) Decision {
	if len(cands) == 0 {
		return Decision{Reason: EscalateNoCandidates, Metadata: detectionMetadata(detection)}
	}

	weights := normalizeWeights(cfg.Weights)
	ranking := rank(cands, detection, weights, cfg)

	if threshold := cfg.Escalation.MaxPairwiseDisagreements; threshold != nil &&
		detection.TotalDisagreements >= int(math.Floor(*threshold)) {
		return Decision{Reason: EscalateDisagreementThreshold, Ranking: ranking, Metadata: detectionMetadata(detection)}
	}
	if threshold := cfg.Escalation.MaxDisagreementRate; threshold != nil &&
		detection.DisagreementRate >= *threshold {
		return Decision{Reason: EscalateDisagreementThreshold, Ranking: ranking, Metadata: detectionMetadata(detection)}
	}

	winner := ranking[0].CandidateID
	for i := range cands {
		if cands[i].ID == winner {
			selected := cands[i]
			return Decision{Selected: &selected, Ranking: ranking, Metadata: detectionMetadata(detection)}
		}
	}
	// Unreachable: ranking ids come from cands.
	return Decision{Reason: EscalateNoCandidates, Ranking: ranking}
}

func rank(cands []candidates.Candidate, detection candidates.DetectionResult, w Weights, cfg Config) []RankedCandidate {
	n := len(cands)
	ranking := make([]RankedCandidate, 0, n)
	for _, c := range cands {
		consistency := 1.0
		if n > 1 {
			consistency = 1 - float64(detection.DisagreementsFor(c.ID))/float64(n-1)
		}
		confidence := 0.5
		if cfg.ConfidenceLookup != nil {
			if v, ok := cfg.ConfidenceLookup[c.ID]; ok {
				confidence = v
			}
		}
		attempt := c.Attempt
		if attempt < 1 {
			attempt = 1
		}
		features := map[string]float64{
			"consistency": consistency,
			"diversity":   c.Novelty,
			"confidence":  confidence,
			"recency":     1 / float64(attempt),
		}
		score := features["consistency"]*w.Consistency +
			features["diversity"]*w.Diversity +
			features["confidence"]*w.Confidence +
			features["recency"]*w.Recency
		ranking = append(ranking, RankedCandidate{CandidateID: c.ID, Score: score, Features: features})
	}

	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		ti, tj := tieBreak(cfg.Seed, ranking[i].CandidateID), tieBreak(cfg.Seed, ranking[j].CandidateID)
		if ti != tj {
			return ti < tj
		}
		return ranking[i].CandidateID < ranking[j].CandidateID
	})
	return ranking
}

// tieBreak hashes seed:candidateID with FNV-1a and maps it onto [0,1).
func tieBreak(seed, candidateID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed + ":" + candidateID))
	return float64(h.Sum64()) / float64(math.MaxUint64)
}

func normalizeWeights(w *Weights) Weights {
	weights := DefaultWeights()
	if w != nil {
		weights = *w
	}
	total := weights.Consistency + weights.Diversity + weights.Confidence + weights.Recency
	if total <= 0 {
		return Weights{Consistency: 1}
	}
	return Weights{
		Consistency: weights.Consistency / total,
		Diversity:   weights.Diversity / total,
		Confidence:  weights.Confidence / total,
		Recency:     weights.Recency / total,
	}
}

func detectionMetadata(detection candidates.DetectionResult) map[string]any {
	return map[string]any{
		"totalPairs":         detection.TotalPairs,
		"totalDisagreements": detection.TotalDisagreements,
		"disagreementRate":   detection.DisagreementRate,
	}
}
