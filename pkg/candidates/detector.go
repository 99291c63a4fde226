package candidates

import (
	"math/big"

	"github.com/agenc-labs/agenc-core/pkg/task"
)

// ReasonCode classifies why a candidate pair disagrees.
type ReasonCode string

const (
	ReasonLengthMismatch   ReasonCode = "length_mismatch"
	ReasonValueMismatch    ReasonCode = "value_mismatch"
	ReasonSemanticDistance ReasonCode = "semantic_distance"
)

// Disagreement is one inconsistent unordered candidate pair.
type Disagreement struct {
	LeftID           string       `json:"leftId"`
	RightID          string       `json:"rightId"`
	SemanticDistance float64      `json:"semanticDistance"`
	Reasons          []ReasonCode `json:"reasons"`
	ProvenanceEdges  []string     `json:"provenanceEdges,omitempty"`
}

// DetectorConfig tunes the detector.
type DetectorConfig struct {
	// SemanticDistanceThreshold marks a pair semantically distant when the
	// normalized mismatch ratio reaches it. Zero means the default of 0.25.
	SemanticDistanceThreshold float64 `json:"semanticDistanceThreshold,omitempty" yaml:"semanticDistanceThreshold,omitempty"`
}

const defaultSemanticDistanceThreshold = 0.25

// DetectionResult summarizes pairwise inconsistency across all candidates.
type DetectionResult struct {
	TotalPairs         int            `json:"totalPairs"`
	TotalDisagreements int            `json:"totalDisagreements"`
	DisagreementRate   float64        `json:"disagreementRate"`
	Disagreements      []Disagreement `json:"disagreements"`
	ProvenanceLinks    []string       `json:"provenanceLinks,omitempty"`
}

// DisagreementsFor counts how many disagreements involve a candidate.
func (r DetectionResult) DisagreementsFor(candidateID string) int {
	n := 0
	for _, d := range r.Disagreements {
		if d.LeftID == candidateID || d.RightID == candidateID {
			n++
		}
	}
	return n
}

// Detect runs pairwise structural and semantic comparison over candidates.
// When graph is non-nil, each candidate is upserted as a node and every
// disagreement adds one contradicts edge whose id is attached to the record.
func Detect(taskID task.ID, cands []Candidate, cfg DetectorConfig, graph *Graph) DetectionResult {
	threshold := cfg.SemanticDistanceThreshold
	if threshold == 0 {
		threshold = defaultSemanticDistanceThreshold
	}

	if graph != nil {
		for _, c := range cands {
			graph.UpsertNode(NodeID(taskID, c.ID))
		}
	}

	result := DetectionResult{}
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			result.TotalPairs++
			d, disagrees := comparePair(cands[i], cands[j], threshold)
			if !disagrees {
				continue
			}
			if graph != nil {
				edgeID := graph.AddEdge(NodeID(taskID, cands[i].ID), NodeID(taskID, cands[j].ID), RelationContradicts)
				d.ProvenanceEdges = append(d.ProvenanceEdges, edgeID)
				result.ProvenanceLinks = append(result.ProvenanceLinks, edgeID)
			}
			result.Disagreements = append(result.Disagreements, d)
			result.TotalDisagreements++
		}
	}
	if result.TotalPairs > 0 {
		result.DisagreementRate = float64(result.TotalDisagreements) / float64(result.TotalPairs)
	}
	return result
}

func comparePair(left, right Candidate, threshold float64) (Disagreement, bool) {
	mismatch := mismatchCount(left.Output, right.Output)
	distance := 0.0
	longest := max(len(left.Output), len(right.Output))
	if longest > 0 {
		distance = float64(mismatch) / float64(longest)
	}

	var reasons []ReasonCode
	if len(left.Output) != len(right.Output) {
		reasons = append(reasons, ReasonLengthMismatch)
	}
	if mismatch > 0 {
		reasons = append(reasons, ReasonValueMismatch)
	}
	if distance >= threshold && longest > 0 {
		reasons = append(reasons, ReasonSemanticDistance)
	}
	if len(reasons) == 0 {
		return Disagreement{}, false
	}
	return Disagreement{
		LeftID:           left.ID,
		RightID:          right.ID,
		SemanticDistance: distance,
		Reasons:          reasons,
	}, true
}

func mismatchCount(left, right []*big.Int) int {
	count := len(left) - len(right)
	if count < 0 {
		count = -count
	}
	shorter := min(len(left), len(right))
	for i := 0; i < shorter; i++ {
		if !bigEqual(left[i], right[i]) {
			count++
		}
	}
	return count
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
