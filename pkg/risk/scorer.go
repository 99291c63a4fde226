// Package risk scores tasks before verification. The score is a weighted
// blend of six clamped signals; every output carries per-feature
// contributions so an escalation can explain why a task ranked high.
package risk

import (
	"math"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/task"
)

// Tier discretizes a continuous score.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Feature names, used as keys in vectors and contribution maps.
const (
	FeatureReward               = "reward"
	FeatureDeadline             = "deadline"
	FeatureClaimPressure        = "claimPressure"
	FeatureTaskType             = "taskType"
	FeatureVerifierDisagreement = "verifierDisagreement"
	FeatureRollback             = "rollback"
)

// Weights holds per-feature weights. Negative weights are coerced to 0 at
// scoring time; user-supplied zero values are preserved.
type Weights struct {
	Reward               float64 `json:"reward" yaml:"reward"`
	Deadline             float64 `json:"deadline" yaml:"deadline"`
	ClaimPressure        float64 `json:"claimPressure" yaml:"claimPressure"`
	TaskType             float64 `json:"taskType" yaml:"taskType"`
	VerifierDisagreement float64 `json:"verifierDisagreement" yaml:"verifierDisagreement"`
	Rollback             float64 `json:"rollback" yaml:"rollback"`
}

// DefaultWeights returns the production defaults.
func DefaultWeights() Weights {
	return Weights{
		Reward:               0.22,
		Deadline:             0.18,
		ClaimPressure:        0.15,
		TaskType:             0.2,
		VerifierDisagreement: 0.15,
		Rollback:             0.1,
	}
}

// Config controls scoring.
type Config struct {
	Weights *Weights `json:"weights,omitempty" yaml:"weights,omitempty"`
	// TaskTypeSignals overrides the intrinsic risk per task type.
	TaskTypeSignals map[task.Type]float64 `json:"taskTypeSignals,omitempty" yaml:"taskTypeSignals,omitempty"`
	// MediumThreshold and HighThreshold bound the tiers; both clamped to [0,1].
	MediumThreshold *float64 `json:"mediumRiskThreshold,omitempty" yaml:"mediumRiskThreshold,omitempty"`
	HighThreshold   *float64 `json:"highRiskThreshold,omitempty" yaml:"highRiskThreshold,omitempty"`
}

// Context carries runtime signals not derivable from the task itself.
type Context struct {
	Now time.Time
	// VerifierDisagreementRate and RollbackRate are historical rates in [0,1];
	// values outside the range are clamped.
	VerifierDisagreementRate float64
	RollbackRate             float64
}

// Thresholds records the tier boundaries actually applied.
type Thresholds struct {
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// Assessment is the scorer output.
type Assessment struct {
	Score         float64            `json:"score"`
	Tier          Tier               `json:"tier"`
	Features      map[string]float64 `json:"features"`
	Contributions map[string]float64 `json:"contributions"`
	Thresholds    Thresholds         `json:"thresholds"`
}

const (
	defaultMediumThreshold = 0.3
	defaultHighThreshold   = 0.5
	secondsPerDay          = 86400
)

var defaultTaskTypeSignals = map[task.Type]float64{
	task.TypeExclusive:     0.3,
	task.TypeCollaborative: 0.5,
	task.TypeCompetitive:   0.75,
}

// Score computes the risk assessment for a task under the given runtime
// context and configuration. A nil config uses defaults throughout.
func Score(t task.Task, ctx Context, cfg *Config) Assessment {
	if cfg == nil {
		cfg = &Config{}
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	features := map[string]float64{
		FeatureReward:               rewardSignal(t.RewardLamports),
		FeatureDeadline:             deadlineSignal(t, now),
		FeatureClaimPressure:        claimPressure(t),
		FeatureTaskType:             taskTypeSignal(t.Type, cfg.TaskTypeSignals),
		FeatureVerifierDisagreement: clamp01(ctx.VerifierDisagreementRate),
		FeatureRollback:             clamp01(ctx.RollbackRate),
	}

	weights := DefaultWeights()
	if cfg.Weights != nil {
		weights = *cfg.Weights
	}
	weightByFeature := map[string]float64{
		FeatureReward:               coerceNonNegative(weights.Reward),
		FeatureDeadline:             coerceNonNegative(weights.Deadline),
		FeatureClaimPressure:        coerceNonNegative(weights.ClaimPressure),
		FeatureTaskType:             coerceNonNegative(weights.TaskType),
		FeatureVerifierDisagreement: coerceNonNegative(weights.VerifierDisagreement),
		FeatureRollback:             coerceNonNegative(weights.Rollback),
	}

	contributions := make(map[string]float64, len(features))
	var weighted, total float64
	for name, value := range features {
		w := weightByFeature[name]
		contributions[name] = value * w
		weighted += value * w
		total += w
	}

	score := 0.0
	if total > 0 {
		score = weighted / total
	}

	thresholds := resolveThresholds(cfg)
	return Assessment{
		Score:         score,
		Tier:          tierFor(score, thresholds),
		Features:      features,
		Contributions: contributions,
		Thresholds:    thresholds,
	}
}

func rewardSignal(lamports uint64) float64 {
	return clamp01(math.Log10(float64(lamports)+1) / 9)
}

func deadlineSignal(t task.Task, now time.Time) float64 {
	if !t.HasDeadline() {
		return 0
	}
	if t.DeadlinePassed(now) {
		return 1
	}
	return clamp01(1 - float64(t.RemainingSeconds(now))/secondsPerDay)
}

func claimPressure(t task.Task) float64 {
	workers := t.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return math.Min(1, float64(t.CurrentClaims)/float64(workers))
}

func taskTypeSignal(tt task.Type, overrides map[task.Type]float64) float64 {
	if overrides != nil {
		if v, ok := overrides[tt]; ok {
			return clamp01(v)
		}
	}
	if v, ok := defaultTaskTypeSignals[tt]; ok {
		return v
	}
	return defaultTaskTypeSignals[task.TypeCollaborative]
}

func resolveThresholds(cfg *Config) Thresholds {
	th := Thresholds{Medium: defaultMediumThreshold, High: defaultHighThreshold}
	if cfg.MediumThreshold != nil {
		th.Medium = clamp01(*cfg.MediumThreshold)
	}
	if cfg.HighThreshold != nil {
		th.High = clamp01(*cfg.HighThreshold)
	}
	return th
}

func tierFor(score float64, th Thresholds) Tier {
	switch {
	case score >= th.High:
		return TierHigh
	case score >= th.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func coerceNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
