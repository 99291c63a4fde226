// Package budget allocates per-invocation verification budgets from risk
// tiers. Tier-specific settings win over plain settings; hard guardrail
// caps always win over both. Fail-closed: an absent setting yields the
// conservative default rather than an unbounded budget.
package budget

import (
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/risk"
)

// Budget bounds one verifier-lane invocation.
type Budget struct {
	MaxRetries    int     `json:"maxRetries"`
	MaxDurationMs int64   `json:"maxDurationMs"`
	MinConfidence float64 `json:"minConfidence"`
}

// Base holds the plain (non-tiered) verification settings.
type Base struct {
	MaxRetries    int     `json:"maxVerificationRetries" yaml:"maxVerificationRetries"`
	MaxDurationMs int64   `json:"maxVerificationDurationMs" yaml:"maxVerificationDurationMs"`
	MinConfidence float64 `json:"minConfidence" yaml:"minConfidence"`
}

// Guardrails are hard caps that no configuration may exceed.
type Guardrails struct {
	HardMaxVerificationRetries      int    `json:"hardMaxVerificationRetries" yaml:"hardMaxVerificationRetries"`
	HardMaxVerificationDurationMs   int64  `json:"hardMaxVerificationDurationMs" yaml:"hardMaxVerificationDurationMs"`
	HardMaxVerificationCostLamports uint64 `json:"hardMaxVerificationCostLamports" yaml:"hardMaxVerificationCostLamports"`
}

// DefaultGuardrails returns the production caps.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		HardMaxVerificationRetries:      10,
		HardMaxVerificationDurationMs:   300_000,
		HardMaxVerificationCostLamports: 10_000_000,
	}
}

// TierOverrides carries the optional per-tier settings.
type TierOverrides struct {
	MaxRetriesByRisk    map[risk.Tier]int     `json:"maxVerificationRetriesByRisk,omitempty" yaml:"maxVerificationRetriesByRisk,omitempty"`
	MaxDurationMsByRisk map[risk.Tier]int64   `json:"maxVerificationDurationMsByRisk,omitempty" yaml:"maxVerificationDurationMsByRisk,omitempty"`
	MinConfidenceByRisk map[risk.Tier]float64 `json:"minConfidenceByRisk,omitempty" yaml:"minConfidenceByRisk,omitempty"`
}

// Allocator derives budgets and records adaptive telemetry.
type Allocator struct {
	base       Base
	overrides  TierOverrides
	guardrails Guardrails
	metrics    metrics.Provider
}

// NewAllocator creates an allocator. A nil provider installs the no-op sink.
func NewAllocator(base Base, overrides TierOverrides, guardrails Guardrails, m metrics.Provider) *Allocator {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Allocator{base: base, overrides: overrides, guardrails: guardrails, metrics: m}
}

// Allocate computes the budget for an assessed task. It emits the adaptive
// histograms under agenc.verifier.adaptive.* labeled by tier.
func (a *Allocator) Allocate(assessment risk.Assessment) Budget {
	tier := assessment.Tier
	b := Budget{
		MaxRetries:    a.resolveRetries(tier),
		MaxDurationMs: a.resolveDurationMs(tier),
		MinConfidence: a.resolveMinConfidence(tier),
	}

	if cap := a.guardrails.HardMaxVerificationRetries; cap > 0 && b.MaxRetries > cap {
		b.MaxRetries = cap
	}
	if cap := a.guardrails.HardMaxVerificationDurationMs; cap > 0 && b.MaxDurationMs > cap {
		b.MaxDurationMs = cap
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	}
	if b.MaxDurationMs < 0 {
		b.MaxDurationMs = 0
	}
	b.MinConfidence = clamp01(b.MinConfidence)

	labels := map[string]string{"tier": string(tier)}
	a.metrics.Histogram("agenc.verifier.adaptive.risk_score", assessment.Score, labels)
	a.metrics.Histogram("agenc.verifier.adaptive.max_retries", float64(b.MaxRetries), labels)
	a.metrics.Histogram("agenc.verifier.adaptive.max_duration_ms", float64(b.MaxDurationMs), labels)

	return b
}

// MaxExecutionCostLamports clamps a requested multi-candidate execution
// budget by the hard cost guardrail.
func (a *Allocator) MaxExecutionCostLamports(requested uint64) uint64 {
	if cap := a.guardrails.HardMaxVerificationCostLamports; cap > 0 && requested > cap {
		return cap
	}
	return requested
}

func (a *Allocator) resolveRetries(tier risk.Tier) int {
	if a.overrides.MaxRetriesByRisk != nil {
		if v, ok := a.overrides.MaxRetriesByRisk[tier]; ok {
			return v
		}
	}
	return a.base.MaxRetries
}

func (a *Allocator) resolveDurationMs(tier risk.Tier) int64 {
	if a.overrides.MaxDurationMsByRisk != nil {
		if v, ok := a.overrides.MaxDurationMsByRisk[tier]; ok {
			return v
		}
	}
	return a.base.MaxDurationMs
}

func (a *Allocator) resolveMinConfidence(tier risk.Tier) float64 {
	if a.overrides.MinConfidenceByRisk != nil {
		if v, ok := a.overrides.MinConfidenceByRisk[tier]; ok {
			return v
		}
	}
	return a.base.MinConfidence
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
