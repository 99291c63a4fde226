// Package candidates implements bounded multi-candidate generation, the
// pairwise inconsistency detector, and the provenance graph linking
// contradicting candidates.
//
// Generation is strictly sequential and deterministic for a fixed
// (seed, task, executor): candidate ids, fingerprints, and novelty scores
// are reproducible bit-for-bit across runs.
package candidates

import (
	"context"
	"fmt"
	"math/big"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

// Executor produces one output per attempt. Implementations must be
// idempotent for identical inputs under a fixed seed.
type Executor interface {
	Execute(ctx context.Context, t task.Task) ([]*big.Int, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t task.Task) ([]*big.Int, error)

func (f ExecutorFunc) Execute(ctx context.Context, t task.Task) ([]*big.Int, error) {
	return f(ctx, t)
}

// Candidate is one attempt's output plus provenance metadata.
type Candidate struct {
	ID             string     `json:"id"`
	Attempt        int        `json:"attempt"` // 1-based
	Output         []*big.Int `json:"output"`
	Fingerprint    string     `json:"fingerprint"`
	Novelty        float64    `json:"novelty"` // [0,1], distance to nearest prior candidate
	TokenEstimate  int        `json:"tokenEstimate"`
	CumulativeCost uint64     `json:"cumulativeCostLamports"`
}

// PolicyBudget bounds generation from the policy side.
type PolicyBudget struct {
	MaxCandidates            int    `json:"maxCandidates" yaml:"maxCandidates"`
	MaxExecutionCostLamports uint64 `json:"maxExecutionCostLamports" yaml:"maxExecutionCostLamports"`
}

// GeneratorConfig bounds generation from the lane side.
type GeneratorConfig struct {
	Seed          string `json:"seed" yaml:"seed"`
	MaxCandidates int    `json:"maxCandidates" yaml:"maxCandidates"`
	// CostPerTokenLamports converts token estimates into execution cost.
	// Zero means the default of 1 lamport per token.
	CostPerTokenLamports uint64 `json:"costPerTokenLamports,omitempty" yaml:"costPerTokenLamports,omitempty"`
}

const (
	baseTokenEstimate       = 16
	tokensPerOutputElement  = 8
	defaultCostPerTokenLamp = 1
)

// Generate produces at most min(policy.MaxCandidates, cfg.MaxCandidates)
// candidates, invoking the executor in series and stopping early once the
// cumulative execution cost reaches the policy budget.
func Generate(ctx context.Context, t task.Task, exec Executor, cfg GeneratorConfig, policy PolicyBudget) ([]Candidate, error) {
	limit := cfg.MaxCandidates
	if policy.MaxCandidates > 0 && policy.MaxCandidates < limit {
		limit = policy.MaxCandidates
	}
	if limit <= 0 {
		return nil, nil
	}
	costPerToken := cfg.CostPerTokenLamports
	if costPerToken == 0 {
		costPerToken = defaultCostPerTokenLamp
	}

	var (
		out        []Candidate
		cumulative uint64
	)
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		output, err := exec.Execute(ctx, t)
		if err != nil {
			return out, fmt.Errorf("candidates: executor failed on attempt %d: %w", attempt, err)
		}

		tokens := baseTokenEstimate + tokensPerOutputElement*len(output)
		cumulative += uint64(tokens) * costPerToken

		fp, err := Fingerprint(t.ID, output)
		if err != nil {
			return out, err
		}

		cand := Candidate{
			ID:             fmt.Sprintf("cand-%d", attempt),
			Attempt:        attempt,
			Output:         output,
			Fingerprint:    fp,
			Novelty:        noveltyAgainst(out, output),
			TokenEstimate:  tokens,
			CumulativeCost: cumulative,
		}
		out = append(out, cand)

		if policy.MaxExecutionCostLamports > 0 && cumulative >= policy.MaxExecutionCostLamports {
			break
		}
	}
	return out, nil
}

// Fingerprint is the canonical hash of (taskId, output).
func Fingerprint(id task.ID, output []*big.Int) (string, error) {
	fp, err := canonicalize.SHA256Hex(map[string]any{
		"taskId": id.Hex(),
		"output": output,
	})
	if err != nil {
		return "", fmt.Errorf("candidates: fingerprint failed: %w", err)
	}
	return fp, nil
}

// noveltyAgainst returns the Jaccard distance from the nearest previously
// generated candidate's output set; the first candidate scores 1.
func noveltyAgainst(prior []Candidate, output []*big.Int) float64 {
	if len(prior) == 0 {
		return 1
	}
	set := elementSet(output)
	nearest := 1.0
	for _, p := range prior {
		d := jaccardDistance(set, elementSet(p.Output))
		if d < nearest {
			nearest = d
		}
	}
	return nearest
}

func elementSet(output []*big.Int) map[string]struct{} {
	set := make(map[string]struct{}, len(output))
	for _, e := range output {
		if e == nil {
			continue
		}
		set[e.String()] = struct{}{}
	}
	return set
}

func jaccardDistance(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return 1 - float64(intersection)/float64(union)
}
