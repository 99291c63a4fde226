// Package verifierlane drives the execute -> verify -> revise loop for one
// claimed task. It composes the risk scorer, the budget allocator, the
// multi-candidate pipeline, and the escalation graph into a bounded state
// machine whose terminal outcomes are either a passed execution result or a
// typed escalation error carrying the full attempt history.
package verifierlane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/arbitration"
	"github.com/agenc-labs/agenc-core/pkg/budget"
	"github.com/agenc-labs/agenc-core/pkg/candidates"
	"github.com/agenc-labs/agenc-core/pkg/escalation"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/risk"
	"github.com/agenc-labs/agenc-core/pkg/task"
)

// Escalation reasons produced by the lane itself, beyond the transition
// reasons of the escalation graph.
const (
	ReasonVerifierTimeout      = "verifier_timeout"
	ReasonVerifierError        = "verifier_error"
	ReasonVerifierDisagreement = "verifier_disagreement"
)

// ReasonConfidenceBelowMinimum is appended to a pass verdict whose
// confidence falls below the budget's minimum; the verdict is then treated
// as a fail.
const ReasonConfidenceBelowMinimum = "confidence_below_minimum"

// Outcome is the external verifier's judgement of one attempt. Confidence
// outside [0,1] is clamped on receipt.
type Outcome struct {
	Verdict    escalation.Verdict `json:"verdict"`
	Confidence float64            `json:"confidence"`
	Reasons    []string           `json:"reasons,omitempty"`
}

// VerifyRequest is the payload handed to the external verifier.
type VerifyRequest struct {
	Task       task.Task
	Output     []*big.Int
	Attempt    int
	Candidates []candidates.Candidate
}

// Verifier is the external verification collaborator. Implementations must
// respect cooperative cancellation via the context.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Outcome, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req VerifyRequest) (Outcome, error)

func (f VerifierFunc) Verify(ctx context.Context, req VerifyRequest) (Outcome, error) {
	return f(ctx, req)
}

// Reviser is the optional revision collaborator. Executors that can act on
// verifier feedback implement it alongside candidates.Executor.
type Reviser interface {
	Revise(ctx context.Context, t task.Task, previous []*big.Int, reasons []string) ([]*big.Int, error)
}

// TaskTypePolicy overrides the global enabled flag for one task type.
type TaskTypePolicy struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// AdaptiveRiskConfig controls the risk gate and tiered budgets.
type AdaptiveRiskConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MinRiskScoreToVerify bypasses verification for tasks scoring below it.
	// Nil disables the gate.
	MinRiskScoreToVerify *float64             `json:"minRiskScoreToVerify,omitempty" yaml:"minRiskScoreToVerify,omitempty"`
	Risk                 risk.Config          `json:"risk" yaml:"risk"`
	Overrides            budget.TierOverrides `json:"overrides" yaml:"overrides"`
}

// MultiCandidateConfig controls the candidate generation and arbitration
// path of an attempt.
type MultiCandidateConfig struct {
	Enabled      bool                       `json:"enabled" yaml:"enabled"`
	Generator    candidates.GeneratorConfig `json:"generator" yaml:"generator"`
	PolicyBudget candidates.PolicyBudget    `json:"policyBudget" yaml:"policyBudget"`
	Detector     candidates.DetectorConfig  `json:"detector" yaml:"detector"`
	Arbitration  arbitration.Config         `json:"arbitration" yaml:"arbitration"`
}

// Config is the full lane configuration.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// FailOnVerifierError escalates on verifier errors when true (the
	// default); false synthesizes a fail verdict and continues the loop.
	FailOnVerifierError *bool                        `json:"failOnVerifierError,omitempty" yaml:"failOnVerifierError,omitempty"`
	TaskTypePolicies    map[task.Type]TaskTypePolicy `json:"taskTypePolicies,omitempty" yaml:"taskTypePolicies,omitempty"`
	Base                budget.Base                  `json:"base" yaml:"base"`
	Guardrails          *budget.Guardrails           `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	AdaptiveRisk        AdaptiveRiskConfig           `json:"adaptiveRisk" yaml:"adaptiveRisk"`
	MultiCandidate      MultiCandidateConfig         `json:"multiCandidate" yaml:"multiCandidate"`
}

// HistoryEntry records one completed attempt.
type HistoryEntry struct {
	Attempt    int                `json:"attempt"`
	Verdict    escalation.Verdict `json:"verdict"`
	Confidence float64            `json:"confidence"`
	Reasons    []string           `json:"reasons,omitempty"`
	DurationMs int64              `json:"durationMs"`
}

// ExecutionResult is the lane's terminal-pass outcome. A bypassed task
// returns Attempts == 0 with an empty history.
type ExecutionResult struct {
	Passed       bool             `json:"passed"`
	Output       []*big.Int       `json:"output"`
	Attempts     int              `json:"attempts"`
	Revisions    int              `json:"revisions"`
	History      []HistoryEntry   `json:"history"`
	AdaptiveRisk *risk.Assessment `json:"adaptiveRisk,omitempty"`
}

// EscalationError is the lane's terminal-escalate outcome. It is never
// retried locally; the runtime glue decides what to do with it.
type EscalationError struct {
	Reason    string         `json:"reason"`
	Attempts  int            `json:"attempts"`
	Revisions int            `json:"revisions"`
	History   []HistoryEntry `json:"history"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("verifier lane escalated after %d attempt(s): %s", e.Attempts, e.Reason)
}

// AsEscalation unwraps an EscalationError from an error chain.
func AsEscalation(err error) (*EscalationError, bool) {
	var esc *EscalationError
	if errors.As(err, &esc) {
		return esc, true
	}
	return nil, false
}

// Lane is the orchestrator. Construct with New; zero value is not usable.
type Lane struct {
	cfg       Config
	allocator *budget.Allocator
	verifier  Verifier
	executor  candidates.Executor
	reviser   Reviser

	logger    *slog.Logger
	metrics   metrics.Provider
	clock     func() time.Time
	onVerdict func(task.Task, HistoryEntry)
	graph     *candidates.Graph
}

// Option configures a Lane.
type Option func(*Lane)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option { return func(ln *Lane) { ln.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Provider) Option { return func(ln *Lane) { ln.metrics = m } }

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option { return func(ln *Lane) { ln.clock = clock } }

// WithOnVerdict installs a per-verdict callback, invoked after each history
// entry is appended.
func WithOnVerdict(fn func(task.Task, HistoryEntry)) Option {
	return func(ln *Lane) { ln.onVerdict = fn }
}

// WithProvenanceGraph records contradicts-edges for detected disagreements.
func WithProvenanceGraph(g *candidates.Graph) Option { return func(ln *Lane) { ln.graph = g } }

// New builds a lane around an executor and a verifier. The executor may
// additionally implement Reviser to enable the revise transition.
func New(cfg Config, executor candidates.Executor, verifier Verifier, opts ...Option) *Lane {
	guardrails := budget.DefaultGuardrails()
	if cfg.Guardrails != nil {
		guardrails = *cfg.Guardrails
	}
	ln := &Lane{
		cfg:      cfg,
		verifier: verifier,
		executor: executor,
		logger:   slog.Default(),
		metrics:  metrics.Nop{},
		clock:    time.Now,
	}
	if r, ok := executor.(Reviser); ok {
		ln.reviser = r
	}
	for _, opt := range opts {
		opt(ln)
	}
	ln.allocator = budget.NewAllocator(cfg.Base, cfg.AdaptiveRisk.Overrides, guardrails, ln.metrics)
	return ln
}

// Execute runs the full lane for one task. It returns the execution result
// on terminal-pass or bypass, and an *EscalationError on terminal-escalate.
func (ln *Lane) Execute(ctx context.Context, t task.Task, riskCtx risk.Context) (*ExecutionResult, error) {
	if !ln.shouldVerify(t) {
		return ln.bypass(ctx, t, nil)
	}

	var assessment *risk.Assessment
	if ln.cfg.AdaptiveRisk.Enabled {
		a := risk.Score(t, riskCtx, &ln.cfg.AdaptiveRisk.Risk)
		assessment = &a
		if min := ln.cfg.AdaptiveRisk.MinRiskScoreToVerify; min != nil && a.Score < *min {
			ln.logger.Debug("verification bypassed below risk threshold",
				"task", t.ID.Hex(), "score", a.Score, "threshold", *min)
			return ln.bypass(ctx, t, assessment)
		}
	} else {
		a := risk.Score(t, riskCtx, &ln.cfg.AdaptiveRisk.Risk)
		assessment = &a
	}

	b := ln.allocator.Allocate(*assessment)
	return ln.run(ctx, t, b, assessment)
}

// shouldVerify resolves the bypass decision. A task-type policy beats the
// global enabled flag in either direction.
func (ln *Lane) shouldVerify(t task.Task) bool {
	if p, ok := ln.cfg.TaskTypePolicies[t.Type]; ok && p.Enabled != nil {
		return *p.Enabled
	}
	return ln.cfg.Enabled
}

func (ln *Lane) bypass(ctx context.Context, t task.Task, assessment *risk.Assessment) (*ExecutionResult, error) {
	output, err := ln.executor.Execute(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("verifierlane: unverified execution failed: %w", err)
	}
	return &ExecutionResult{
		Passed:       true,
		Output:       output,
		Attempts:     0,
		AdaptiveRisk: assessment,
	}, nil
}

func (ln *Lane) run(ctx context.Context, t task.Task, b budget.Budget, assessment *risk.Assessment) (*ExecutionResult, error) {
	var (
		history   []HistoryEntry
		revisions int
		pending   []*big.Int // revised output carried into the next attempt
		started   = ln.clock()
	)

	escalate := func(reason string, attempts int, details map[string]any) (*ExecutionResult, error) {
		return nil, &EscalationError{
			Reason:    reason,
			Attempts:  attempts,
			Revisions: revisions,
			History:   history,
			Details:   details,
		}
	}

	for attempt := 1; attempt <= b.MaxRetries+1; attempt++ {
		elapsed := ln.clock().Sub(started).Milliseconds()
		if b.MaxDurationMs > 0 && elapsed > b.MaxDurationMs {
			return escalate(string(escalation.ReasonTimeout), attempt-1, nil)
		}
		if err := ctx.Err(); err != nil {
			return escalate(string(escalation.ReasonTimeout), attempt-1, map[string]any{"cause": err.Error()})
		}

		output, cands, err := ln.produceOutput(ctx, t, pending, attempt, revisions, history)
		if err != nil {
			return nil, err
		}
		pending = nil

		outcome, entry, err := ln.verifyAttempt(ctx, t, b, started, attempt, output, cands)
		if err != nil {
			var esc *EscalationError
			if errors.As(err, &esc) {
				esc.History = history
				esc.Revisions = revisions
			}
			return nil, err
		}
		history = append(history, entry)
		if ln.onVerdict != nil {
			ln.onVerdict(t, entry)
		}
		ln.countVerdict(entry.Verdict)

		transition := escalation.Decide(escalation.Input{
			Verdict:           entry.Verdict,
			Attempt:           attempt,
			MaxRetries:        b.MaxRetries,
			RevisionAvailable: ln.reviser != nil,
			ReExecuteAllowed:  true,
		})

		switch transition.State {
		case escalation.StatePass:
			ln.logger.Info("task verified",
				"task", t.ID.Hex(), "attempts", attempt, "revisions", revisions)
			return &ExecutionResult{
				Passed:       true,
				Output:       output,
				Attempts:     attempt,
				Revisions:    revisions,
				History:      history,
				AdaptiveRisk: assessment,
			}, nil

		case escalation.StateRevise:
			revised, err := ln.reviser.Revise(ctx, t, output, outcome.Reasons)
			if err != nil {
				return escalate(string(escalation.ReasonRevisionUnavailable), attempt,
					map[string]any{"cause": err.Error()})
			}
			revisions++
			ln.metrics.Counter("agenc.verifier.revisions", 1, nil)
			pending = revised

		case escalation.StateRetry:
			// Next iteration re-executes.

		case escalation.StateEscalate:
			return escalate(string(transition.Reason), attempt, nil)
		}
	}

	return escalate(string(escalation.ReasonRetriesExhausted), b.MaxRetries+1, nil)
}

// produceOutput yields this attempt's output: a pending revision if one is
// carried over, the arbitration winner under multi-candidate mode, or a
// direct executor invocation.
func (ln *Lane) produceOutput(ctx context.Context, t task.Task, pending []*big.Int, attempt, revisions int, history []HistoryEntry) ([]*big.Int, []candidates.Candidate, error) {
	if pending != nil {
		return pending, nil, nil
	}
	if !ln.cfg.MultiCandidate.Enabled {
		output, err := ln.executor.Execute(ctx, t)
		if err != nil {
			return nil, nil, fmt.Errorf("verifierlane: execution failed on attempt %d: %w", attempt, err)
		}
		return output, nil, nil
	}

	mc := ln.cfg.MultiCandidate
	cands, err := candidates.Generate(ctx, t, ln.executor, mc.Generator, mc.PolicyBudget)
	if err != nil {
		return nil, nil, fmt.Errorf("verifierlane: candidate generation failed on attempt %d: %w", attempt, err)
	}

	detection := candidates.Detect(t.ID, cands, mc.Detector, ln.graph)
	if detection.TotalDisagreements > 0 {
		ln.metrics.Counter("agenc.verifier.disagreements", float64(detection.TotalDisagreements), nil)
	}

	decision := arbitration.Arbitrate(cands, detection, mc.Arbitration)
	if decision.Escalated() {
		details := map[string]any{
			"arbitrationReason": string(decision.Reason),
			"reasonCodes":       disagreementReasonCodes(detection),
			"provenanceLinks":   detection.ProvenanceLinks,
		}
		for k, v := range decision.Metadata {
			details[k] = v
		}
		return nil, nil, &EscalationError{
			Reason:    ReasonVerifierDisagreement,
			Attempts:  attempt,
			Revisions: revisions,
			History:   history,
			Details:   details,
		}
	}
	return decision.Selected.Output, cands, nil
}

// verifyAttempt invokes the verifier under the remaining cooperative
// deadline and translates errors into lane outcomes.
func (ln *Lane) verifyAttempt(ctx context.Context, t task.Task, b budget.Budget, started time.Time, attempt int, output []*big.Int, cands []candidates.Candidate) (Outcome, HistoryEntry, error) {
	verifyCtx := ctx
	if b.MaxDurationMs > 0 {
		remaining := time.Duration(b.MaxDurationMs)*time.Millisecond - ln.clock().Sub(started)
		if remaining <= 0 {
			return Outcome{}, HistoryEntry{}, &EscalationError{
				Reason: ReasonVerifierTimeout, Attempts: attempt,
			}
		}
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	ln.metrics.Counter("agenc.verifier.checks", 1, nil)
	verifyStarted := ln.clock()
	outcome, err := ln.verifier.Verify(verifyCtx, VerifyRequest{
		Task: t, Output: output, Attempt: attempt, Candidates: cands,
	})
	durationMs := ln.clock().Sub(verifyStarted).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, HistoryEntry{}, &EscalationError{
				Reason: ReasonVerifierTimeout, Attempts: attempt,
				Details: map[string]any{"cause": err.Error()},
			}
		}
		if ln.failOnVerifierError() {
			return Outcome{}, HistoryEntry{}, &EscalationError{
				Reason: ReasonVerifierError, Attempts: attempt,
				Details: map[string]any{"cause": err.Error()},
			}
		}
		ln.logger.Warn("verifier error synthesized as fail",
			"task", t.ID.Hex(), "attempt", attempt, "error", err)
		outcome = Outcome{
			Verdict: escalation.VerdictFail,
			Reasons: []string{ReasonVerifierError},
		}
	}

	outcome.Confidence = clamp01(outcome.Confidence)
	if outcome.Verdict == escalation.VerdictPass && outcome.Confidence < b.MinConfidence {
		outcome.Verdict = escalation.VerdictFail
		outcome.Reasons = append(outcome.Reasons, ReasonConfidenceBelowMinimum)
	}

	entry := HistoryEntry{
		Attempt:    attempt,
		Verdict:    outcome.Verdict,
		Confidence: outcome.Confidence,
		Reasons:    outcome.Reasons,
		DurationMs: durationMs,
	}
	return outcome, entry, nil
}

func (ln *Lane) countVerdict(v escalation.Verdict) {
	switch v {
	case escalation.VerdictPass:
		ln.metrics.Counter("agenc.verifier.passes", 1, nil)
	case escalation.VerdictFail:
		ln.metrics.Counter("agenc.verifier.fails", 1, nil)
	case escalation.VerdictNeedsRevision:
		ln.metrics.Counter("agenc.verifier.needsRevision", 1, nil)
	}
}

func (ln *Lane) failOnVerifierError() bool {
	if ln.cfg.FailOnVerifierError == nil {
		return true
	}
	return *ln.cfg.FailOnVerifierError
}

func disagreementReasonCodes(detection candidates.DetectionResult) []string {
	seen := make(map[candidates.ReasonCode]struct{})
	var codes []string
	for _, d := range detection.Disagreements {
		for _, r := range d.Reasons {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			codes = append(codes, string(r))
		}
	}
	return codes
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
