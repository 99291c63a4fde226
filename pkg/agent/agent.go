// Package agent glues the runtime together: it subscribes to tasks from
// the chain, pushes each claimed task through the verifier lane, ingests
// replay events through the backfill service, and wraps every externally
// observable action in a policy check before and an audit entry after.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenc-labs/agenc-core/pkg/audit"
	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/policy"
	"github.com/agenc-labs/agenc-core/pkg/replay"
	"github.com/agenc-labs/agenc-core/pkg/replay/backfill"
	"github.com/agenc-labs/agenc-core/pkg/risk"
	"github.com/agenc-labs/agenc-core/pkg/task"
	"github.com/agenc-labs/agenc-core/pkg/verifierlane"
)

// Outcome is the one structured record the agent emits per terminal
// task result.
type Outcome struct {
	TaskID     string                      `json:"taskId"`
	Passed     bool                        `json:"passed"`
	Reason     string                      `json:"reason,omitempty"`
	Attempts   int                         `json:"attempts"`
	Revisions  int                         `json:"revisions"`
	ClaimTx    string                      `json:"claimTx,omitempty"`
	CompleteTx string                      `json:"completeTx,omitempty"`
	History    []verifierlane.HistoryEntry `json:"history,omitempty"`
}

// Config shapes the agent loop.
type Config struct {
	// AgentID identifies this process in policy checks and audit entries.
	// Generated when empty.
	AgentID string `json:"agentId" yaml:"agentId"`
	// Workers bounds concurrent task executions (default 4).
	Workers int         `json:"workers" yaml:"workers"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
}

// Agent is one runtime process.
type Agent struct {
	cfg   Config
	chain ChainClient
	lane  *verifierlane.Lane
	eng   *policy.Engine
	trail *audit.Trail
	store replay.Store
	ingst *backfill.Service

	logger    *slog.Logger
	metrics   metrics.Provider
	clock     func() time.Time
	sleep     func(context.Context, time.Duration) error
	onOutcome func(Outcome)
	riskCtx   func() risk.Context

	wg    sync.WaitGroup
	tasks chan task.Task
}

// Option configures an Agent.
type Option func(*Agent)

func WithLogger(l *slog.Logger) Option        { return func(a *Agent) { a.logger = l } }
func WithMetrics(p metrics.Provider) Option   { return func(a *Agent) { a.metrics = p } }
func WithClock(clock func() time.Time) Option { return func(a *Agent) { a.clock = clock } }

// WithSleep replaces the backoff sleeper, for deterministic tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// WithOnOutcome registers a callback invoked once per terminal task
// result, after the audit entry is written.
func WithOnOutcome(fn func(Outcome)) Option { return func(a *Agent) { a.onOutcome = fn } }

// WithRiskContext supplies live historical rates to the adaptive risk
// gate. Defaults to zero rates.
func WithRiskContext(fn func() risk.Context) Option { return func(a *Agent) { a.riskCtx = fn } }

// New wires an agent. Lane and chain are required; policy engine, audit
// trail, store, and backfill service may be nil when the corresponding
// subsystem is not deployed.
func New(cfg Config, chain ChainClient, lane *verifierlane.Lane, opts ...Option) *Agent {
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetry()
	}
	a := &Agent{
		cfg:     cfg,
		chain:   chain,
		lane:    lane,
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		clock:   time.Now,
		sleep:   sleepCtx,
		tasks:   make(chan task.Task),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithPolicy attaches the before-hook policy engine.
func (a *Agent) WithPolicy(e *policy.Engine) *Agent { a.eng = e; return a }

// WithAudit attaches the after-hook audit trail.
func (a *Agent) WithAudit(t *audit.Trail) *Agent { a.trail = t; return a }

// WithIngestion attaches the replay store and backfill service.
func (a *Agent) WithIngestion(store replay.Store, svc *backfill.Service) *Agent {
	a.store = store
	a.ingst = svc
	return a
}

// Run subscribes to tasks and processes them until ctx is cancelled.
// Shutdown is cooperative: cancellation unwinds running lane invocations
// to escalate(timeout), the workers drain, and the store is flushed.
func (a *Agent) Run(ctx context.Context) error {
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}

	err := a.chain.SubscribeTasks(ctx, func(t task.Task) {
		select {
		case a.tasks <- t:
		case <-ctx.Done():
		}
	})

	close(a.tasks)
	a.wg.Wait()

	if flushErr := a.flush(context.Background()); flushErr != nil {
		a.logger.Error("flush on shutdown failed", "error", flushErr)
		if err == nil {
			err = flushErr
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent: subscription ended: %w", err)
	}
	return nil
}

func (a *Agent) worker(ctx context.Context) {
	defer a.wg.Done()
	for t := range a.tasks {
		a.HandleTask(ctx, t)
	}
}

// HandleTask runs one task end to end: policy check, claim, verifier
// lane, completion. Terminal results are audited and reported through
// the outcome callback; errors never propagate out of the loop.
func (a *Agent) HandleTask(ctx context.Context, t task.Task) {
	out := Outcome{TaskID: t.ID.Hex()}
	defer func() {
		a.metrics.Counter("agenc.verifier.tasks", 1, map[string]string{
			"passed": fmt.Sprintf("%t", out.Passed),
		})
		if a.onOutcome != nil {
			a.onOutcome(out)
		}
	}()

	assessment := a.assess(t)
	if err := a.checkPolicy(ctx, "claim", t, assessment.Score); err != nil {
		a.audited(t, "task.claim", "deny", nil, map[string]any{"error": err.Error()})
		out.Reason = "policy_denied"
		a.logger.Warn("claim denied by policy", "taskId", out.TaskID, "error", err)
		return
	}

	var claimTx string
	err := withRetry(ctx, a.cfg.Retry, a.sleep, func() error {
		var claimErr error
		claimTx, claimErr = a.chain.ClaimTask(ctx, t)
		return claimErr
	})
	if err != nil {
		out.Reason = "claim_failed"
		a.logger.Error("claim failed", "taskId", out.TaskID, "error", err)
		return
	}
	out.ClaimTx = claimTx
	a.audited(t, "task.claim", "allow", nil, map[string]any{"txSig": claimTx})

	res, err := a.lane.Execute(ctx, t, a.riskContext())
	if err != nil {
		esc, ok := verifierlane.AsEscalation(err)
		if !ok {
			out.Reason = "lane_error"
			a.logger.Error("lane failed", "taskId", out.TaskID, "error", err)
			return
		}
		out.Reason = string(esc.Reason)
		out.Attempts = esc.Attempts
		out.Revisions = esc.Revisions
		out.History = esc.History
		a.audited(t, "task.escalate", "allow", nil, map[string]any{
			"reason":   string(esc.Reason),
			"attempts": esc.Attempts,
		})
		a.logger.Warn("task escalated",
			"taskId", out.TaskID, "reason", esc.Reason, "attempts", esc.Attempts)
		return
	}

	out.Attempts = res.Attempts
	out.Revisions = res.Revisions
	out.History = res.History

	if err := a.checkPolicy(ctx, "complete", t, assessment.Score); err != nil {
		a.audited(t, "task.complete", "deny", res.Output, map[string]any{"error": err.Error()})
		out.Reason = "policy_denied"
		return
	}

	var completeTx string
	err = withRetry(ctx, a.cfg.Retry, a.sleep, func() error {
		var compErr error
		completeTx, compErr = a.chain.CompleteTask(ctx, t, res.Output)
		return compErr
	})
	if err != nil {
		out.Reason = "complete_failed"
		a.logger.Error("completion failed", "taskId", out.TaskID, "error", err)
		return
	}
	out.Passed = true
	out.CompleteTx = completeTx
	a.audited(t, "task.complete", "allow", res.Output, map[string]any{"txSig": completeTx})
}

// Ingest runs one backfill pass up to toSlot (0 = current chain slot),
// wrapped in the same policy/audit hooks as task actions.
func (a *Agent) Ingest(ctx context.Context, toSlot uint64) (backfill.Result, error) {
	if a.ingst == nil {
		return backfill.Result{}, fmt.Errorf("agent: ingestion not configured")
	}
	if a.eng != nil {
		if err := a.eng.Check(ctx, policy.Request{
			Actor:      a.cfg.AgentID,
			ActionType: "replay.backfill",
			Subkey:     fmt.Sprintf("%d", toSlot),
			Write:      true,
		}); err != nil {
			return backfill.Result{}, err
		}
	}
	if toSlot == 0 {
		err := withRetry(ctx, a.cfg.Retry, a.sleep, func() error {
			var slotErr error
			toSlot, slotErr = a.chain.GetSlot(ctx)
			return slotErr
		})
		if err != nil {
			return backfill.Result{}, fmt.Errorf("agent: resolve slot: %w", err)
		}
	}

	res, err := a.ingst.Run(ctx, toSlot)
	permission := "allow"
	md := map[string]any{
		"toSlot":    toSlot,
		"processed": res.Processed,
	}
	if err != nil {
		permission = "deny"
		md["error"] = err.Error()
	}
	a.appendAudit(audit.Entry{
		Actor:      a.cfg.AgentID,
		Role:       "execute",
		Action:     "replay.backfill",
		Permission: permission,
		Metadata:   md,
	})
	return res, err
}

// flush persists everything buffered before the process exits. It runs
// after the loop context is cancelled, so it takes its own context.
func (a *Agent) flush(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Flush(ctx); err != nil {
		return fmt.Errorf("agent: flush store: %w", err)
	}
	return nil
}

func (a *Agent) assess(t task.Task) risk.Assessment {
	return risk.Score(t, a.riskContext(), nil)
}

func (a *Agent) riskContext() risk.Context {
	if a.riskCtx != nil {
		return a.riskCtx()
	}
	return risk.Context{Now: a.clock()}
}

func (a *Agent) checkPolicy(ctx context.Context, action string, t task.Task, score float64) error {
	if a.eng == nil {
		return nil
	}
	return a.eng.Check(ctx, policy.Request{
		Actor:      a.cfg.AgentID,
		ActionType: action,
		Subkey:     t.ID.Hex(),
		RiskScore:  &score,
		Write:      true,
	})
}

// audited writes one trail entry for an externally observable action.
func (a *Agent) audited(t task.Task, action, permission string, output []*big.Int, md map[string]any) {
	inputHash, err := canonicalize.SHA256Hex(t)
	if err != nil {
		a.logger.Error("hash task for audit", "error", err)
		inputHash = ""
	}
	outputHash := ""
	if output != nil {
		outputHash, err = canonicalize.SHA256Hex(output)
		if err != nil {
			a.logger.Error("hash output for audit", "error", err)
		}
	}
	a.appendAudit(audit.Entry{
		Actor:      a.cfg.AgentID,
		Role:       "execute",
		Action:     action,
		Permission: permission,
		InputHash:  inputHash,
		OutputHash: outputHash,
		Metadata:   md,
	})
}

func (a *Agent) appendAudit(e audit.Entry) {
	if a.trail == nil {
		return
	}
	if _, err := a.trail.Append(e); err != nil {
		a.logger.Error("audit append failed", "action", e.Action, "error", err)
	}
}
