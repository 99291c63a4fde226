package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agenc-labs/agenc-core/pkg/metrics"
)

// ActionBudget bounds how often actions matching Pattern may run inside a
// sliding window. Patterns are "{actionType}:{subkey}" with "*" matching
// one segment ("claim:*" covers every claim subkey).
type ActionBudget struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Limit    int    `json:"limit" yaml:"limit"`
	WindowMs int64  `json:"windowMs" yaml:"windowMs"`
}

// SpendBudget bounds cumulative lamport spend inside a sliding window.
type SpendBudget struct {
	LimitLamports uint64 `json:"limitLamports" yaml:"limitLamports"`
	WindowMs      int64  `json:"windowMs" yaml:"windowMs"`
}

// BreakerMode selects what a tripped breaker rejects.
type BreakerMode string

const (
	// ModeSafeMode rejects everything while tripped.
	ModeSafeMode BreakerMode = "safe_mode"
	// ModeDegraded rejects writes and allows reads while tripped.
	ModeDegraded BreakerMode = "degraded"
)

// CircuitBreakerConfig trips the breaker once Threshold violations land
// within WindowMs; it resets after a full window with no new violations.
type CircuitBreakerConfig struct {
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	Threshold int         `json:"threshold" yaml:"threshold"`
	WindowMs  int64       `json:"windowMs" yaml:"windowMs"`
	Mode      BreakerMode `json:"mode" yaml:"mode"`
}

// Config is the full policy engine configuration.
type Config struct {
	Enabled        bool                 `json:"enabled" yaml:"enabled"`
	ActionBudgets  []ActionBudget       `json:"actionBudgets,omitempty" yaml:"actionBudgets,omitempty"`
	SpendBudget    *SpendBudget         `json:"spendBudget,omitempty" yaml:"spendBudget,omitempty"`
	MaxRiskScore   *float64             `json:"maxRiskScore,omitempty" yaml:"maxRiskScore,omitempty"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
}

// Request describes one externally observable action about to run.
type Request struct {
	Actor         string
	ActionType    string
	Subkey        string
	SpendLamports uint64
	// RiskScore is checked against the ceiling when present.
	RiskScore *float64
	// Write marks state-changing actions for the degraded breaker mode.
	Write bool
}

// ActionKey is the bucket key for a request.
func (r Request) ActionKey() string {
	return r.ActionType + ":" + r.Subkey
}

// Engine evaluates every request against the configured budgets, ceiling,
// and breaker.
type Engine struct {
	cfg     Config
	buckets BucketStore
	ledger  SpendLedger
	logger  *slog.Logger
	sink    metrics.Provider
	clock   func() time.Time

	mu         sync.Mutex
	violations []int64 // unix-ms timestamps inside the breaker window
	tripped    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Provider) EngineOption { return func(e *Engine) { e.sink = m } }

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) EngineOption { return func(e *Engine) { e.clock = clock } }

// WithBuckets installs a BucketStore (for example the Redis store); the
// default is in-memory.
func WithBuckets(b BucketStore) EngineOption { return func(e *Engine) { e.buckets = b } }

// WithSpendLedger installs a SpendLedger (for example the Postgres
// ledger); the default is in-memory.
func WithSpendLedger(l SpendLedger) EngineOption { return func(e *Engine) { e.ledger = l } }

// NewEngine creates a policy engine.
func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		sink:   metrics.Nop{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.buckets == nil {
		e.buckets = NewMemoryBuckets(e.clock)
	}
	if e.ledger == nil {
		e.ledger = NewMemorySpendLedger(e.clock)
	}
	return e
}

// Check evaluates one request. A nil return means the action may run; a
// *ViolationError explains the refusal. Violations feed the breaker.
func (e *Engine) Check(ctx context.Context, req Request) error {
	if !e.cfg.Enabled {
		return nil
	}
	e.sink.Counter("agenc.policy.checks", 1, nil)

	if err := e.checkBreaker(req); err != nil {
		e.reject(err)
		return err
	}
	if err := e.checkRisk(req); err != nil {
		e.recordViolation()
		e.reject(err)
		return err
	}
	if err := e.checkActionBudgets(ctx, req); err != nil {
		e.recordViolation()
		e.reject(err)
		return err
	}
	if err := e.checkSpend(ctx, req); err != nil {
		e.recordViolation()
		e.reject(err)
		return err
	}
	return nil
}

func (e *Engine) checkBreaker(req Request) error {
	if !e.cfg.CircuitBreaker.Enabled {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneViolationsLocked()
	if !e.tripped {
		return nil
	}
	if len(e.violations) == 0 {
		// Full cool-off window with zero new violations.
		e.tripped = false
		e.sink.Gauge("agenc.policy.breaker_tripped", 0, nil)
		e.logger.Info("circuit breaker reset")
		return nil
	}
	if e.cfg.CircuitBreaker.Mode == ModeDegraded && !req.Write {
		return nil
	}
	return &ViolationError{
		Actor:  req.Actor,
		Action: req.ActionKey(),
		Rule:   "circuit_breaker:" + string(e.mode()),
	}
}

func (e *Engine) checkRisk(req Request) error {
	if e.cfg.MaxRiskScore == nil || req.RiskScore == nil {
		return nil
	}
	if *req.RiskScore > *e.cfg.MaxRiskScore {
		return &ViolationError{
			Actor:  req.Actor,
			Action: req.ActionKey(),
			Rule:   fmt.Sprintf("max_risk_score:%g", *e.cfg.MaxRiskScore),
		}
	}
	return nil
}

func (e *Engine) checkActionBudgets(ctx context.Context, req Request) error {
	key := req.ActionKey()
	for _, b := range e.cfg.ActionBudgets {
		if !matchActionPattern(b.Pattern, key) {
			continue
		}
		allowed, _, err := e.buckets.Allow(ctx, b.Pattern+"|"+key, b.WindowMs, b.Limit)
		if err != nil {
			return fmt.Errorf("policy: bucket store: %w", err)
		}
		if !allowed {
			return &ViolationError{
				Actor:  req.Actor,
				Action: key,
				Rule:   "action_budget:" + b.Pattern,
			}
		}
	}
	return nil
}

func (e *Engine) checkSpend(ctx context.Context, req Request) error {
	if e.cfg.SpendBudget == nil || req.SpendLamports == 0 {
		return nil
	}
	b := e.cfg.SpendBudget
	allowed, remaining, err := e.ledger.TrySpend(ctx, "spend", req.SpendLamports, b.WindowMs, b.LimitLamports)
	if err != nil {
		return fmt.Errorf("policy: spend ledger: %w", err)
	}
	if !allowed {
		return &ViolationError{
			Actor:     req.Actor,
			Action:    req.ActionKey(),
			Rule:      fmt.Sprintf("spend_budget:%d", b.LimitLamports),
			Remaining: int64(remaining),
		}
	}
	return nil
}

// recordViolation feeds the breaker and trips it at the threshold.
func (e *Engine) recordViolation() {
	if !e.cfg.CircuitBreaker.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.violations = append(e.violations, e.clock().UnixMilli())
	e.pruneViolationsLocked()
	if !e.tripped && len(e.violations) >= e.cfg.CircuitBreaker.Threshold {
		e.tripped = true
		e.sink.Gauge("agenc.policy.breaker_tripped", 1, nil)
		e.logger.Warn("circuit breaker tripped",
			"violations", len(e.violations), "mode", string(e.mode()))
	}
}

func (e *Engine) pruneViolationsLocked() {
	cutoff := e.clock().UnixMilli() - e.cfg.CircuitBreaker.WindowMs
	kept := e.violations[:0]
	for _, ts := range e.violations {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	e.violations = kept
}

func (e *Engine) mode() BreakerMode {
	if e.cfg.CircuitBreaker.Mode == "" {
		return ModeSafeMode
	}
	return e.cfg.CircuitBreaker.Mode
}

func (e *Engine) reject(err error) {
	rule := "unknown"
	if v, ok := err.(*ViolationError); ok {
		rule = v.Rule
	}
	e.sink.Counter("agenc.policy.violations", 1, map[string]string{"rule": rule})
}

// matchActionPattern matches "type:subkey" keys against patterns where "*"
// covers one segment and a bare "*" covers everything.
func matchActionPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	pp := strings.Split(pattern, ":")
	kp := strings.Split(key, ":")
	if len(pp) != len(kp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != kp[i] {
			return false
		}
	}
	return true
}
