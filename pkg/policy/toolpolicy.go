package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Effect is the outcome a tool rule produces when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// RateLimit bounds tool invocations inside a sliding 60-second window.
type RateLimit struct {
	MaxPerMinute int `json:"maxPerMinute" yaml:"maxPerMinute"`
}

// ToolConditions must all hold for a rule to apply. Empty fields are
// unconstrained.
type ToolConditions struct {
	HeartbeatOnly bool     `json:"heartbeatOnly,omitempty" yaml:"heartbeatOnly,omitempty"`
	SessionIDs    []string `json:"sessionIds,omitempty" yaml:"sessionIds,omitempty"`
	Channels      []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	SandboxOnly   bool     `json:"sandboxOnly,omitempty" yaml:"sandboxOnly,omitempty"`
	// Expr is an optional CEL expression over the invocation (variables:
	// tool, sessionId, channel, heartbeat, sandboxed, attributes).
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// ToolRule is one ordered entry of the tool policy.
type ToolRule struct {
	Tool       string          `json:"tool" yaml:"tool"`
	Effect     Effect          `json:"effect" yaml:"effect"`
	Conditions *ToolConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	RateLimit  *RateLimit      `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// ToolInvocation describes one attempted tool call.
type ToolInvocation struct {
	Tool       string
	SessionID  string
	Channel    string
	Heartbeat  bool
	Sandboxed  bool
	Attributes map[string]any
}

// ToolDecision explains an evaluation outcome.
type ToolDecision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"` // tool glob of the deciding rule
	Reason  string `json:"reason"`
}

const toolRateWindow = 60 * time.Second

type compiledRule struct {
	ToolRule
	program cel.Program
}

// ToolEvaluator applies ordered deny-first tool rules with per-tool rate
// limiting. Default deny: an invocation no rule allows is rejected.
type ToolEvaluator struct {
	mu      sync.Mutex
	rules   []compiledRule
	windows map[string][]int64
	clock   func() time.Time
	env     *cel.Env
}

// NewToolEvaluator compiles the rule list. Invalid CEL conditions are a
// construction error, not a runtime one.
func NewToolEvaluator(rules []ToolRule, clock func() time.Time) (*ToolEvaluator, error) {
	if clock == nil {
		clock = time.Now
	}
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("sessionId", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("heartbeat", cel.BoolType),
		cel.Variable("sandboxed", cel.BoolType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel env: %w", err)
	}
	e := &ToolEvaluator{
		windows: make(map[string][]int64),
		clock:   clock,
		env:     env,
	}
	if err := e.load(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ToolEvaluator) load(rules []ToolRule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{ToolRule: r}
		if r.Conditions != nil && r.Conditions.Expr != "" {
			ast, issues := e.env.Compile(r.Conditions.Expr)
			if issues != nil && issues.Err() != nil {
				return fmt.Errorf("policy: rule %d expr: %w", i, issues.Err())
			}
			prog, err := e.env.Program(ast)
			if err != nil {
				return fmt.Errorf("policy: rule %d program: %w", i, err)
			}
			cr.program = prog
		}
		compiled = append(compiled, cr)
	}
	e.rules = compiled
	return nil
}

// Reload swaps the rule set and clears every rate-limit window.
func (e *ToolEvaluator) Reload(rules []ToolRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(rules); err != nil {
		return err
	}
	e.windows = make(map[string][]int64)
	return nil
}

// Evaluate applies the rules in order: a matched deny short-circuits, the
// first matched allow becomes the candidate, and the candidate's rate
// limit (when present) gates the final decision.
func (e *ToolEvaluator) Evaluate(_ context.Context, inv ToolInvocation) (ToolDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var candidate *compiledRule
	for i := range e.rules {
		r := &e.rules[i]
		if !matchToolGlob(r.Tool, inv.Tool) {
			continue
		}
		ok, err := e.conditionsHold(r, inv)
		if err != nil {
			return ToolDecision{}, err
		}
		if !ok {
			continue
		}
		if r.Effect == EffectDeny {
			return ToolDecision{Allowed: false, Rule: r.Tool, Reason: "denied by rule"}, nil
		}
		if candidate == nil {
			candidate = r
		}
	}

	if candidate == nil {
		return ToolDecision{Allowed: false, Reason: "no matching allow rule"}, nil
	}
	if candidate.RateLimit != nil {
		if !e.allowRateLocked(inv.Tool, candidate.RateLimit.MaxPerMinute) {
			return ToolDecision{Allowed: false, Rule: candidate.Tool, Reason: "rate limit exceeded"}, nil
		}
	}
	return ToolDecision{Allowed: true, Rule: candidate.Tool, Reason: "allowed by rule"}, nil
}

func (e *ToolEvaluator) conditionsHold(r *compiledRule, inv ToolInvocation) (bool, error) {
	c := r.Conditions
	if c == nil {
		return true, nil
	}
	if c.HeartbeatOnly && !inv.Heartbeat {
		return false, nil
	}
	if c.SandboxOnly && !inv.Sandboxed {
		return false, nil
	}
	if len(c.SessionIDs) > 0 && !contains(c.SessionIDs, inv.SessionID) {
		return false, nil
	}
	if len(c.Channels) > 0 && !contains(c.Channels, inv.Channel) {
		return false, nil
	}
	if r.program != nil {
		attrs := inv.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		out, _, err := r.program.Eval(map[string]any{
			"tool":       inv.Tool,
			"sessionId":  inv.SessionID,
			"channel":    inv.Channel,
			"heartbeat":  inv.Heartbeat,
			"sandboxed":  inv.Sandboxed,
			"attributes": attrs,
		})
		if err != nil {
			return false, fmt.Errorf("policy: evaluate expr on %s: %w", r.Tool, err)
		}
		hold, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("policy: expr on %s returned non-bool", r.Tool)
		}
		if !hold {
			return false, nil
		}
	}
	return true, nil
}

func (e *ToolEvaluator) allowRateLocked(tool string, limit int) bool {
	now := e.clock().UnixMilli()
	cutoff := now - toolRateWindow.Milliseconds()
	kept := e.windows[tool][:0]
	for _, ts := range e.windows[tool] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= limit {
		e.windows[tool] = kept
		return false
	}
	e.windows[tool] = append(kept, now)
	return true
}

// matchToolGlob matches "*" against everything and "prefix.*" within one
// dot-segment; anything else is an exact match.
func matchToolGlob(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutSuffix(pattern, ".*"); ok {
		rest, matched := strings.CutPrefix(tool, suffix+".")
		return matched && rest != "" && !strings.Contains(rest, ".")
	}
	return pattern == tool
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
