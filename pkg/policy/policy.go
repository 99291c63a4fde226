// Package policy enforces action budgets, spend budgets, risk ceilings,
// and a circuit breaker in front of every externally observable action,
// plus the deny-first tool-policy evaluator. All checks fail closed: a
// violation is a structured refusal, never a silent allow.
package policy

import "fmt"

// ViolationError is the structured refusal surfaced to callers.
type ViolationError struct {
	Actor     string `json:"actor,omitempty"`
	Action    string `json:"action"`
	Rule      string `json:"rule"`
	Remaining int64  `json:"remaining"`
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy: %s denied by %s (remaining %d)", e.Action, e.Rule, e.Remaining)
}
