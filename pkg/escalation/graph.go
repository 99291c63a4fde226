// Package escalation holds the pure transition function deciding what the
// verifier lane does after each verdict. It is side-effect free and total:
// every legal input maps to exactly one (state, reason) pair.
package escalation

// Verdict is the external verifier's judgement of one attempt.
type Verdict string

const (
	VerdictPass          Verdict = "pass"
	VerdictFail          Verdict = "fail"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// State is the lane's next move.
type State string

const (
	StatePass     State = "pass"
	StateRetry    State = "retry"
	StateRevise   State = "revise"
	StateEscalate State = "escalate"
)

// Reason explains a transition.
type Reason string

const (
	ReasonRetryAllowed          Reason = "retry_allowed"
	ReasonNeedsRevision         Reason = "needs_revision"
	ReasonRetriesExhausted      Reason = "retries_exhausted"
	ReasonRevisionUnavailable   Reason = "revision_unavailable"
	ReasonDisagreementThreshold Reason = "disagreement_threshold"
	ReasonTimeout               Reason = "timeout"
	ReasonPolicyDenied          Reason = "policy_denied"
	ReasonBudgetExhausted       Reason = "budget_exhausted"
	ReasonPass                  Reason = "pass"
)

// Input is the full decision context after one attempt.
type Input struct {
	Verdict Verdict

	PolicyDenied    bool
	TimedOut        bool
	BudgetExhausted bool

	// Attempt is the 1-based attempt just completed; the lane may run at
	// most MaxRetries+1 attempts.
	Attempt    int
	MaxRetries int

	// Disagreements observed this attempt; MaxDisagreements nil disables
	// the threshold check.
	Disagreements    int
	MaxDisagreements *int

	RevisionAvailable bool
	ReExecuteAllowed  bool
}

// Transition is the decided next step.
type Transition struct {
	State  State  `json:"state"`
	Reason Reason `json:"reason"`
}

// Decide applies the transition priority order:
// policy denial, timeout, and budget exhaustion preempt everything; a pass
// verdict wins over disagreement and retry accounting; disagreement
// threshold wins over retry exhaustion; revision is preferred to blind
// re-execution.
func Decide(in Input) Transition {
	switch {
	case in.PolicyDenied:
		return Transition{StateEscalate, ReasonPolicyDenied}
	case in.TimedOut:
		return Transition{StateEscalate, ReasonTimeout}
	case in.BudgetExhausted:
		return Transition{StateEscalate, ReasonBudgetExhausted}
	case in.Verdict == VerdictPass:
		return Transition{StatePass, ReasonPass}
	case in.MaxDisagreements != nil && in.Disagreements >= *in.MaxDisagreements:
		return Transition{StateEscalate, ReasonDisagreementThreshold}
	case in.Attempt >= in.MaxRetries+1:
		return Transition{StateEscalate, ReasonRetriesExhausted}
	case in.Verdict == VerdictNeedsRevision && in.RevisionAvailable:
		return Transition{StateRevise, ReasonNeedsRevision}
	case in.Verdict == VerdictNeedsRevision && in.ReExecuteAllowed:
		return Transition{StateRetry, ReasonNeedsRevision}
	case in.Verdict == VerdictNeedsRevision:
		return Transition{StateEscalate, ReasonRevisionUnavailable}
	default:
		return Transition{StateRetry, ReasonRetryAllowed}
	}
}
