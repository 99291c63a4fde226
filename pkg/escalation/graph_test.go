package escalation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agenc-labs/agenc-core/pkg/escalation"
)

func intPtr(v int) *int { return &v }

func TestDecide_PriorityOrder(t *testing.T) {
	// Policy denial preempts everything, even a pass verdict.
	tr := escalation.Decide(escalation.Input{
		Verdict:      escalation.VerdictPass,
		PolicyDenied: true,
		TimedOut:     true,
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonPolicyDenied}, tr)

	// Timeout beats budget exhaustion.
	tr = escalation.Decide(escalation.Input{
		Verdict:         escalation.VerdictPass,
		TimedOut:        true,
		BudgetExhausted: true,
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonTimeout}, tr)

	// Budget exhaustion beats a pass verdict.
	tr = escalation.Decide(escalation.Input{
		Verdict:         escalation.VerdictPass,
		BudgetExhausted: true,
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonBudgetExhausted}, tr)
}

func TestDecide_Pass(t *testing.T) {
	tr := escalation.Decide(escalation.Input{
		Verdict:          escalation.VerdictPass,
		Attempt:          5,
		MaxRetries:       0,
		Disagreements:    10,
		MaxDisagreements: intPtr(1),
	})
	// Pass wins over disagreement and attempt accounting.
	assert.Equal(t, escalation.Transition{escalation.StatePass, escalation.ReasonPass}, tr)
}

func TestDecide_DisagreementThreshold(t *testing.T) {
	tr := escalation.Decide(escalation.Input{
		Verdict:          escalation.VerdictFail,
		Attempt:          1,
		MaxRetries:       5,
		Disagreements:    2,
		MaxDisagreements: intPtr(2),
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonDisagreementThreshold}, tr)

	// Below threshold falls through to retry.
	tr = escalation.Decide(escalation.Input{
		Verdict:          escalation.VerdictFail,
		Attempt:          1,
		MaxRetries:       5,
		Disagreements:    1,
		MaxDisagreements: intPtr(2),
	})
	assert.Equal(t, escalation.Transition{escalation.StateRetry, escalation.ReasonRetryAllowed}, tr)
}

func TestDecide_RetriesExhausted(t *testing.T) {
	tr := escalation.Decide(escalation.Input{
		Verdict:    escalation.VerdictFail,
		Attempt:    3,
		MaxRetries: 2,
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonRetriesExhausted}, tr)
}

func TestDecide_ZeroRetryBudgetDecidesOnFirstAttempt(t *testing.T) {
	tr := escalation.Decide(escalation.Input{
		Verdict:    escalation.VerdictFail,
		Attempt:    1,
		MaxRetries: 0,
	})
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonRetriesExhausted}, tr)
}

func TestDecide_NeedsRevision(t *testing.T) {
	base := escalation.Input{
		Verdict:    escalation.VerdictNeedsRevision,
		Attempt:    1,
		MaxRetries: 3,
	}

	in := base
	in.RevisionAvailable = true
	assert.Equal(t, escalation.Transition{escalation.StateRevise, escalation.ReasonNeedsRevision}, escalation.Decide(in))

	in = base
	in.ReExecuteAllowed = true
	assert.Equal(t, escalation.Transition{escalation.StateRetry, escalation.ReasonNeedsRevision}, escalation.Decide(in))

	// Neither revision nor re-execution available.
	assert.Equal(t, escalation.Transition{escalation.StateEscalate, escalation.ReasonRevisionUnavailable}, escalation.Decide(base))
}

func TestDecide_FailRetries(t *testing.T) {
	tr := escalation.Decide(escalation.Input{
		Verdict:    escalation.VerdictFail,
		Attempt:    1,
		MaxRetries: 2,
	})
	assert.Equal(t, escalation.Transition{escalation.StateRetry, escalation.ReasonRetryAllowed}, tr)
}

// TestDecide_Total sweeps the input space and checks exactly one
// transition comes back for every combination.
func TestDecide_Total(t *testing.T) {
	verdicts := []escalation.Verdict{escalation.VerdictPass, escalation.VerdictFail, escalation.VerdictNeedsRevision}
	bools := []bool{false, true}
	for _, v := range verdicts {
		for _, pd := range bools {
			for _, to := range bools {
				for _, be := range bools {
					for _, ra := range bools {
						for _, re := range bools {
							for attempt := 1; attempt <= 3; attempt++ {
								tr := escalation.Decide(escalation.Input{
									Verdict: v, PolicyDenied: pd, TimedOut: to, BudgetExhausted: be,
									Attempt: attempt, MaxRetries: 1,
									RevisionAvailable: ra, ReExecuteAllowed: re,
								})
								assert.NotEmpty(t, tr.State)
								assert.NotEmpty(t, tr.Reason)
							}
						}
					}
				}
			}
		}
	}
}
