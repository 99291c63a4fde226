package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/policy"
)

func evaluator(t *testing.T, clock func() time.Time, rules ...policy.ToolRule) *policy.ToolEvaluator {
	t.Helper()
	e, err := policy.NewToolEvaluator(rules, clock)
	require.NoError(t, err)
	return e
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	e := evaluator(t, nil)
	d, err := e.Evaluate(context.Background(), policy.ToolInvocation{Tool: "shell.exec"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no matching allow rule", d.Reason)
}

func TestEvaluate_DenyShortCircuits(t *testing.T) {
	e := evaluator(t, nil,
		policy.ToolRule{Tool: "shell.*", Effect: policy.EffectDeny},
		policy.ToolRule{Tool: "shell.exec", Effect: policy.EffectAllow},
	)
	d, err := e.Evaluate(context.Background(), policy.ToolInvocation{Tool: "shell.exec"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "shell.*", d.Rule)
}

func TestEvaluate_FirstMatchingAllowWins(t *testing.T) {
	e := evaluator(t, nil,
		policy.ToolRule{Tool: "browser.open", Effect: policy.EffectAllow},
		policy.ToolRule{Tool: "browser.*", Effect: policy.EffectAllow, RateLimit: &policy.RateLimit{MaxPerMinute: 0}},
	)
	// The specific rule is the candidate; the rate-limited glob never applies.
	d, err := e.Evaluate(context.Background(), policy.ToolInvocation{Tool: "browser.open"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "browser.open", d.Rule)
}

func TestEvaluate_GlobSemantics(t *testing.T) {
	e := evaluator(t, nil, policy.ToolRule{Tool: "fs.*", Effect: policy.EffectAllow})

	cases := map[string]bool{
		"fs.read":      true,
		"fs.write":     true,
		"fs.read.meta": false, // one dot-segment only
		"fs":           false,
		"net.fetch":    false,
	}
	for tool, want := range cases {
		d, err := e.Evaluate(context.Background(), policy.ToolInvocation{Tool: tool})
		require.NoError(t, err)
		assert.Equal(t, want, d.Allowed, tool)
	}

	wildcard := evaluator(t, nil, policy.ToolRule{Tool: "*", Effect: policy.EffectAllow})
	d, err := wildcard.Evaluate(context.Background(), policy.ToolInvocation{Tool: "anything.at.all"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_ConditionsAnd(t *testing.T) {
	e := evaluator(t, nil, policy.ToolRule{
		Tool:   "notify.send",
		Effect: policy.EffectAllow,
		Conditions: &policy.ToolConditions{
			HeartbeatOnly: true,
			SessionIDs:    []string{"s1", "s2"},
			Channels:      []string{"ops"},
		},
	})

	base := policy.ToolInvocation{Tool: "notify.send", Heartbeat: true, SessionID: "s1", Channel: "ops"}
	d, err := e.Evaluate(context.Background(), base)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	noHeartbeat := base
	noHeartbeat.Heartbeat = false
	d, err = e.Evaluate(context.Background(), noHeartbeat)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	wrongSession := base
	wrongSession.SessionID = "s3"
	d, err = e.Evaluate(context.Background(), wrongSession)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	wrongChannel := base
	wrongChannel.Channel = "general"
	d, err = e.Evaluate(context.Background(), wrongChannel)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEvaluate_SandboxOnly(t *testing.T) {
	e := evaluator(t, nil, policy.ToolRule{
		Tool:       "shell.exec",
		Effect:     policy.EffectAllow,
		Conditions: &policy.ToolConditions{SandboxOnly: true},
	})

	d, err := e.Evaluate(context.Background(), policy.ToolInvocation{Tool: "shell.exec", Sandboxed: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.Evaluate(context.Background(), policy.ToolInvocation{Tool: "shell.exec"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEvaluate_CELExpression(t *testing.T) {
	e := evaluator(t, nil, policy.ToolRule{
		Tool:   "payments.transfer",
		Effect: policy.EffectAllow,
		Conditions: &policy.ToolConditions{
			Expr: `attributes["amount"] <= 100.0 && channel == "ops"`,
		},
	})

	small := policy.ToolInvocation{
		Tool: "payments.transfer", Channel: "ops",
		Attributes: map[string]any{"amount": 50.0},
	}
	d, err := e.Evaluate(context.Background(), small)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	large := small
	large.Attributes = map[string]any{"amount": 500.0}
	d, err = e.Evaluate(context.Background(), large)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNewToolEvaluator_RejectsInvalidExpr(t *testing.T) {
	_, err := policy.NewToolEvaluator([]policy.ToolRule{{
		Tool:       "x",
		Effect:     policy.EffectAllow,
		Conditions: &policy.ToolConditions{Expr: "this is not CEL ((("},
	}}, nil)
	assert.Error(t, err)
}

func TestEvaluate_RateLimitWindow(t *testing.T) {
	clock := newFakeClock()
	e := evaluator(t, clock.Now, policy.ToolRule{
		Tool:      "search.query",
		Effect:    policy.EffectAllow,
		RateLimit: &policy.RateLimit{MaxPerMinute: 2},
	})

	inv := policy.ToolInvocation{Tool: "search.query"}
	for i := 0; i < 2; i++ {
		d, err := e.Evaluate(context.Background(), inv)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := e.Evaluate(context.Background(), inv)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rate limit exceeded", d.Reason)

	clock.Advance(61 * time.Second)
	d, err = e.Evaluate(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReload_ClearsRateCounters(t *testing.T) {
	rules := []policy.ToolRule{{
		Tool:      "search.query",
		Effect:    policy.EffectAllow,
		RateLimit: &policy.RateLimit{MaxPerMinute: 1},
	}}
	e := evaluator(t, nil, rules...)

	inv := policy.ToolInvocation{Tool: "search.query"}
	d, err := e.Evaluate(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = e.Evaluate(context.Background(), inv)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, e.Reload(rules))
	d, err = e.Evaluate(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
