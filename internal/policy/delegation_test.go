package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func evaluate(t *testing.T, input DelegationPolicyInput) *Decision {
	t.Helper()
	engine := testEngine()
	decision := engine.EvaluateDelegation("create_delegation", "runtime.delegation",
		map[string]any{"delegate_agent_id": "agent-beta"}, input)
	require.NotNil(t, decision)
	require.True(t, engine.VerifySignature(decision))
	return decision
}

func TestEvaluateDelegationAllows(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 25,
		AutoReauthorize:  false,
	})

	assert.True(t, decision.Allowed)
	assert.Equal(t, "allow", decision.Outcome)
	require.Len(t, decision.Reasons, 1)
	assert.Equal(t, "policy.allow", decision.Reasons[0].Code)
	assert.Equal(t, ReasonAllow, decision.Reasons[0].Type)
	assert.Equal(t, 0.25, decision.EvaluatedConstraints["budget_ratio"])
	assert.Equal(t, false, decision.EvaluatedConstraints["abac_context_present"])
}

func TestEvaluateDelegationSoftAlertWarns(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 85,
	})

	assert.True(t, decision.Allowed)
	assert.Equal(t, []string{"budget.soft_alert_80"}, decision.Explainability.WarningCodes)
	assert.Empty(t, decision.ViolatedConstraints)
}

func TestEvaluateDelegationReauthorizationRequired(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 105,
		AutoReauthorize:  false,
	})

	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"budget.reauthorization_required_100"}, decision.ViolatedConstraints)
	// The soft alert threshold is also crossed.
	assert.Equal(t, []string{"budget.soft_alert_80"}, decision.Explainability.WarningCodes)
}

func TestEvaluateDelegationAutoReauthorizeAllowsOverrun(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 105,
		AutoReauthorize:  true,
	})

	assert.True(t, decision.Allowed)
	assert.Equal(t, []string{"budget.soft_alert_80"}, decision.Explainability.WarningCodes)
}

func TestEvaluateDelegationHardStop(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 125,
		AutoReauthorize:  true,
	})

	assert.False(t, decision.Allowed)
	assert.Equal(t, []string{"budget.hard_stop_120"}, decision.ViolatedConstraints)
	assert.Equal(t, 1.25, decision.EvaluatedConstraints["budget_ratio"])
	assert.True(t, AllBudgetViolations(decision.ViolatedConstraints))
}

func TestEvaluateDelegationInvalidBudgets(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     0,
		EstimatedCostUSD: 10,
	})

	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.ViolatedConstraints, "budget.max_budget_invalid")
	// Ratio against the epsilon floor also trips the hard stop.
	assert.Contains(t, decision.ViolatedConstraints, "budget.hard_stop_120")

	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     10,
		EstimatedCostUSD: -1,
	})
	assert.Contains(t, decision.ViolatedConstraints, "budget.estimated_cost_invalid")
}

func TestEvaluateDelegationTrustFloor(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:       100,
		EstimatedCostUSD:   10,
		TrustFloor:         floatPtr(0.7),
		DelegateTrustScore: floatPtr(0.4),
	})
	assert.Equal(t, []string{"trust.floor_not_met"}, decision.ViolatedConstraints)

	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 10,
		TrustFloor:       floatPtr(0.7),
	})
	assert.Equal(t, []string{"trust.delegate_score_missing"}, decision.ViolatedConstraints)

	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 10,
		TrustFloor:       floatPtr(1.5),
	})
	assert.Equal(t, []string{"trust.floor_out_of_range"}, decision.ViolatedConstraints)

	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:       100,
		EstimatedCostUSD:   10,
		TrustFloor:         floatPtr(0.7),
		DelegateTrustScore: floatPtr(0.9),
	})
	assert.True(t, decision.Allowed)
	assert.Equal(t, 0.7, decision.EvaluatedConstraints["trust_floor"])
	assert.Equal(t, 0.9, decision.EvaluatedConstraints["delegate_trust_score"])
}

func TestEvaluateDelegationMissingPermissions(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:        100,
		EstimatedCostUSD:    10,
		RequiredPermissions: []string{"tasks.write", "tasks.read"},
		DelegatePermissions: []string{"tasks.read"},
	})

	assert.Equal(t, []string{"permissions.missing_required"}, decision.ViolatedConstraints)
	require.Len(t, decision.Reasons, 1)
	assert.Equal(t, []string{"tasks.read", "tasks.write"}, decision.Reasons[0].Expected)
	assert.Equal(t, []string{"tasks.read"}, decision.Reasons[0].Observed)

	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:        100,
		EstimatedCostUSD:    10,
		RequiredPermissions: []string{"tasks.read"},
		DelegatePermissions: []string{"tasks.read", "tasks.write"},
	})
	assert.True(t, decision.Allowed)
}

func TestEvaluateDelegationABACTenantMismatch(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 10,
		ABAC: &ABACContext{
			Principal: ABACPrincipal{
				Owner:          "owner-dev",
				TenantID:       "tenant-a",
				AllowedActions: []string{"create_delegation"},
				MFAPresent:     true,
			},
			Resource: ABACResource{TenantID: "tenant-b"},
		},
	})

	assert.Equal(t, []string{"abac.tenant_mismatch"}, decision.ViolatedConstraints)
	assert.Equal(t, true, decision.EvaluatedConstraints["abac_context_present"])
	assert.False(t, AllBudgetViolations(decision.ViolatedConstraints))
}

func TestEvaluateDelegationABACActionAndMFA(t *testing.T) {
	decision := evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 10,
		ABAC: &ABACContext{
			Principal: ABACPrincipal{
				TenantID:       "tenant-default",
				AllowedActions: []string{"read_only"},
			},
			Resource:    ABACResource{TenantID: "tenant-default"},
			Environment: ABACEnvironment{RequiresMFA: true},
		},
	})

	assert.ElementsMatch(t, []string{"abac.action_not_allowed", "abac.mfa_required"}, decision.ViolatedConstraints)

	// Wildcard action grants and present MFA clear both.
	decision = evaluate(t, DelegationPolicyInput{
		MaxBudgetUSD:     100,
		EstimatedCostUSD: 10,
		ABAC: &ABACContext{
			Principal: ABACPrincipal{
				TenantID:       "tenant-default",
				AllowedActions: []string{"*"},
				MFAPresent:     true,
			},
			Resource:    ABACResource{TenantID: "tenant-default"},
			Environment: ABACEnvironment{RequiresMFA: true},
		},
	})
	assert.True(t, decision.Allowed)
}

func TestAllBudgetViolations(t *testing.T) {
	assert.True(t, AllBudgetViolations([]string{"budget.hard_stop_120", "budget.max_budget_invalid"}))
	assert.False(t, AllBudgetViolations([]string{"budget.hard_stop_120", "trust.floor_not_met"}))
	assert.False(t, AllBudgetViolations(nil))
}
