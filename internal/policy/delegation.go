package policy

import (
	"fmt"
	"math"
	"sort"
)

// Budget thresholds applied to the estimated/max ratio.
const (
	BudgetSoftAlertRatio = 0.8
	BudgetReauthRatio    = 1.0
	BudgetHardStopRatio  = 1.2
)

// ABACPrincipal describes the caller in an attribute evaluation.
type ABACPrincipal struct {
	Owner          string   `json:"owner"`
	TenantID       string   `json:"tenant_id"`
	AllowedActions []string `json:"allowed_actions"`
	MFAPresent     bool     `json:"mfa_present"`
}

// ABACResource describes the target resource.
type ABACResource struct {
	TenantID string `json:"tenant_id"`
}

// ABACEnvironment carries request environment attributes.
type ABACEnvironment struct {
	RequiresMFA bool `json:"requires_mfa"`
}

// ABACContext is the attribute triple evaluated alongside budget and
// trust constraints.
type ABACContext struct {
	Principal   ABACPrincipal   `json:"principal"`
	Resource    ABACResource    `json:"resource"`
	Environment ABACEnvironment `json:"environment"`
}

// DelegationPolicyInput carries everything the delegation evaluator
// looks at. Optional trust fields are pointers so "not provided" is
// distinguishable from zero.
type DelegationPolicyInput struct {
	MaxBudgetUSD        float64
	EstimatedCostUSD    float64
	AutoReauthorize     bool
	TrustFloor          *float64
	DelegateTrustScore  *float64
	RequiredPermissions []string
	DelegatePermissions []string
	ABAC                *ABACContext
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func abacReasons(action string, ctx *ABACContext) []Reason {
	if ctx == nil {
		return nil
	}
	var reasons []Reason
	if ctx.Principal.TenantID != ctx.Resource.TenantID {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "abac.tenant_mismatch",
			Message:  "principal tenant does not match resource tenant",
			Field:    "tenant_id",
			Observed: ctx.Principal.TenantID,
			Expected: ctx.Resource.TenantID,
		})
	}
	if !containsString(ctx.Principal.AllowedActions, action) && !containsString(ctx.Principal.AllowedActions, "*") {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "abac.action_not_allowed",
			Message:  "principal is not allowed to perform this action",
			Field:    "allowed_actions",
			Observed: sortedCopy(ctx.Principal.AllowedActions),
			Expected: action,
		})
	}
	if ctx.Environment.RequiresMFA && !ctx.Principal.MFAPresent {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "abac.mfa_required",
			Message:  "environment requires MFA and principal has none",
			Field:    "mfa_present",
			Observed: false,
			Expected: true,
		})
	}
	return reasons
}

// EvaluateDelegation runs the delegation constraint set and returns a
// signed decision. Budget checks come first, then trust floor, then
// required permissions, then attribute checks when a context is present.
func (e *Engine) EvaluateDelegation(action, actor string, subject map[string]any, input DelegationPolicyInput) *Decision {
	var reasons []Reason

	ratio := input.EstimatedCostUSD / math.Max(input.MaxBudgetUSD, 0.000001)

	if input.MaxBudgetUSD <= 0 {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "budget.max_budget_invalid",
			Message:  "max budget must be positive",
			Field:    "max_budget_usd",
			Observed: input.MaxBudgetUSD,
			Expected: "> 0",
		})
	}
	if input.EstimatedCostUSD <= 0 {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "budget.estimated_cost_invalid",
			Message:  "estimated cost must be positive",
			Field:    "estimated_cost_usd",
			Observed: input.EstimatedCostUSD,
			Expected: "> 0",
		})
	}

	if ratio >= BudgetHardStopRatio {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "budget.hard_stop_120",
			Message:  "estimated cost breaches the 120% hard stop",
			Field:    "budget_ratio",
			Observed: round6(ratio),
			Expected: fmt.Sprintf("< %.1fx max_budget_usd", BudgetHardStopRatio),
		})
	}
	if ratio >= BudgetReauthRatio && !input.AutoReauthorize {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "budget.reauthorization_required_100",
			Message:  "estimated cost reaches max budget and auto reauthorization is off",
			Field:    "auto_reauthorize",
			Observed: input.AutoReauthorize,
			Expected: true,
		})
	}
	if ratio >= BudgetSoftAlertRatio {
		reasons = append(reasons, Reason{
			Type:     ReasonWarning,
			Code:     "budget.soft_alert_80",
			Message:  "estimated cost crossed the 80% soft alert threshold",
			Field:    "budget_ratio",
			Observed: round6(ratio),
			Expected: fmt.Sprintf("< %.1fx max_budget_usd", BudgetSoftAlertRatio),
		})
	}

	if input.TrustFloor != nil {
		floor := *input.TrustFloor
		switch {
		case floor < 0 || floor > 1:
			reasons = append(reasons, Reason{
				Type:     ReasonViolation,
				Code:     "trust.floor_out_of_range",
				Message:  "trust floor must be within [0, 1]",
				Field:    "trust_floor",
				Observed: floor,
				Expected: "0 <= trust_floor <= 1",
			})
		case input.DelegateTrustScore == nil:
			reasons = append(reasons, Reason{
				Type:     ReasonViolation,
				Code:     "trust.delegate_score_missing",
				Message:  "trust floor set but delegate has no trust score",
				Field:    "delegate_trust_score",
				Expected: floor,
			})
		case *input.DelegateTrustScore < floor:
			reasons = append(reasons, Reason{
				Type:     ReasonViolation,
				Code:     "trust.floor_not_met",
				Message:  "delegate trust score is below the required floor",
				Field:    "delegate_trust_score",
				Observed: *input.DelegateTrustScore,
				Expected: floor,
			})
		}
	}

	if len(input.RequiredPermissions) > 0 {
		delegateSet := map[string]bool{}
		for _, p := range input.DelegatePermissions {
			delegateSet[p] = true
		}
		missing := false
		for _, p := range input.RequiredPermissions {
			if !delegateSet[p] {
				missing = true
				break
			}
		}
		if missing {
			reasons = append(reasons, Reason{
				Type:     ReasonViolation,
				Code:     "permissions.missing_required",
				Message:  "delegate is missing required permissions",
				Field:    "delegate_permissions",
				Observed: sortedCopy(input.DelegatePermissions),
				Expected: sortedCopy(input.RequiredPermissions),
			})
		}
	}

	reasons = append(reasons, abacReasons(action, input.ABAC)...)

	if len(reasons) == 0 {
		reasons = append(reasons, Reason{
			Type:    ReasonAllow,
			Code:    "policy.allow",
			Message: "all delegation constraints satisfied",
		})
	}

	evaluated := map[string]any{
		"max_budget_usd":       input.MaxBudgetUSD,
		"estimated_cost_usd":   input.EstimatedCostUSD,
		"budget_ratio":         round6(ratio),
		"auto_reauthorize":     input.AutoReauthorize,
		"required_permissions": sortedCopy(input.RequiredPermissions),
		"abac_context_present": input.ABAC != nil,
	}
	if input.TrustFloor != nil {
		evaluated["trust_floor"] = *input.TrustFloor
	}
	if input.DelegateTrustScore != nil {
		evaluated["delegate_trust_score"] = *input.DelegateTrustScore
	}

	return e.BuildDecision("delegation", action, actor, subject, evaluated, reasons)
}

// AllBudgetViolations reports whether every violated constraint is a
// budget constraint. Callers use it to distinguish malformed budget
// input from authorization denials.
func AllBudgetViolations(codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	for _, code := range codes {
		if len(code) < 7 || code[:7] != "budget." {
			return false
		}
	}
	return true
}
