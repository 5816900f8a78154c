// Package delegation runs the agent-to-agent task delegation lifecycle:
// contract advertisement, escrow hold, execution simulation, budget
// settlement and refund, queue-state tracking, and the SLO dashboard
// that gates new admissions.
package delegation

import "sort"

// ContractVersion identifies the published delegation contract.
const ContractVersion = "delegation-contract-v2"

// ContractSLA is the latency envelope a delegate commits to.
type ContractSLA struct {
	P95LatencyMSTarget   int `json:"p95_latency_ms_target"`
	MaxEndToEndTimeoutMS int `json:"max_end_to_end_timeout_ms"`
}

// RetryRule tells callers how a failure class may be retried.
type RetryRule struct {
	MaxRetries          int   `json:"max_retries"`
	BackoffMS           []int `json:"backoff_ms"`
	IdempotencyRequired bool  `json:"idempotency_required"`
}

// Contract is the machine-readable delegation agreement served to
// clients before they submit work.
type Contract struct {
	Version             string               `json:"version"`
	IdempotencyRequired bool                 `json:"idempotency_required"`
	SLA                 ContractSLA          `json:"sla"`
	TimeoutsMS          map[string]int       `json:"timeouts_ms"`
	RetryMatrix         map[string]RetryRule `json:"retry_matrix"`
	CircuitBreakers     map[string]int       `json:"circuit_breakers"`
}

// DefaultContract returns the v2 delegation contract.
func DefaultContract() Contract {
	return Contract{
		Version:             ContractVersion,
		IdempotencyRequired: true,
		SLA: ContractSLA{
			P95LatencyMSTarget:   3000,
			MaxEndToEndTimeoutMS: 8000,
		},
		TimeoutsMS: map[string]int{
			"discovery":   500,
			"negotiation": 800,
			"execution":   5000,
			"delivery":    800,
			"settlement":  900,
		},
		RetryMatrix: map[string]RetryRule{
			"transient_network_error": {MaxRetries: 2, BackoffMS: []int{100, 250}, IdempotencyRequired: true},
			"delegate_timeout":        {MaxRetries: 1, BackoffMS: []int{200}, IdempotencyRequired: true},
			"policy_denied":           {MaxRetries: 0, BackoffMS: []int{}, IdempotencyRequired: true},
			"hard_stop_budget":        {MaxRetries: 0, BackoffMS: []int{}, IdempotencyRequired: true},
		},
		CircuitBreakers: map[string]int{
			"soft_alert_pct":      80,
			"reauthorization_pct": 100,
			"hard_stop_pct":       120,
		},
	}
}

// LifecycleStages lists the contract stages in execution order.
func LifecycleStages() []string {
	return []string{"discovery", "negotiation", "execution", "delivery", "settlement", "feedback"}
}

// FailureClasses lists retry-matrix keys in stable order.
func FailureClasses() []string {
	c := DefaultContract()
	classes := make([]string, 0, len(c.RetryMatrix))
	for name := range c.RetryMatrix {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	return classes
}
