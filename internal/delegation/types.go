package delegation

import (
	"math"
	"time"

	"github.com/agenthub/aicp/internal/policy"
)

// Budget states derived from the actual/estimated cost ratio.
const (
	BudgetStateOK        = "ok"
	BudgetStateSoftAlert = "soft_alert"
	BudgetStateReauth    = "reauthorization_required"
	BudgetStateHardStop  = "hard_stop"
)

// Final delegation statuses.
const (
	StatusCompleted      = "completed"
	StatusPendingReauth  = "pending_reauthorization"
	StatusFailedHardStop = "failed_hard_stop"
	StatusFailed         = "failed"
)

// Queue statuses while a delegation is in flight.
const (
	QueueStatusQueued  = "queued"
	QueueStatusRunning = "running"
)

// costEpsilon guards the settlement ratio against a zero estimate.
const costEpsilon = 0.000001

// BudgetControls is the settled budget state for one delegation.
type BudgetControls struct {
	State                   string  `json:"state"`
	SoftAlert               bool    `json:"soft_alert"`
	ReauthorizationRequired bool    `json:"reauthorization_required"`
	HardStop                bool    `json:"hard_stop"`
	Ratio                   float64 `json:"ratio"`
}

// BudgetControlsFromRatio applies the 80/100/120 threshold model.
// ReauthorizationRequired reports the threshold crossing itself; the
// state only escalates to reauthorization_required when the caller did
// not opt into automatic reauthorization.
func BudgetControlsFromRatio(ratio float64, autoReauthorize bool) BudgetControls {
	softAlert := ratio >= 0.8
	needsReauth := ratio >= 1.0 && !autoReauthorize
	hardStop := ratio >= 1.2

	state := BudgetStateOK
	switch {
	case hardStop:
		state = BudgetStateHardStop
	case needsReauth:
		state = BudgetStateReauth
	case softAlert:
		state = BudgetStateSoftAlert
	}
	return BudgetControls{
		State:                   state,
		SoftAlert:               softAlert,
		ReauthorizationRequired: ratio >= 1.0,
		HardStop:                hardStop,
		Ratio:                   round4(ratio),
	}
}

// LifecycleStage is one timestamped step of the delegation flow.
type LifecycleStage struct {
	Stage     string         `json:"stage"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

// AuditEntry is one metering or lifecycle audit row kept on the record.
type AuditEntry struct {
	Timestamp    string         `json:"timestamp"`
	DelegationID string         `json:"delegation_id"`
	Type         string         `json:"type"`
	Details      map[string]any `json:"details"`
}

// MeteringEvent is a caller-supplied cost line; when absent the
// orchestrator synthesizes a default llm/tool split.
type MeteringEvent struct {
	Event   string  `json:"event"`
	Tool    string  `json:"tool,omitempty"`
	Tokens  int     `json:"tokens,omitempty"`
	CostUSD float64 `json:"cost_usd"`
}

// QueueState tracks a delegation through queued → running → final.
type QueueState struct {
	DelegationID string `json:"delegation_id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// IdentityContext records what the identity gate observed at admission.
type IdentityContext struct {
	RequesterStatus string `json:"requester_status"`
	DelegateStatus  string `json:"delegate_status"`
	TokenID         string `json:"token_id,omitempty"`
	TokenChainDepth int    `json:"token_chain_depth,omitempty"`
	TokenVerified   bool   `json:"token_verified"`
}

// Record is the persisted delegation outcome: the full lifecycle plus
// everything a replay of the creating request must reproduce.
type Record struct {
	DelegationID     string           `json:"delegation_id"`
	RequesterAgentID string           `json:"requester_agent_id"`
	DelegateAgentID  string           `json:"delegate_agent_id"`
	TaskSpec         string           `json:"task_spec"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
	ActualCostUSD    float64          `json:"actual_cost_usd"`
	MaxBudgetUSD     float64          `json:"max_budget_usd"`
	Status           string           `json:"status"`
	Contract         Contract         `json:"contract"`
	PolicyDecision   *policy.Decision `json:"policy_decision,omitempty"`
	IdentityContext  *IdentityContext `json:"identity_context,omitempty"`
	Lifecycle        []LifecycleStage `json:"lifecycle"`
	AuditTrail       []AuditEntry     `json:"audit_trail"`
	BudgetControls   BudgetControls   `json:"budget_controls"`
	QueueState       *QueueState      `json:"queue_state,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

// CreateRequest carries the orchestrator inputs for one delegation.
type CreateRequest struct {
	RequesterAgentID       string
	DelegateAgentID        string
	TaskSpec               string
	EstimatedCostUSD       float64
	MaxBudgetUSD           float64
	SimulatedActualCostUSD *float64
	AutoReauthorize        bool
	DelegationToken        string
	MeteringEvents         []MeteringEvent
	PolicyDecision         *policy.Decision
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func round3(v float64) float64 {
	return math.Round(v*1e3) / 1e3
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
