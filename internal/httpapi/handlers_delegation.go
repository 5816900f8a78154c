package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/policy"
	"github.com/agenthub/aicp/internal/store"
)

// delegationCreateRequest is the wire form of POST /v1/delegations.
type delegationCreateRequest struct {
	RequesterAgentID       string                     `json:"requester_agent_id"`
	DelegateAgentID        string                     `json:"delegate_agent_id"`
	TaskSpec               string                     `json:"task_spec"`
	EstimatedCostUSD       float64                    `json:"estimated_cost_usd"`
	MaxBudgetUSD           float64                    `json:"max_budget_usd"`
	SimulatedActualCostUSD *float64                   `json:"simulated_actual_cost_usd"`
	AutoReauthorize        bool                       `json:"auto_reauthorize"`
	MeteringEvents         []delegation.MeteringEvent `json:"metering_events"`
	PolicyContext          *delegationPolicyContext   `json:"policy_context"`
}

// delegationPolicyContext carries the caller-supplied constraint inputs
// the policy evaluator folds in next to budget and trust history.
type delegationPolicyContext struct {
	TrustFloor          *float64            `json:"trust_floor"`
	RequiredPermissions []string            `json:"required_permissions"`
	DelegatePermissions []string            `json:"delegate_permissions"`
	ABAC                *policy.ABACContext `json:"abac"`
}

// delegationResponse is the settled-delegation envelope.
type delegationResponse struct {
	Contract        delegation.Contract          `json:"contract"`
	DelegationID    string                       `json:"delegation_id"`
	Status          string                       `json:"status"`
	BudgetControls  delegation.BudgetControls    `json:"budget_controls"`
	PolicyDecision  *policy.Decision             `json:"policy_decision,omitempty"`
	Lifecycle       []delegation.LifecycleStage  `json:"lifecycle"`
	QueueState      *delegation.QueueState       `json:"queue_state,omitempty"`
	IdentityContext *delegation.IdentityContext  `json:"identity_context,omitempty"`
	SREGovernance   delegation.BreakerStatus     `json:"sre_governance"`
	AuditTrail      []delegation.AuditEntry      `json:"audit_trail,omitempty"`
}

// observeBreaker tracks breaker state transitions across dashboard
// reads and emits an audit event on change. The gauge sample is
// recorded inside SLODashboard already.
func (s *Server) observeBreaker(dash *delegation.Dashboard) {
	if dash == nil {
		return
	}
	state := dash.CircuitBreaker.State

	s.breakerMu.Lock()
	previous := s.breakerState
	s.breakerState = state
	s.breakerMu.Unlock()

	if previous != "" && previous != state {
		s.emit(audit.EventBreakerTransition, "", "system", "delegations/breaker", map[string]any{
			"from":              previous,
			"to":                state,
			"governance_action": dash.CircuitBreaker.GovernanceAction,
			"reasons":           dash.CircuitBreaker.Reasons,
		})
	}
}

func (s *Server) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req delegationCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Admission gate. An open breaker rejects before identity, policy,
	// or escrow run; the idempotency middleware releases the
	// reservation on the 503 so callers may retry after recovery.
	dash, err := s.delegations.SLODashboard(0)
	if err != nil {
		writeError(w, err)
		return
	}
	s.observeBreaker(dash)
	if dash.CircuitBreaker.State == delegation.BreakerOpen {
		writeStableErrorExtra(w, http.StatusServiceUnavailable, CodeBreakerOpen,
			"new delegations are rejected while the circuit breaker is open", map[string]any{
				"reasons": dash.CircuitBreaker.Reasons,
				"alerts":  dash.Alerts,
			})
		return
	}

	if req.RequesterAgentID == "" || req.DelegateAgentID == "" {
		writeError(w, fmt.Errorf("%w: requester_agent_id and delegate_agent_id are required", store.ErrInvalidArgument))
		return
	}
	if strings.TrimSpace(req.TaskSpec) == "" {
		writeError(w, fmt.Errorf("%w: task_spec is required", store.ErrInvalidArgument))
		return
	}
	if req.EstimatedCostUSD < 0 || req.MaxBudgetUSD <= 0 {
		writeError(w, fmt.Errorf("%w: estimated_cost_usd must be >= 0 and max_budget_usd > 0", store.ErrInvalidArgument))
		return
	}
	if req.EstimatedCostUSD > req.MaxBudgetUSD {
		writeStableError(w, http.StatusBadRequest, "budget.hard_ceiling",
			"hard ceiling exceeded: estimated cost above max budget")
		return
	}

	decision, denied := s.evaluateDelegationPolicy(w, &req)
	if denied {
		return
	}

	rec, err := s.delegations.Create(r.Context(), delegation.CreateRequest{
		RequesterAgentID:       req.RequesterAgentID,
		DelegateAgentID:        req.DelegateAgentID,
		TaskSpec:               req.TaskSpec,
		EstimatedCostUSD:       req.EstimatedCostUSD,
		MaxBudgetUSD:           req.MaxBudgetUSD,
		SimulatedActualCostUSD: req.SimulatedActualCostUSD,
		AutoReauthorize:        req.AutoReauthorize,
		DelegationToken:        r.Header.Get("X-Delegation-Token"),
		MeteringEvents:         req.MeteringEvents,
		PolicyDecision:         decision,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, delegationResponse{
		Contract:        rec.Contract,
		DelegationID:    rec.DelegationID,
		Status:          rec.Status,
		BudgetControls:  rec.BudgetControls,
		PolicyDecision:  rec.PolicyDecision,
		Lifecycle:       rec.Lifecycle,
		QueueState:      rec.QueueState,
		IdentityContext: rec.IdentityContext,
		SREGovernance:   dash.CircuitBreaker,
		AuditTrail:      rec.AuditTrail,
	})
}

// evaluateDelegationPolicy runs the signed policy evaluator ahead of
// escrow. On denial it writes the error itself: 400 when every violated
// constraint is budgetary, 403 otherwise.
func (s *Server) evaluateDelegationPolicy(w http.ResponseWriter, req *delegationCreateRequest) (*policy.Decision, bool) {
	input := policy.DelegationPolicyInput{
		MaxBudgetUSD:     req.MaxBudgetUSD,
		EstimatedCostUSD: req.EstimatedCostUSD,
		AutoReauthorize:  req.AutoReauthorize,
	}
	if pc := req.PolicyContext; pc != nil {
		input.TrustFloor = pc.TrustFloor
		input.RequiredPermissions = pc.RequiredPermissions
		input.DelegatePermissions = pc.DelegatePermissions
		input.ABAC = pc.ABAC
	}
	if score, err := s.delegations.TrustScore(req.DelegateAgentID); err == nil && score != nil {
		input.DelegateTrustScore = score
	}

	decision := s.policyEngine.EvaluateDelegation("delegation.create", req.RequesterAgentID, map[string]any{
		"delegate_agent_id": req.DelegateAgentID,
		"task_spec":         req.TaskSpec,
	}, input)

	if decision.Allowed {
		s.emit(audit.EventPolicyEvaluated, req.DelegateAgentID, req.RequesterAgentID,
			"policy/"+decision.DecisionID, map[string]any{
				"decision_id": decision.DecisionID,
				"outcome":     decision.Outcome,
			})
		return decision, false
	}

	status := http.StatusForbidden
	if policy.AllBudgetViolations(decision.ViolatedConstraints) {
		status = http.StatusBadRequest
	}
	s.emit(audit.EventPolicyDenied, req.DelegateAgentID, req.RequesterAgentID,
		"policy/"+decision.DecisionID, map[string]any{
			"decision_id":          decision.DecisionID,
			"violated_constraints": decision.ViolatedConstraints,
		})
	writeStableErrorExtra(w, status, "policy.denied", "delegation denied by policy", map[string]any{
		"policy_decision": decision,
	})
	return nil, true
}

func (s *Server) handleDelegationContract(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.delegations.ContractView())
}

func (s *Server) handleDelegationStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.delegations.Status(mux.Vars(r)["delegation_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSLODashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.delegations.SLODashboard(queryInt(r, "window", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	s.observeBreaker(dash)
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleRequesterBalance(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	balance, err := s.delegations.RequesterBalance(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "balance_usd": balance})
}

func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	score, err := s.delegations.TrustScore(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "trust_score": score})
}
