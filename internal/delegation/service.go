package delegation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/aicp/internal/store"
)

// AgentResolver reports the lifecycle status of an agent identity.
// A nil resolver means the identity module is not provisioned and the
// identity gate is skipped.
type AgentResolver interface {
	AgentStatus(agentID string) (string, error)
}

// TokenContext is the verified view of a supplied delegation token.
type TokenContext struct {
	TokenID        string
	SubjectAgentID string
	ChainDepth     int
}

// TokenVerifier validates a signed delegation token including its
// chain of ancestors.
type TokenVerifier interface {
	VerifyToken(signedToken string) (*TokenContext, error)
}

// Meter records settled cost events for billing.
type Meter interface {
	Record(actor, operation string, costUSD float64, metadata map[string]any)
}

// EventSink receives lifecycle audit events.
type EventSink interface {
	Emit(eventType string, data map[string]any)
}

// Deps are the optional collaborators of the orchestrator. Zero-value
// fields disable the corresponding integration.
type Deps struct {
	Agents  AgentResolver
	Tokens  TokenVerifier
	Meter   Meter
	Events  EventSink
	Metrics *Metrics
}

// Service orchestrates the delegation lifecycle.
type Service struct {
	store  *Store
	escrow Escrow
	deps   Deps
	logger *log.Logger
}

// NewService builds the orchestrator on its two required stores.
func NewService(st *Store, escrow Escrow, deps Deps) *Service {
	return &Service{
		store:  st,
		escrow: escrow,
		deps:   deps,
		logger: log.New(log.Writer(), "[Delegation] ", log.LstdFlags),
	}
}

func stageEntry(name string, details map[string]any) LifecycleStage {
	if details == nil {
		details = map[string]any{}
	}
	return LifecycleStage{Stage: name, Timestamp: utcNowISO(), Details: details}
}

// Create runs the full delegation flow and persists the outcome.
// Callers own idempotency reservations; any error here must make them
// clear the reservation so the client can retry.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if req.EstimatedCostUSD > req.MaxBudgetUSD {
		return nil, fmt.Errorf("hard ceiling exceeded: estimated cost above max budget: %w", store.ErrInvalidArgument)
	}

	identityCtx, err := s.verifyIdentities(req)
	if err != nil {
		return nil, err
	}

	delegationID := uuid.NewString()
	if _, err := s.store.UpsertQueueState(delegationID, QueueStatusQueued, true, ""); err != nil {
		return nil, err
	}

	rec, err := s.run(ctx, delegationID, req, identityCtx)
	if err != nil {
		if _, qerr := s.store.UpsertQueueState(delegationID, StatusFailed, false, err.Error()); qerr != nil {
			s.logger.Printf("⚠️ Queue state update failed for %s: %v", delegationID, qerr)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) run(ctx context.Context, delegationID string, req CreateRequest, identityCtx *IdentityContext) (rec *Record, retErr error) {
	estimated := req.EstimatedCostUSD
	actual := roundCost(estimated * 0.92)
	if req.SimulatedActualCostUSD != nil {
		actual = *req.SimulatedActualCostUSD
	}

	lifecycle := make([]LifecycleStage, 0, 6)
	auditTrail := make([]AuditEntry, 0, 4)

	lifecycle = append(lifecycle, stageEntry("discovery", map[string]any{
		"requester": req.RequesterAgentID,
		"delegate":  req.DelegateAgentID,
	}))
	lifecycle = append(lifecycle, stageEntry("negotiation", map[string]any{
		"estimated_cost_usd": estimated,
		"max_budget_usd":     req.MaxBudgetUSD,
	}))

	if err := s.escrow.Hold(ctx, req.RequesterAgentID, delegationID, estimated); err != nil {
		return nil, err
	}
	// Until settlement refunds for real, a failure releases the full
	// hold so a retried request cannot double-deduct.
	held := true
	defer func() {
		if held && retErr != nil {
			if rerr := s.escrow.Refund(ctx, req.RequesterAgentID, delegationID, estimated); rerr != nil {
				s.logger.Printf("🛑 Escrow release failed for %s: %v", delegationID, rerr)
			}
		}
	}()

	if _, err := s.store.UpsertQueueState(delegationID, QueueStatusRunning, false, ""); err != nil {
		return nil, err
	}

	sandbox, err := os.MkdirTemp("", "agenthub-delegation-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("provision execution sandbox: %w", err)
	}
	defer os.RemoveAll(sandbox)

	start := time.Now()
	lifecycle = append(lifecycle, stageEntry("execution", map[string]any{
		"sandbox_path": sandbox,
		"network":      "disabled",
		"status":       "started",
	}))

	meterRows := req.MeteringEvents
	if len(meterRows) == 0 {
		meterRows = []MeteringEvent{
			{Event: "llm_call", Tokens: 350, CostUSD: roundCost(actual * 0.4)},
			{Event: "tool_call", Tool: "delegate_tool", CostUSD: roundCost(actual * 0.6)},
		}
	}
	for _, row := range meterRows {
		auditTrail = append(auditTrail, meteringAuditEntry(delegationID, row))
	}

	latencyMS := round3(float64(time.Since(start).Microseconds()) / 1000.0)
	lifecycle = append(lifecycle, stageEntry("delivery", map[string]any{
		"output_schema_valid": true,
		"latency_ms":          latencyMS,
	}))

	controls := BudgetControlsFromRatio(actual/math.Max(estimated, costEpsilon), req.AutoReauthorize)

	status := StatusCompleted
	switch controls.State {
	case BudgetStateHardStop:
		status = StatusFailedHardStop
	case BudgetStateReauth:
		status = StatusPendingReauth
	}

	refund := math.Max(0, estimated-actual)
	if err := s.escrow.Refund(ctx, req.RequesterAgentID, delegationID, refund); err != nil {
		return nil, err
	}
	held = false

	lifecycle = append(lifecycle, stageEntry("settlement", map[string]any{
		"settlement_status":  status,
		"estimated_cost_usd": estimated,
		"actual_cost_usd":    actual,
		"escrow_refund_usd":  roundCost(refund),
		"budget_controls":    controls,
	}))

	success := status == StatusCompleted
	quality := 0.0
	if success {
		quality = 1.0
	}
	lifecycle = append(lifecycle, stageEntry("feedback", map[string]any{
		"success":       success,
		"quality_score": quality,
	}))

	if err := s.store.AppendUsageEvent(req.DelegateAgentID, success, actual, latencyMS); err != nil {
		s.logger.Printf("⚠️ Usage signal write failed for %s: %v", delegationID, err)
	}
	if s.deps.Meter != nil {
		s.deps.Meter.Record(req.RequesterAgentID, "delegation.create", actual, map[string]any{
			"delegation_id":     delegationID,
			"delegate_agent_id": req.DelegateAgentID,
			"budget_ratio":      controls.Ratio,
			"budget_state":      controls.State,
		})
	}
	if s.deps.Events != nil {
		s.deps.Events.Emit("delegation.created", map[string]any{
			"delegation_id":      delegationID,
			"requester_agent_id": req.RequesterAgentID,
			"delegate_agent_id":  req.DelegateAgentID,
			"status":             status,
			"budget_state":       controls.State,
			"actual_cost_usd":    actual,
		})
	}
	s.deps.Metrics.ObserveDelegation(status, actual, latencyMS)

	if _, err := s.store.UpsertQueueState(delegationID, status, false, ""); err != nil {
		return nil, err
	}
	queueState, err := s.store.GetQueueState(delegationID)
	if err != nil {
		return nil, err
	}

	now := utcNowISO()
	rec = &Record{
		DelegationID:     delegationID,
		RequesterAgentID: req.RequesterAgentID,
		DelegateAgentID:  req.DelegateAgentID,
		TaskSpec:         req.TaskSpec,
		EstimatedCostUSD: estimated,
		ActualCostUSD:    actual,
		MaxBudgetUSD:     req.MaxBudgetUSD,
		Status:           status,
		Contract:         DefaultContract(),
		PolicyDecision:   req.PolicyDecision,
		IdentityContext:  identityCtx,
		Lifecycle:        lifecycle,
		AuditTrail:       auditTrail,
		BudgetControls:   controls,
		QueueState:       queueState,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func meteringAuditEntry(delegationID string, row MeteringEvent) AuditEntry {
	eventType := row.Event
	if eventType == "" {
		eventType = "metering"
	}
	details := map[string]any{
		"event":    eventType,
		"cost_usd": row.CostUSD,
	}
	if row.Tool != "" {
		details["tool"] = row.Tool
	}
	if row.Tokens > 0 {
		details["tokens"] = row.Tokens
	}
	return AuditEntry{
		Timestamp:    utcNowISO(),
		DelegationID: delegationID,
		Type:         eventType,
		Details:      details,
	}
}

// verifyIdentities enforces the identity gate when an identity module
// is wired: both agents must exist and be active, and a supplied
// delegation token must verify including its chain.
func (s *Service) verifyIdentities(req CreateRequest) (*IdentityContext, error) {
	if s.deps.Agents == nil {
		return nil, nil
	}

	requesterStatus, err := s.agentStatus("requester", req.RequesterAgentID)
	if err != nil {
		return nil, err
	}
	delegateStatus, err := s.agentStatus("delegate", req.DelegateAgentID)
	if err != nil {
		return nil, err
	}

	out := &IdentityContext{
		RequesterStatus: requesterStatus,
		DelegateStatus:  delegateStatus,
	}

	if req.DelegationToken != "" && s.deps.Tokens != nil {
		tokenCtx, err := s.deps.Tokens.VerifyToken(req.DelegationToken)
		if err != nil {
			return nil, fmt.Errorf("delegation token rejected: %w", err)
		}
		out.TokenID = tokenCtx.TokenID
		out.TokenChainDepth = tokenCtx.ChainDepth
		out.TokenVerified = true
	}
	return out, nil
}

func (s *Service) agentStatus(role, agentID string) (string, error) {
	status, err := s.deps.Agents.AgentStatus(agentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%s agent not found: %s: %w", role, agentID, store.ErrInvalidArgument)
	}
	if err != nil {
		return "", err
	}
	if status != "active" {
		return "", fmt.Errorf("%s agent is not active (status %s): %w", role, status, store.ErrPermissionDenied)
	}
	return status, nil
}

// Status returns the persisted record with a fresh queue-state view.
func (s *Service) Status(delegationID string) (*Record, error) {
	rec, err := s.store.GetRecord(delegationID)
	if err != nil {
		return nil, err
	}
	if queueState, err := s.store.GetQueueState(delegationID); err == nil && queueState != nil {
		rec.QueueState = queueState
	}
	return rec, nil
}

// ContractView returns the published contract.
func (s *Service) ContractView() Contract {
	return DefaultContract()
}

// RequesterBalance reports the current escrow balance for an agent.
func (s *Service) RequesterBalance(ctx context.Context, agentID string) (float64, error) {
	return s.escrow.Balance(ctx, agentID)
}

// TrustScore reports the delegate's historical success ratio from
// usage signals; nil when the agent has no history.
func (s *Service) TrustScore(agentID string) (*float64, error) {
	total, successes, err := s.store.UsageStats(agentID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	score := round4(float64(successes) / float64(total))
	return &score, nil
}
