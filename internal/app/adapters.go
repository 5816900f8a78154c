package app

import (
	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/identity"
)

// agentDirectory lets the delegation orchestrator check agent liveness
// without depending on the identity package's store type.
type agentDirectory struct {
	store *identity.Store
}

func (d agentDirectory) AgentStatus(agentID string) (string, error) {
	ident, err := d.store.GetIdentity(agentID)
	if err != nil {
		return "", err
	}
	return ident.Status, nil
}

// tokenVerifier narrows the credential service to the single check the
// delegation flow needs.
type tokenVerifier struct {
	svc *identity.Service
}

func (v tokenVerifier) VerifyToken(signedToken string) (*delegation.TokenContext, error) {
	res, err := v.svc.VerifyDelegationToken(signedToken)
	if err != nil {
		return nil, err
	}
	return &delegation.TokenContext{
		TokenID:        res.TokenID,
		SubjectAgentID: res.SubjectAgentID,
		ChainDepth:     res.ChainDepth,
	}, nil
}

// auditEvents forwards delegation lifecycle events onto the audit bus,
// lifting the well-known payload keys into the envelope fields.
type auditEvents struct {
	audits *audit.Service
}

func (s auditEvents) Emit(eventType string, data map[string]any) {
	in := audit.EmitInput{
		EventType: audit.EventType(eventType),
		Detail:    data,
	}
	if v, ok := data["delegate_agent_id"].(string); ok {
		in.AgentID = v
	}
	if v, ok := data["requester_agent_id"].(string); ok {
		in.Actor = v
	}
	if v, ok := data["delegation_id"].(string); ok {
		in.Resource = "delegations/" + v
	}
	s.audits.Emit(in)
}
