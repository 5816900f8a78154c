package identity

import (
	"fmt"
	"log"

	"github.com/agenthub/aicp/internal/store"
)

// LeaseRevoker is the optional lease collaborator invoked by the kill
// switch. Implementations count active→revoked transitions.
type LeaseRevoker interface {
	RevokeLeasesForAgent(agentID, reason string) (int, error)
}

// KillSwitch is the emergency revocation orchestrator: one call revokes
// an agent's credentials, its delegation tokens (as issuer or subject,
// with cascade), its leases, and finally the identity itself.
type KillSwitch struct {
	store  *Store
	leases LeaseRevoker
	logger *log.Logger
}

// NewKillSwitch builds the orchestrator. leases may be nil when the lease
// module is not provisioned.
func NewKillSwitch(st *Store, leases LeaseRevoker) *KillSwitch {
	return &KillSwitch{
		store:  st,
		leases: leases,
		logger: log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

// RevocationResult summarizes one agent revocation.
type RevocationResult struct {
	EventID            string `json:"event_id"`
	AgentID            string `json:"agent_id"`
	RevokedCredentials int    `json:"revoked_credentials"`
	RevokedTokens      int    `json:"revoked_tokens"`
	RevokedLeases      int    `json:"revoked_leases"`
	Reason             string `json:"reason"`
}

// BulkRevocationEntry is one per-agent outcome of a bulk revoke.
type BulkRevocationEntry struct {
	AgentID            string `json:"agent_id"`
	EventID            string `json:"event_id,omitempty"`
	RevokedCredentials int    `json:"revoked_credentials,omitempty"`
	RevokedTokens      int    `json:"revoked_tokens,omitempty"`
	RevokedLeases      int    `json:"revoked_leases,omitempty"`
	Reason             string `json:"reason,omitempty"`
	Error              string `json:"error,omitempty"`
}

// BulkRevocationResult summarizes a bulk revoke.
type BulkRevocationResult struct {
	TotalRequested int                   `json:"total_requested"`
	TotalRevoked   int                   `json:"total_revoked"`
	Results        []BulkRevocationEntry `json:"results"`
}

// RevokeAgent runs the full kill sequence. Each step is idempotent, and
// the identity status transition runs even when earlier steps fail so the
// agent is never left partially revoked.
func (ks *KillSwitch) RevokeAgent(agentID, actor, reason string) (*RevocationResult, error) {
	identity, err := ks.store.GetIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if identity.Owner != actor {
		return nil, fmt.Errorf("owner mismatch: %w", store.ErrPermissionDenied)
	}

	var firstErr error

	credCount, err := ks.store.RevokeAllCredentials(agentID, reason)
	if err != nil {
		firstErr = err
	}

	tokenCount, err := ks.store.RevokeTokensForAgent(agentID)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	leaseCount := 0
	if ks.leases != nil {
		n, err := ks.leases.RevokeLeasesForAgent(agentID, reason)
		if err != nil {
			ks.logger.Printf("⚠️ lease revocation failed for agent %s: %v", agentID, err)
		} else {
			leaseCount = n
		}
	}

	// Always executed, including on partial failure above.
	if _, err := ks.store.UpdateIdentityStatus(agentID, StatusRevoked); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return nil, firstErr
	}

	cascadeCount := credCount + tokenCount + leaseCount
	eventID, err := ks.store.AppendRevocationEvent("agent_identity", agentID, agentID, reason, actor, cascadeCount)
	if err != nil {
		return nil, err
	}

	ks.logger.Printf("🛑 KILL SWITCH: agent=%s credentials=%d tokens=%d leases=%d reason=%q by=%s",
		agentID, credCount, tokenCount, leaseCount, reason, actor)

	return &RevocationResult{
		EventID:            eventID,
		AgentID:            agentID,
		RevokedCredentials: credCount,
		RevokedTokens:      tokenCount,
		RevokedLeases:      leaseCount,
		Reason:             reason,
	}, nil
}

// BulkRevoke runs RevokeAgent over a list, recording per-agent outcomes.
func (ks *KillSwitch) BulkRevoke(agentIDs []string, actor, reason string) *BulkRevocationResult {
	results := make([]BulkRevocationEntry, 0, len(agentIDs))
	revoked := 0
	for _, agentID := range agentIDs {
		res, err := ks.RevokeAgent(agentID, actor, reason)
		if err != nil {
			results = append(results, BulkRevocationEntry{AgentID: agentID, Error: err.Error()})
			continue
		}
		revoked++
		results = append(results, BulkRevocationEntry{
			AgentID:            res.AgentID,
			EventID:            res.EventID,
			RevokedCredentials: res.RevokedCredentials,
			RevokedTokens:      res.RevokedTokens,
			RevokedLeases:      res.RevokedLeases,
			Reason:             res.Reason,
		})
	}
	return &BulkRevocationResult{
		TotalRequested: len(agentIDs),
		TotalRevoked:   revoked,
		Results:        results,
	}
}

// ListEvents returns recent revocation events, optionally per agent.
func (ks *KillSwitch) ListEvents(agentID string, limit int) ([]RevocationEvent, error) {
	return ks.store.ListRevocationEvents(agentID, limit)
}
