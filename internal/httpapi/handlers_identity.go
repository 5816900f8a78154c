package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/store"
)

// decodeJSON parses a request body. An empty body decodes to the zero
// value so optional-body endpoints stay lenient.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", store.ErrInvalidArgument, err)
	}
	return nil
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// emit places an audit event on the bus; emission is advisory and never
// fails the request.
func (s *Server) emit(eventType audit.EventType, agentID, actor, resource string, detail map[string]any) {
	if s.audits == nil {
		return
	}
	s.audits.Emit(audit.EmitInput{
		EventType: eventType,
		AgentID:   agentID,
		Actor:     actor,
		Resource:  resource,
		Detail:    detail,
	})
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID        string            `json:"agent_id"`
		Owner          string            `json:"owner"`
		CredentialType string            `json:"credential_type"`
		PublicKeyPEM   *string           `json:"public_key_pem"`
		Metadata       map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	owner := p.Owner
	if req.Owner != "" && p.Admin {
		owner = req.Owner
	}

	if req.CredentialType == "spiffe" {
		derived := identity.GenerateSPIFFEID(req.AgentID, "")
		if v := identity.VerifySPIFFEID(derived); !v.Valid {
			writeError(w, fmt.Errorf("%w: derived SPIFFE ID invalid: %s", store.ErrInvalidArgument, v.Reason))
			return
		}
	}

	ident, err := s.identities.RegisterIdentity(req.AgentID, owner, req.CredentialType, req.PublicKeyPEM, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventIdentityCreated, ident.AgentID, owner, "agent/"+ident.AgentID, map[string]any{
		"credential_type": ident.CredentialType,
	})
	writeJSON(w, http.StatusCreated, ident)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = PrincipalFromContext(r.Context()).Owner
	}
	idents, err := s.identities.ListIdentities(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": idents, "total": len(idents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identities.GetIdentity(mux.Vars(r)["agent_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleUpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	agentID := mux.Vars(r)["agent_id"]
	ident, err := s.identities.UpdateIdentityStatus(agentID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Status == "suspended" {
		s.emit(audit.EventIdentitySuspended, agentID, PrincipalFromContext(r.Context()).Owner,
			"agent/"+agentID, map[string]any{"new_status": req.Status})
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleBindPrincipal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principal_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ident, err := s.identities.BindHumanPrincipal(mux.Vars(r)["agent_id"], req.PrincipalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleSetChecksum(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Checksum string `json:"checksum"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ident, err := s.identities.SetConfigurationChecksum(mux.Vars(r)["agent_id"], req.Checksum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.credentials.ListActiveSessions(mux.Vars(r)["agent_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ---------------------------------------------------------------------------
// Kill switch
// ---------------------------------------------------------------------------

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	result, err := s.killSwitch.RevokeAgent(mux.Vars(r)["agent_id"], p.Owner, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventIdentitySuspended, result.AgentID, p.Owner, "agent/"+result.AgentID, map[string]any{
		"reason":              result.Reason,
		"revoked_credentials": result.RevokedCredentials,
		"revoked_tokens":      result.RevokedTokens,
		"revoked_leases":      result.RevokedLeases,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentIDs []string `json:"agent_ids"`
		Reason   string   `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.AgentIDs) == 0 {
		writeError(w, fmt.Errorf("%w: agent_ids is required", store.ErrInvalidArgument))
		return
	}

	result := s.killSwitch.BulkRevoke(req.AgentIDs, PrincipalFromContext(r.Context()).Owner, req.Reason)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	events, err := s.killSwitch.ListEvents(mux.Vars(r)["agent_id"], queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "total": len(events)})
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string   `json:"agent_id"`
		Scopes     []string `json:"scopes"`
		TTLSeconds int64    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	issued, err := s.credentials.IssueCredential(req.AgentID, req.Scopes, req.TTLSeconds, p.Owner)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventCredentialIssued, req.AgentID, p.Owner, "credential/"+issued.CredentialID, map[string]any{
		"scopes": issued.Scopes,
	})
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleVerifyCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	verification, err := s.credentials.VerifyCredential(req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	meta, err := s.credentials.GetCredentialMetadata(mux.Vars(r)["credential_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scopes     []string `json:"scopes"`
		TTLSeconds int64    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	credentialID := mux.Vars(r)["credential_id"]
	issued, err := s.credentials.RotateCredential(credentialID, p.Owner, req.Scopes, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventCredentialRotated, issued.AgentID, p.Owner, "credential/"+issued.CredentialID, map[string]any{
		"rotated_from": credentialID,
	})
	writeJSON(w, http.StatusOK, issued)
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	cred, err := s.credentials.RevokeCredential(mux.Vars(r)["credential_id"], p.Owner, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventCredentialRevoked, cred.AgentID, p.Owner, "credential/"+cred.CredentialID, map[string]any{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, cred)
}

// ---------------------------------------------------------------------------
// Delegation tokens
// ---------------------------------------------------------------------------

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IssuerAgentID   string   `json:"issuer_agent_id"`
		SubjectAgentID  string   `json:"subject_agent_id"`
		DelegatedScopes []string `json:"delegated_scopes"`
		TTLSeconds      int64    `json:"ttl_seconds"`
		ParentTokenID   string   `json:"parent_token_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	grant, err := s.credentials.IssueDelegationToken(identity.IssueTokenParams{
		IssuerAgentID:   req.IssuerAgentID,
		SubjectAgentID:  req.SubjectAgentID,
		DelegatedScopes: req.DelegatedScopes,
		TTLSeconds:      req.TTLSeconds,
		ParentTokenID:   req.ParentTokenID,
		Owner:           p.Owner,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignedToken string `json:"signed_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	verification, err := s.credentials.VerifyDelegationToken(req.SignedToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleTokenChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.credentials.GetDelegationChain(mux.Vars(r)["token_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	tokenID := mux.Vars(r)["token_id"]
	revocation, err := s.credentials.RevokeDelegationToken(tokenID, p.Owner)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(audit.EventDelegationRevoked, "", p.Owner, "token/"+tokenID, map[string]any{
		"cascade_count": revocation.CascadeCount,
	})
	writeJSON(w, http.StatusOK, revocation)
}

// ---------------------------------------------------------------------------
// Federation trust registry + attestations
// ---------------------------------------------------------------------------

func (s *Server) handleRegisterTrustDomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DomainID      string   `json:"domain_id"`
		DisplayName   string   `json:"display_name"`
		TrustLevel    string   `json:"trust_level"`
		PublicKeyPEM  *string  `json:"public_key_pem"`
		AllowedScopes []string `json:"allowed_scopes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	domain, err := s.credentials.RegisterTrustedDomain(identity.RegisterDomainParams{
		DomainID:      req.DomainID,
		DisplayName:   req.DisplayName,
		TrustLevel:    req.TrustLevel,
		PublicKeyPEM:  req.PublicKeyPEM,
		AllowedScopes: req.AllowedScopes,
		RegisteredBy:  PrincipalFromContext(r.Context()).Owner,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain)
}

func (s *Server) handleListTrustDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.credentials.ListTrustedDomains()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": domains, "total": len(domains)})
}

func (s *Server) handleGetTrustDomain(w http.ResponseWriter, r *http.Request) {
	domain, err := s.credentials.GetTrustedDomain(mux.Vars(r)["domain_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

func (s *Server) handleCreateAttestation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string            `json:"agent_id"`
		DomainID   string            `json:"domain_id"`
		Claims     map[string]string `json:"claims"`
		TTLSeconds int64             `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	grant, err := s.credentials.CreateAttestation(req.AgentID, req.DomainID, req.Claims, req.TTLSeconds,
		PrincipalFromContext(r.Context()).Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleVerifyAttestation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttestationID string `json:"attestation_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	verification, err := s.credentials.VerifyAttestation(req.AttestationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

// ---------------------------------------------------------------------------
// SPIFFE
// ---------------------------------------------------------------------------

func (s *Server) handleAgentSPIFFE(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.identities.GetIdentity(agentID); err != nil {
		writeError(w, err)
		return
	}
	spiffeID := identity.GenerateSPIFFEID(agentID, r.URL.Query().Get("workload_path"))
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":   agentID,
		"spiffe_id":  spiffeID,
		"validation": identity.VerifySPIFFEID(spiffeID),
	})
}

func (s *Server) handleValidateSPIFFE(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpiffeID string `json:"spiffe_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.VerifySPIFFEID(req.SpiffeID))
}

func (s *Server) handleGenerateSVID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string `json:"agent_id"`
		SpiffeID string `json:"spiffe_id"`
		TTLHours int    `json:"ttl_hours"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.identities.GetIdentity(req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity.GenerateSVID(req.AgentID, req.SpiffeID, req.TTLHours))
}

func (s *Server) handleSPIFFEBundle(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = PrincipalFromContext(r.Context()).Owner
	}
	idents, err := s.identities.ListIdentities(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	agentIDs := make([]string, 0, len(idents))
	for _, ident := range idents {
		agentIDs = append(agentIDs, ident.AgentID)
	}
	writeJSON(w, http.StatusOK, identity.GenerateBundle(agentIDs))
}
