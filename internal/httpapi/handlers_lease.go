package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/lease"
)

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterAgentID string `json:"requester_agent_id"`
		CapabilityRef    string `json:"capability_ref"`
		TTLSeconds       int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.leases.CreateLease(req.RequesterAgentID, req.CapabilityRef,
		PrincipalFromContext(r.Context()).Owner, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	found, err := s.leases.GetLease(mux.Vars(r)["lease_id"], PrincipalFromContext(r.Context()).Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handlePromoteLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature             string `json:"signature"`
		AttestationHash       string `json:"attestation_hash"`
		PolicyApproved        bool   `json:"policy_approved"`
		ApprovalTicket        string `json:"approval_ticket"`
		CompatibilityVerified bool   `json:"compatibility_verified"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := PrincipalFromContext(r.Context())
	leaseID := mux.Vars(r)["lease_id"]
	promoted, err := s.leases.PromoteLease(leaseID, lease.PromoteRequest{
		Owner:                 p.Owner,
		Signature:             req.Signature,
		AttestationHash:       req.AttestationHash,
		PolicyApproved:        req.PolicyApproved,
		ApprovalTicket:        req.ApprovalTicket,
		CompatibilityVerified: req.CompatibilityVerified,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if promoted.Promotion != nil {
		s.emit(audit.EventLeasePromoted, promoted.RequesterAgentID, p.Owner,
			"lease/"+leaseID, map[string]any{
				"install_id":      promoted.Promotion.InstallID,
				"capability_ref":  promoted.CapabilityRef,
				"approval_ticket": promoted.Promotion.ApprovalTicket,
			})
	}
	writeJSON(w, http.StatusOK, promoted)
}

func (s *Server) handleRollbackInstall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rolled, err := s.leases.RollbackInstall(mux.Vars(r)["install_id"],
		PrincipalFromContext(r.Context()).Owner, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rolled)
}
