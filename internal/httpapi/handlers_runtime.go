package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/runtime"
)

// ---------------------------------------------------------------------------
// Capability quotas
// ---------------------------------------------------------------------------

func (s *Server) handleCreateQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID       string `json:"agent_id"`
		Resource      string `json:"resource"`
		MaxValue      int64  `json:"max_value"`
		PeriodSeconds int64  `json:"period_seconds"`
		Description   string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quota, err := s.runtime.Quotas.CreateQuota(req.AgentID, req.Resource, req.MaxValue, req.PeriodSeconds, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quota)
}

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quotas := s.runtime.Quotas.ListQuotas(q.Get("agent_id"), q.Get("resource"), queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"data": quotas, "total": len(quotas)})
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := s.runtime.Quotas.GetQuota(mux.Vars(r)["quota_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxValue *int64 `json:"max_value"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quota, err := s.runtime.Quotas.UpdateQuota(mux.Vars(r)["quota_id"], req.MaxValue, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) handleCheckQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string `json:"agent_id"`
		Resource string `json:"resource"`
		Amount   int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	decision, err := s.runtime.Quotas.CheckQuota(req.AgentID, req.Resource, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.runtime.Quotas.Usage(q.Get("agent_id"), q.Get("resource")))
}

func (s *Server) handleQuotaViolations(w http.ResponseWriter, r *http.Request) {
	violations := s.runtime.Quotas.Violations(r.URL.Query().Get("agent_id"), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{"data": violations, "total": len(violations)})
}

func (s *Server) handleQuotaStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Quotas.Stats())
}

// ---------------------------------------------------------------------------
// IP rules
// ---------------------------------------------------------------------------

func (s *Server) handleCreateIPRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string   `json:"agent_id"`
		Name        string   `json:"name"`
		RuleType    string   `json:"rule_type"`
		CIDRs       []string `json:"cidrs"`
		Description string   `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.runtime.IPRules.CreateRule(req.AgentID, req.Name, req.RuleType, req.CIDRs, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListIPRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rules := s.runtime.IPRules.ListRules(q.Get("agent_id"), q.Get("rule_type"), queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"data": rules, "total": len(rules)})
}

func (s *Server) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string `json:"agent_id"`
		IPAddress string `json:"ip_address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	decision, err := s.runtime.IPRules.CheckIP(req.AgentID, req.IPAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDisableIPRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.runtime.IPRules.DisableRule(mux.Vars(r)["rule_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleIPAccessLog(w http.ResponseWriter, r *http.Request) {
	entries := s.runtime.IPRules.AccessLog(r.URL.Query().Get("agent_id"), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{"data": entries, "total": len(entries)})
}

func (s *Server) handleIPStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.IPRules.Stats())
}

// ---------------------------------------------------------------------------
// Scope narrowing
// ---------------------------------------------------------------------------

func (s *Server) handleNarrowScope(w http.ResponseWriter, r *http.Request) {
	var req runtime.NarrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := s.runtime.Narrowing.NarrowScope(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (s *Server) handleListNarrowedTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokens := s.runtime.Narrowing.ListNarrowedTokens(
		q.Get("agent_id"), q.Get("parent_token_id"), q.Get("active_only") == "true", queryInt(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{"data": tokens, "total": len(tokens)})
}

func (s *Server) handleValidateNarrowedToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Narrowing.ValidateNarrowedToken(mux.Vars(r)["token_id"]))
}

func (s *Server) handleRevokeNarrowedToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.runtime.Narrowing.RevokeNarrowedToken(mux.Vars(r)["token_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleNarrowingLog(w http.ResponseWriter, r *http.Request) {
	events := s.runtime.Narrowing.NarrowingLog(r.URL.Query().Get("agent_id"), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "total": len(events)})
}

func (s *Server) handleNarrowingStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Narrowing.Stats())
}

// ---------------------------------------------------------------------------
// Sandboxes + JIT credentials
// ---------------------------------------------------------------------------

func (s *Server) handleProvisionSandbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string   `json:"agent_id"`
		SandboxID  string   `json:"sandbox_id"`
		Scopes     []string `json:"scopes"`
		TTLSeconds int64    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sandbox, credential, err := s.runtime.Sandboxes.Provision(req.AgentID, req.SandboxID, req.Scopes, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sandbox": sandbox, "jit_credential": credential})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	sandbox, err := s.runtime.Sandboxes.Get(mux.Vars(r)["sandbox_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sandbox)
}

func (s *Server) handleTerminateSandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := mux.Vars(r)["sandbox_id"]
	if err := s.runtime.Sandboxes.Terminate(sandboxID, "terminated via api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandbox_id": sandboxID, "status": "terminated"})
}

func (s *Server) handleIssueJITCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string   `json:"agent_id"`
		SandboxID  string   `json:"sandbox_id"`
		Scopes     []string `json:"scopes"`
		TTLSeconds int64    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	credential, err := s.runtime.JIT.IssueCredential(req.AgentID, req.SandboxID, req.Scopes, req.TTLSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credential)
}

func (s *Server) handleRevokeJITCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	credential, err := s.runtime.JIT.RevokeCredential(mux.Vars(r)["credential_id"], req.SandboxID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credential)
}
