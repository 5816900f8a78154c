package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agenthub/aicp/internal/config"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz re-runs the startup diagnostics. A missing launch
// requirement degrades readiness; in enforce mode the process would
// not have started, so a false here normally means warn mode.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	diag := config.BuildDiagnostics(s.cfg, config.OSEnviron)
	status := http.StatusOK
	state := "ready"
	if !diag.StartupReady {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":             state,
		"startup_ready":      diag.StartupReady,
		"missing_or_invalid": diag.MissingOrInvalid,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.BuildDiagnostics(s.cfg, config.OSEnviron))
}

func (s *Server) handleRoutePolicy(w http.ResponseWriter, r *http.Request) {
	rows := BuildRoutePolicyMap(s.routes)
	writeJSON(w, http.StatusOK, map[string]any{
		"enforcement_mode": s.cfg.EnforcementMode(),
		"routes":           rows,
		"total":            len(rows),
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

// ---------------------------------------------------------------------------
// Provisioned tenants (admin)
// ---------------------------------------------------------------------------

func (s *Server) handleProvisionTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID    string `json:"tenant_id"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.tenants.Provision(req.TenantID, req.DisplayName, PrincipalFromContext(r.Context()).Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.tenants.List()
	writeJSON(w, http.StatusOK, map[string]any{"data": tenants, "total": len(tenants)})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Get(mux.Vars(r)["tenant_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Suspend(mux.Vars(r)["tenant_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleActivateTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Activate(mux.Vars(r)["tenant_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleMeteringEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.meter.List(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "total": len(events)})
}
