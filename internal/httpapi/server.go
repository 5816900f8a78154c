// Package httpapi is the HTTP surface of the control plane: route
// classification, caller resolution, the middleware pipeline, and the
// JSON handlers over the identity, delegation, lease, runtime, and
// audit services.
package httpapi

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/idempotency"
	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/lease"
	"github.com/agenthub/aicp/internal/metering"
	"github.com/agenthub/aicp/internal/policy"
	"github.com/agenthub/aicp/internal/runtime"
	"github.com/agenthub/aicp/internal/tenancy"
)

// Meter records cost events and lists them back for the admin surface.
// *metering.Recorder satisfies it.
type Meter interface {
	Record(actor, operation string, costUSD float64, metadata map[string]any)
	List(limit int) ([]metering.Event, error)
}

// Deps carries the constructed services into the HTTP server.
type Deps struct {
	Config       *config.Config
	Identities   *identity.Store
	Credentials  *identity.Service
	KillSwitch   *identity.KillSwitch
	Delegations  *delegation.Service
	Leases       *lease.Service
	Runtime      *runtime.Service
	Audits       *audit.Service
	Idempotency  *idempotency.Store
	Tenants      *tenancy.Registry
	PolicyEngine *policy.Engine
	Meter        Meter
	// Gatherer serves /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

// Server wires the middleware pipeline in front of the route table.
type Server struct {
	cfg    *config.Config
	logger *log.Logger

	identities   *identity.Store
	credentials  *identity.Service
	killSwitch   *identity.KillSwitch
	delegations  *delegation.Service
	leases       *lease.Service
	runtime      *runtime.Service
	audits       *audit.Service
	idem         *idempotency.Store
	tenants      *tenancy.Registry
	policyEngine *policy.Engine
	meter        Meter

	access   *AccessPolicy
	limiter  *RateLimiter
	gatherer prometheus.Gatherer

	startedAt time.Time

	// routes is the snapshot served by /v1/system/route-policy.
	routes [][2]string

	// breaker transition tracking for audit events.
	breakerMu    sync.Mutex
	breakerState string
}

// NewServer builds the server and its access-policy and rate-limiter
// middleware from configuration.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:          deps.Config,
		logger:       log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		identities:   deps.Identities,
		credentials:  deps.Credentials,
		killSwitch:   deps.KillSwitch,
		delegations:  deps.Delegations,
		leases:       deps.Leases,
		runtime:      deps.Runtime,
		audits:       deps.Audits,
		idem:         deps.Idempotency,
		tenants:      deps.Tenants,
		policyEngine: deps.PolicyEngine,
		meter:        deps.Meter,
		gatherer:     deps.Gatherer,
		startedAt:    time.Now().UTC(),
		breakerState: delegation.BreakerClosed,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.access = &AccessPolicy{
		Mode:         deps.Config.EnforcementMode(),
		APIKeys:      deps.Config.Auth.APIKeys,
		OwnerTenants: deps.Config.Auth.OwnerTenants,
		JWTSecret:    []byte(deps.Config.Auth.TokenSecret),
		Identities:   deps.Identities,
		Tenants:      deps.Tenants,
		Meter:        deps.Meter,
	}
	s.limiter = NewRateLimiter(ParseRateLimit(deps.Config.Server.RateLimit))
	return s
}

// Handler returns the complete HTTP handler: the route table wrapped in
// the middleware pipeline. Order matters; the delegation-chain
// extractor must run before access policy so a delegation token can
// authenticate the request, and idempotency runs last so replays are
// served only to authorized callers.
func (s *Server) Handler() http.Handler {
	router := s.buildRouter()

	var h http.Handler = router
	h = IdempotencyMiddleware(s.idem)(h)
	h = s.access.Middleware(h)
	h = DelegationChainMiddleware(s.credentials)(h)
	h = TimeoutMiddleware(s.cfg.Server.RequestTimeoutS)(h)
	h = RecoverMiddleware(s.logger)(h)
	h = RequestLogMiddleware(s.logger)(h)
	h = s.limiter.Middleware(h)
	h = CORSMiddleware(s.cfg.Server.CORSOrigins)(h)
	return h
}

// Close releases background middleware resources.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	// System
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/.well-known/agenthub", s.handleWellKnown).Methods("GET")
	r.HandleFunc("/v1/system/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/v1/system/route-policy", s.handleRoutePolicy).Methods("GET")
	r.HandleFunc("/v1/system/limits", s.handleLimits).Methods("GET")

	// Admin: provisioned tenants and metering introspection
	r.HandleFunc("/v1/admin/tenants", s.handleProvisionTenant).Methods("POST")
	r.HandleFunc("/v1/admin/tenants", s.handleListTenants).Methods("GET")
	r.HandleFunc("/v1/admin/tenants/{tenant_id}", s.handleGetTenant).Methods("GET")
	r.HandleFunc("/v1/admin/tenants/{tenant_id}/suspend", s.handleSuspendTenant).Methods("POST")
	r.HandleFunc("/v1/admin/tenants/{tenant_id}/activate", s.handleActivateTenant).Methods("POST")
	r.HandleFunc("/v1/admin/metering/events", s.handleMeteringEvents).Methods("GET")

	// Identity: agents
	r.HandleFunc("/v1/identity/agents", s.handleRegisterAgent).Methods("POST")
	r.HandleFunc("/v1/identity/agents", s.handleListAgents).Methods("GET")
	r.HandleFunc("/v1/identity/agents/bulk-revoke", s.handleBulkRevoke).Methods("POST")
	r.HandleFunc("/v1/identity/agents/{agent_id}", s.handleGetAgent).Methods("GET")
	r.HandleFunc("/v1/identity/agents/{agent_id}/status", s.handleUpdateAgentStatus).Methods("PUT")
	r.HandleFunc("/v1/identity/agents/{agent_id}/bind-principal", s.handleBindPrincipal).Methods("POST")
	r.HandleFunc("/v1/identity/agents/{agent_id}/checksum", s.handleSetChecksum).Methods("POST")
	r.HandleFunc("/v1/identity/agents/{agent_id}/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/v1/identity/agents/{agent_id}/revoke", s.handleRevokeAgent).Methods("POST")
	r.HandleFunc("/v1/identity/agents/{agent_id}/revocations", s.handleListRevocations).Methods("GET")
	r.HandleFunc("/v1/identity/agents/{agent_id}/spiffe", s.handleAgentSPIFFE).Methods("GET")

	// Identity: credentials
	r.HandleFunc("/v1/identity/credentials", s.handleIssueCredential).Methods("POST")
	r.HandleFunc("/v1/identity/credentials/verify", s.handleVerifyCredential).Methods("POST")
	r.HandleFunc("/v1/identity/credentials/{credential_id}", s.handleGetCredential).Methods("GET")
	r.HandleFunc("/v1/identity/credentials/{credential_id}/rotate", s.handleRotateCredential).Methods("POST")
	r.HandleFunc("/v1/identity/credentials/{credential_id}/revoke", s.handleRevokeCredential).Methods("POST")

	// Identity: delegation token chains
	r.HandleFunc("/v1/identity/delegation-tokens", s.handleIssueToken).Methods("POST")
	r.HandleFunc("/v1/identity/delegation-tokens/verify", s.handleVerifyToken).Methods("POST")
	r.HandleFunc("/v1/identity/delegation-tokens/{token_id}/chain", s.handleTokenChain).Methods("GET")
	r.HandleFunc("/v1/identity/delegation-tokens/{token_id}/revoke", s.handleRevokeToken).Methods("POST")

	// Identity: federation
	r.HandleFunc("/v1/identity/trust-domains", s.handleRegisterTrustDomain).Methods("POST")
	r.HandleFunc("/v1/identity/trust-domains", s.handleListTrustDomains).Methods("GET")
	r.HandleFunc("/v1/identity/trust-domains/{domain_id}", s.handleGetTrustDomain).Methods("GET")
	r.HandleFunc("/v1/identity/attestations", s.handleCreateAttestation).Methods("POST")
	r.HandleFunc("/v1/identity/attestations/verify", s.handleVerifyAttestation).Methods("POST")

	// Identity: SPIFFE
	r.HandleFunc("/v1/identity/spiffe/validate", s.handleValidateSPIFFE).Methods("POST")
	r.HandleFunc("/v1/identity/spiffe/svid", s.handleGenerateSVID).Methods("POST")
	r.HandleFunc("/v1/identity/spiffe/bundle", s.handleSPIFFEBundle).Methods("GET")

	// Delegations
	r.HandleFunc("/v1/delegations", s.handleCreateDelegation).Methods("POST")
	r.HandleFunc("/v1/delegations/contract", s.handleDelegationContract).Methods("GET")
	r.HandleFunc("/v1/delegations/slo", s.handleSLODashboard).Methods("GET")
	r.HandleFunc("/v1/delegations/agents/{agent_id}/balance", s.handleRequesterBalance).Methods("GET")
	r.HandleFunc("/v1/delegations/agents/{agent_id}/trust", s.handleTrustScore).Methods("GET")
	r.HandleFunc("/v1/delegations/{delegation_id}/status", s.handleDelegationStatus).Methods("GET")

	// Leases and installs
	r.HandleFunc("/v1/leases", s.handleCreateLease).Methods("POST")
	r.HandleFunc("/v1/leases/{lease_id}", s.handleGetLease).Methods("GET")
	r.HandleFunc("/v1/leases/{lease_id}/promote", s.handlePromoteLease).Methods("POST")
	r.HandleFunc("/v1/installs/{install_id}/rollback", s.handleRollbackInstall).Methods("POST")

	// Runtime: quotas
	r.HandleFunc("/v1/runtime/quotas", s.handleCreateQuota).Methods("POST")
	r.HandleFunc("/v1/runtime/quotas", s.handleListQuotas).Methods("GET")
	r.HandleFunc("/v1/runtime/quotas/check", s.handleCheckQuota).Methods("POST")
	r.HandleFunc("/v1/runtime/quotas/usage", s.handleQuotaUsage).Methods("GET")
	r.HandleFunc("/v1/runtime/quotas/violations", s.handleQuotaViolations).Methods("GET")
	r.HandleFunc("/v1/runtime/quotas/stats", s.handleQuotaStats).Methods("GET")
	r.HandleFunc("/v1/runtime/quotas/{quota_id}", s.handleGetQuota).Methods("GET")
	r.HandleFunc("/v1/runtime/quotas/{quota_id}", s.handleUpdateQuota).Methods("PATCH")

	// Runtime: IP rules
	r.HandleFunc("/v1/runtime/ip-rules", s.handleCreateIPRule).Methods("POST")
	r.HandleFunc("/v1/runtime/ip-rules", s.handleListIPRules).Methods("GET")
	r.HandleFunc("/v1/runtime/ip-rules/check", s.handleCheckIP).Methods("POST")
	r.HandleFunc("/v1/runtime/ip-rules/access-log", s.handleIPAccessLog).Methods("GET")
	r.HandleFunc("/v1/runtime/ip-rules/stats", s.handleIPStats).Methods("GET")
	r.HandleFunc("/v1/runtime/ip-rules/{rule_id}/disable", s.handleDisableIPRule).Methods("POST")

	// Runtime: scope narrowing
	r.HandleFunc("/v1/runtime/narrowed-tokens", s.handleNarrowScope).Methods("POST")
	r.HandleFunc("/v1/runtime/narrowed-tokens", s.handleListNarrowedTokens).Methods("GET")
	r.HandleFunc("/v1/runtime/narrowed-tokens/{token_id}/validate", s.handleValidateNarrowedToken).Methods("POST")
	r.HandleFunc("/v1/runtime/narrowed-tokens/{token_id}/revoke", s.handleRevokeNarrowedToken).Methods("POST")
	r.HandleFunc("/v1/runtime/narrowing-log", s.handleNarrowingLog).Methods("GET")
	r.HandleFunc("/v1/runtime/narrowing/stats", s.handleNarrowingStats).Methods("GET")

	// Runtime: sandboxes and JIT credentials
	r.HandleFunc("/v1/runtime/sandboxes", s.handleProvisionSandbox).Methods("POST")
	r.HandleFunc("/v1/runtime/sandboxes/{sandbox_id}", s.handleGetSandbox).Methods("GET")
	r.HandleFunc("/v1/runtime/sandboxes/{sandbox_id}", s.handleTerminateSandbox).Methods("DELETE")
	r.HandleFunc("/v1/runtime/jit-credentials", s.handleIssueJITCredential).Methods("POST")
	r.HandleFunc("/v1/runtime/jit-credentials/{credential_id}/revoke", s.handleRevokeJITCredential).Methods("POST")

	// Audit
	r.HandleFunc("/v1/audit/events", s.handleListAuditEvents).Methods("GET")
	r.HandleFunc("/v1/audit/events/{event_id}", s.handleGetAuditEvent).Methods("GET")
	r.HandleFunc("/v1/audit/stats", s.handleAuditStats).Methods("GET")
	r.HandleFunc("/v1/audit/stream", s.handleAuditStream).Methods("GET")
	r.HandleFunc("/v1/audit/webhooks", s.handleRegisterWebhook).Methods("POST")
	r.HandleFunc("/v1/audit/webhooks", s.handleListWebhooks).Methods("GET")
	r.HandleFunc("/v1/audit/webhooks/{webhook_id}", s.handleGetWebhook).Methods("GET")
	r.HandleFunc("/v1/audit/webhooks/{webhook_id}", s.handleDeactivateWebhook).Methods("DELETE")
	r.HandleFunc("/v1/audit/webhooks/{webhook_id}/activate", s.handleActivateWebhook).Methods("POST")
	r.HandleFunc("/v1/audit/webhooks/{webhook_id}/test", s.handleTestWebhook).Methods("POST")
	r.HandleFunc("/v1/audit/webhooks/{webhook_id}/deliveries", s.handleWebhookDeliveries).Methods("GET")
	r.HandleFunc("/v1/audit/dead-letters", s.handleDeadLetters).Methods("GET")
	r.HandleFunc("/v1/audit/dead-letters/{dead_letter_id}/retry", s.handleRetryDeadLetter).Methods("POST")

	s.routes = snapshotRoutes(r)
	return r
}

// handleWellKnown publishes unauthenticated service discovery facts.
func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":          "agenthub-control-plane",
		"api_version":      "v1",
		"enforcement_mode": s.cfg.EnforcementMode(),
		"endpoints": map[string]string{
			"health":       "/healthz",
			"readiness":    "/readyz",
			"metrics":      "/metrics",
			"route_policy": "/v1/system/route-policy",
		},
	})
}

// snapshotRoutes walks the route table into (method, path) pairs for
// the route-policy report.
func snapshotRoutes(r *mux.Router) [][2]string {
	var routes [][2]string
	_ = r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		for _, m := range methods {
			routes = append(routes, [2]string{m, path})
		}
		return nil
	})
	return routes
}
