package httpapi

import (
	"regexp"
	"sort"
	"strings"
)

// Access classifications, most to least privileged.
const (
	ClassPublic        = "public"
	ClassAuthenticated = "authenticated"
	ClassTenantScoped  = "tenant_scoped"
	ClassAdminScoped   = "admin_scoped"
)

// publicRoutes is the exact (METHOD, path) allow list that skips auth
// entirely. Everything else under /v1/ needs at least a resolved owner.
var publicRoutes = map[[2]string]bool{
	{"GET", "/healthz"}:                 true,
	{"GET", "/readyz"}:                  true,
	{"GET", "/metrics"}:                 true,
	{"GET", "/.well-known/agenthub"}:    true,
	{"GET", "/v1/delegations/contract"}: true,
}

var adminScopedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/v1/admin(/.*)?$`),
	regexp.MustCompile(`^/v1/system/diagnostics$`),
	regexp.MustCompile(`^/v1/system/route-policy$`),
	regexp.MustCompile(`^/v1/operator(/.*)?$`),
}

var tenantScopedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/v1/delegations(/.*)?$`),
	regexp.MustCompile(`^/v1/leases(/.*)?$`),
	regexp.MustCompile(`^/v1/installs(/.*)?$`),
	regexp.MustCompile(`^/v1/runtime(/.*)?$`),
}

// idempotencyOptionalPatterns lists mutating routes modeled as reads:
// verification and check endpoints that never change durable state, so
// retries are naturally safe without a reservation.
var idempotencyOptionalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/v1/identity/credentials/verify$`),
	regexp.MustCompile(`^/v1/identity/delegation-tokens/verify$`),
	regexp.MustCompile(`^/v1/identity/attestations/verify$`),
	regexp.MustCompile(`^/v1/identity/spiffe/validate$`),
	regexp.MustCompile(`^/v1/runtime/quotas/check$`),
	regexp.MustCompile(`^/v1/runtime/ip-rules/check$`),
	regexp.MustCompile(`^/v1/runtime/narrowed-tokens/[^/]+/validate$`),
	regexp.MustCompile(`^/v1/audit/webhooks/[^/]+/test$`),
}

// classifyRoute buckets a request. Order matters: the exact public
// table wins, then admin patterns, then tenant patterns, then any
// versioned prefix falls back to plain authenticated.
func classifyRoute(method, path string) string {
	if publicRoutes[[2]string{strings.ToUpper(method), path}] {
		return ClassPublic
	}
	for _, p := range adminScopedPatterns {
		if p.MatchString(path) {
			return ClassAdminScoped
		}
	}
	for _, p := range tenantScopedPatterns {
		if p.MatchString(path) {
			return ClassTenantScoped
		}
	}
	if strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/scim/v2/") {
		return ClassAuthenticated
	}
	return ClassPublic
}

// requiresIdempotency reports whether a route must carry an
// Idempotency-Key header.
func requiresIdempotency(method, path string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return false
	}
	if !strings.HasPrefix(path, "/v1/") {
		return false
	}
	for _, p := range idempotencyOptionalPatterns {
		if p.MatchString(path) {
			return false
		}
	}
	return true
}

// routeScope maps a (METHOD path) key to the delegation scope a tokened
// caller must hold for it. Routes absent from the table accept any
// verified token.
type routeScope struct {
	pattern *regexp.Regexp
	scope   string
}

var routeScopeMap = []routeScope{
	{regexp.MustCompile(`^GET /v1/identity`), "read"},
	{regexp.MustCompile(`^GET /v1/delegations`), "read"},
	{regexp.MustCompile(`^GET /v1/leases`), "read"},
	{regexp.MustCompile(`^GET /v1/runtime`), "read"},
	{regexp.MustCompile(`^GET /v1/audit`), "read"},
	{regexp.MustCompile(`^POST /v1/identity/delegation-tokens$`), "delegation.create"},
	{regexp.MustCompile(`^POST /v1/delegations$`), "delegation.create"},
	{regexp.MustCompile(`^POST /v1/identity`), "write"},
	{regexp.MustCompile(`^PUT /v1/identity`), "write"},
	{regexp.MustCompile(`^DELETE /v1/identity`), "write"},
	{regexp.MustCompile(`^POST /v1/leases`), "write"},
	{regexp.MustCompile(`^POST /v1/installs`), "write"},
	{regexp.MustCompile(`^POST /v1/runtime/sandboxes`), "runtime.execute"},
	{regexp.MustCompile(`^POST /v1/runtime`), "write"},
}

// requiredScopeForRoute returns the delegation scope a route demands,
// or "" when the route has no scope requirement.
func requiredScopeForRoute(method, path string) string {
	key := strings.ToUpper(method) + " " + path
	for _, rs := range routeScopeMap {
		if rs.pattern.MatchString(key) {
			return rs.scope
		}
	}
	return ""
}

// RoutePolicyRow is one row of the introspection table served at
// /v1/system/route-policy.
type RoutePolicyRow struct {
	Method               string `json:"method"`
	Path                 string `json:"path"`
	Classification       string `json:"classification"`
	RequiresIdempotency  bool   `json:"requires_idempotency"`
	RequiredScopeTokened string `json:"required_scope_tokened,omitempty"`
}

// BuildRoutePolicyMap classifies every registered route, sorted by
// (path, method) so the table is diffable across deploys.
func BuildRoutePolicyMap(routes [][2]string) []RoutePolicyRow {
	rows := make([]RoutePolicyRow, 0, len(routes))
	for _, mr := range routes {
		method, path := mr[0], mr[1]
		if method == "HEAD" || method == "OPTIONS" {
			continue
		}
		rows = append(rows, RoutePolicyRow{
			Method:               method,
			Path:                 path,
			Classification:       classifyRoute(method, path),
			RequiresIdempotency:  requiresIdempotency(method, path),
			RequiredScopeTokened: requiredScopeForRoute(method, path),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Path != rows[j].Path {
			return rows[i].Path < rows[j].Path
		}
		return rows[i].Method < rows[j].Method
	})
	return rows
}
