package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRoute(t *testing.T) {
	cases := []struct {
		method, path string
		want         string
	}{
		{"GET", "/healthz", ClassPublic},
		{"GET", "/readyz", ClassPublic},
		{"GET", "/metrics", ClassPublic},
		{"GET", "/.well-known/agenthub", ClassPublic},
		{"GET", "/v1/delegations/contract", ClassPublic},

		// The contract route is public for GET only.
		{"POST", "/v1/delegations/contract", ClassTenantScoped},

		{"POST", "/v1/admin/tenants", ClassAdminScoped},
		{"GET", "/v1/admin/metering/events", ClassAdminScoped},
		{"GET", "/v1/system/diagnostics", ClassAdminScoped},
		{"GET", "/v1/system/route-policy", ClassAdminScoped},
		{"POST", "/v1/operator/anything", ClassAdminScoped},

		{"POST", "/v1/delegations", ClassTenantScoped},
		{"GET", "/v1/delegations/dg-1/status", ClassTenantScoped},
		{"POST", "/v1/leases", ClassTenantScoped},
		{"POST", "/v1/installs/ins-1/rollback", ClassTenantScoped},
		{"POST", "/v1/runtime/sandboxes", ClassTenantScoped},

		{"POST", "/v1/identity/agents", ClassAuthenticated},
		{"GET", "/v1/audit/events", ClassAuthenticated},
		{"GET", "/v1/system/limits", ClassAuthenticated},
		{"GET", "/scim/v2/Users", ClassAuthenticated},

		{"GET", "/favicon.ico", ClassPublic},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyRoute(tc.method, tc.path), "%s %s", tc.method, tc.path)
	}
}

func TestRequiresIdempotency(t *testing.T) {
	assert.True(t, requiresIdempotency("POST", "/v1/delegations"))
	assert.True(t, requiresIdempotency("PUT", "/v1/identity/agents/agent-1/status"))
	assert.True(t, requiresIdempotency("PATCH", "/v1/runtime/quotas/q-1"))
	assert.True(t, requiresIdempotency("DELETE", "/v1/audit/webhooks/wh-1"))

	// Reads never need a key.
	assert.False(t, requiresIdempotency("GET", "/v1/delegations/dg-1/status"))

	// Mutating verbs outside /v1 are unguarded.
	assert.False(t, requiresIdempotency("POST", "/healthz"))

	// Verification endpoints are modeled as reads.
	assert.False(t, requiresIdempotency("POST", "/v1/identity/credentials/verify"))
	assert.False(t, requiresIdempotency("POST", "/v1/identity/delegation-tokens/verify"))
	assert.False(t, requiresIdempotency("POST", "/v1/identity/attestations/verify"))
	assert.False(t, requiresIdempotency("POST", "/v1/identity/spiffe/validate"))
	assert.False(t, requiresIdempotency("POST", "/v1/runtime/quotas/check"))
	assert.False(t, requiresIdempotency("POST", "/v1/runtime/ip-rules/check"))
	assert.False(t, requiresIdempotency("POST", "/v1/runtime/narrowed-tokens/nt-1/validate"))
	assert.False(t, requiresIdempotency("POST", "/v1/audit/webhooks/wh-1/test"))

	// But sibling mutating routes still need one.
	assert.True(t, requiresIdempotency("POST", "/v1/runtime/narrowed-tokens/nt-1/revoke"))
}

func TestRequiredScopeForRoute(t *testing.T) {
	assert.Equal(t, "read", requiredScopeForRoute("GET", "/v1/identity/agents/agent-1"))
	assert.Equal(t, "read", requiredScopeForRoute("GET", "/v1/audit/events"))
	assert.Equal(t, "delegation.create", requiredScopeForRoute("POST", "/v1/delegations"))
	assert.Equal(t, "delegation.create", requiredScopeForRoute("POST", "/v1/identity/delegation-tokens"))
	assert.Equal(t, "write", requiredScopeForRoute("POST", "/v1/identity/agents"))
	assert.Equal(t, "runtime.execute", requiredScopeForRoute("POST", "/v1/runtime/sandboxes"))
	assert.Equal(t, "write", requiredScopeForRoute("POST", "/v1/runtime/quotas"))
	assert.Equal(t, "", requiredScopeForRoute("GET", "/healthz"))
	assert.Equal(t, "", requiredScopeForRoute("POST", "/v1/audit/webhooks"))
}

func TestBuildRoutePolicyMap(t *testing.T) {
	routes := [][2]string{
		{"POST", "/v1/delegations"},
		{"GET", "/healthz"},
		{"OPTIONS", "/v1/delegations"},
		{"HEAD", "/healthz"},
		{"GET", "/v1/delegations/contract"},
		{"POST", "/v1/admin/tenants"},
	}
	rows := BuildRoutePolicyMap(routes)

	// HEAD and OPTIONS are dropped.
	assert.Len(t, rows, 4)

	// Sorted by path, then method.
	assert.Equal(t, "/healthz", rows[0].Path)
	assert.Equal(t, "/v1/admin/tenants", rows[1].Path)
	assert.Equal(t, "/v1/delegations", rows[2].Path)
	assert.Equal(t, "/v1/delegations/contract", rows[3].Path)

	assert.Equal(t, ClassAdminScoped, rows[1].Classification)
	assert.True(t, rows[1].RequiresIdempotency)

	assert.Equal(t, ClassTenantScoped, rows[2].Classification)
	assert.True(t, rows[2].RequiresIdempotency)
	assert.Equal(t, "delegation.create", rows[2].RequiredScopeTokened)

	assert.Equal(t, ClassPublic, rows[3].Classification)
	assert.False(t, rows[3].RequiresIdempotency)
}
