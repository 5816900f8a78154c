package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	ctxKeyRequestID  contextKey = "request_id"
	ctxKeyPrincipal  contextKey = "principal"
	ctxKeyDelegation contextKey = "delegation_context"
)

// Principal is the resolved caller identity stored on the request
// context by the access-policy middleware.
type Principal struct {
	Owner      string
	TenantID   string
	AuthMethod string // api_key | bearer_jwt | delegation_token | tenant_key | anonymous
	Scopes     []string
	Admin      bool
}

// DelegationContext is the verified delegation token view attached by
// the delegation-chain middleware when X-Delegation-Token is present.
type DelegationContext struct {
	TokenID         string   `json:"token_id"`
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	ChainDepth      int      `json:"chain_depth"`
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request id minted by the logging
// middleware, or "" outside the chain.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// PrincipalFromContext returns the resolved caller, or an anonymous
// principal when auth never ran (public routes).
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(*Principal); ok && p != nil {
		return p
	}
	return &Principal{Owner: "anonymous", TenantID: "tenant-default", AuthMethod: "anonymous"}
}

func withDelegationContext(ctx context.Context, dc *DelegationContext) context.Context {
	return context.WithValue(ctx, ctxKeyDelegation, dc)
}

// DelegationFromContext returns the verified delegation token context,
// or nil when the request carried no X-Delegation-Token.
func DelegationFromContext(ctx context.Context) *DelegationContext {
	dc, _ := ctx.Value(ctxKeyDelegation).(*DelegationContext)
	return dc
}

// resolveTenantID normalizes the X-Tenant-ID header; absent or blank
// falls back to the default tenant.
func resolveTenantID(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if raw == "" {
		return "tenant-default"
	}
	return raw
}
