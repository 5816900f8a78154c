package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/tenancy"
)

// Enforcement modes for the access-policy middleware.
const (
	ModeEnforce = "enforce"
	ModeWarn    = "warn"
)

// WarnHeader carries access violations to the caller in warn mode.
const WarnHeader = "X-AgentHub-Access-Warn"

// adminOwners may reach admin_scoped routes.
var adminOwners = map[string]bool{
	"owner-dev":      true,
	"owner-platform": true,
}

// TokenAuthority verifies delegation tokens and walks their chains.
// identity.Service satisfies it.
type TokenAuthority interface {
	VerifyDelegationToken(signedToken string) (*identity.TokenVerification, error)
	GetDelegationChain(tokenID string) (*identity.ChainView, error)
}

// IdentityDirectory resolves agent identities for subject-acts auth.
// identity.Store satisfies it.
type IdentityDirectory interface {
	GetIdentity(agentID string) (*identity.AgentIdentity, error)
}

// WarnMeter records zero-cost metering events for warn-mode violations.
type WarnMeter interface {
	Record(actor, operation string, costUSD float64, metadata map[string]any)
}

// AccessPolicy resolves callers and enforces route classification.
type AccessPolicy struct {
	Mode         string
	APIKeys      map[string]string
	OwnerTenants map[string][]string
	JWTSecret    []byte
	Identities   IdentityDirectory
	Tenants      *tenancy.Registry
	Meter        WarnMeter
}

type jwtClaims struct {
	Owner  string   `json:"owner"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// resolvePrincipal walks the auth sources in priority order: the
// X-API-Key header (static owner keys, then ah_ tenant service keys),
// the Authorization bearer token, then a verified delegation token on
// whose behalf the subject agent acts. A request matching none of them
// is anonymous, which the classifier rejects for any non-public route.
func (ap *AccessPolicy) resolvePrincipal(r *http.Request) (*Principal, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		if owner, ok := ap.APIKeys[key]; ok {
			return &Principal{
				Owner:      owner,
				TenantID:   resolveTenantID(r),
				AuthMethod: "api_key",
				Scopes:     []string{"*"},
				Admin:      adminOwners[owner],
			}, nil
		}
		if strings.HasPrefix(key, tenancy.KeyPrefix) && ap.Tenants != nil {
			tenant, err := ap.Tenants.ValidateServiceKey(key)
			if err != nil {
				return nil, fmt.Errorf("service key rejected: %w", err)
			}
			return &Principal{
				Owner:      "svc:" + tenant.TenantID,
				TenantID:   tenant.TenantID,
				AuthMethod: "tenant_key",
				Scopes:     []string{"*"},
			}, nil
		}
		return nil, fmt.Errorf("unknown API key")
	}

	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
		claims := &jwtClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return ap.JWTSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return nil, fmt.Errorf("bearer token rejected: %w", err)
		}
		if claims.Owner == "" {
			return nil, fmt.Errorf("bearer token missing owner claim")
		}
		scopes := claims.Scopes
		if len(scopes) == 0 {
			scopes = []string{"*"}
		}
		return &Principal{
			Owner:      claims.Owner,
			TenantID:   resolveTenantID(r),
			AuthMethod: "bearer_jwt",
			Scopes:     scopes,
			Admin:      adminOwners[claims.Owner],
		}, nil
	}

	if dc := DelegationFromContext(r.Context()); dc != nil && ap.Identities != nil {
		subject, err := ap.Identities.GetIdentity(dc.SubjectAgentID)
		if err != nil {
			return nil, fmt.Errorf("delegation subject unresolvable: %w", err)
		}
		return &Principal{
			Owner:      subject.Owner,
			TenantID:   resolveTenantID(r),
			AuthMethod: "delegation_token",
			Scopes:     dc.DelegatedScopes,
		}, nil
	}

	return &Principal{Owner: "", TenantID: resolveTenantID(r), AuthMethod: "anonymous"}, nil
}

// tenantAllowed checks the owner→tenants map. Tenant-key principals are
// pinned to their own tenant; unknown owners only reach tenant-default.
func (ap *AccessPolicy) tenantAllowed(p *Principal, tenantID string) bool {
	if p.AuthMethod == "tenant_key" {
		return p.TenantID == tenantID
	}
	allowed, ok := ap.OwnerTenants[p.Owner]
	if !ok || len(allowed) == 0 {
		return tenantID == "tenant-default"
	}
	for _, t := range allowed {
		if t == "*" || t == tenantID {
			return true
		}
	}
	return false
}

type accessViolation struct {
	code    string
	message string
	status  int
}

// evaluateAccess applies the classification rules to a resolved
// principal. A nil return means the request may proceed.
func (ap *AccessPolicy) evaluateAccess(classification string, p *Principal) *accessViolation {
	if classification == ClassPublic {
		return nil
	}
	if p == nil || p.Owner == "" {
		return &accessViolation{code: CodeAuthRequired, message: "authentication required", status: http.StatusUnauthorized}
	}
	if classification == ClassAdminScoped && !adminOwners[p.Owner] {
		return &accessViolation{code: CodeAdminRequired, message: "admin role required", status: http.StatusForbidden}
	}
	if classification == ClassTenantScoped && !ap.tenantAllowed(p, p.TenantID) {
		return &accessViolation{code: CodeTenantForbidden, message: "owner is not allowed for tenant scope", status: http.StatusForbidden}
	}
	return nil
}

func (ap *AccessPolicy) meterWarn(p *Principal, r *http.Request, code, message string) {
	if ap.Meter == nil {
		return
	}
	actor := "anonymous"
	if p != nil && p.Owner != "" {
		actor = p.Owner
	}
	ap.Meter.Record(actor, "access_policy_warn", 0.0, map[string]any{
		"method":    r.Method,
		"path":      r.URL.Path,
		"tenant_id": resolveTenantID(r),
		"code":      code,
		"message":   message,
	})
}

// Middleware classifies the route, resolves the caller, and either
// blocks (enforce) or annotates and meters (warn) on violation. The
// resolved principal rides the request context either way.
func (ap *AccessPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		classification := classifyRoute(r.Method, r.URL.Path)

		p, err := ap.resolvePrincipal(r)
		if err != nil {
			if ap.Mode == ModeWarn {
				w.Header().Set(WarnHeader, CodeAuthInvalid+": "+err.Error())
				ap.meterWarn(nil, r, CodeAuthInvalid, err.Error())
				p = &Principal{Owner: "", TenantID: resolveTenantID(r), AuthMethod: "anonymous"}
			} else {
				writeStableError(w, http.StatusUnauthorized, CodeAuthInvalid, err.Error())
				return
			}
		}

		if v := ap.evaluateAccess(classification, p); v != nil {
			if ap.Mode == ModeWarn {
				w.Header().Set(WarnHeader, v.code+": "+v.message)
				ap.meterWarn(p, r, v.code, v.message)
			} else {
				writeStableError(w, v.status, v.code, v.message)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// DelegationChainMiddleware verifies an X-Delegation-Token when one is
// present: signature and liveness, per-hop scope attenuation across the
// chain, and the route's required scope. Verified context is attached
// for handlers; requests without the header pass straight through.
func DelegationChainMiddleware(tokens TokenAuthority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signed := strings.TrimSpace(r.Header.Get("X-Delegation-Token"))
			if signed == "" || tokens == nil {
				next.ServeHTTP(w, r)
				return
			}

			verification, err := tokens.VerifyDelegationToken(signed)
			if err != nil {
				writeStableError(w, http.StatusUnauthorized, CodeDelegationInvalid,
					fmt.Sprintf("delegation token validation failed: %v", err))
				return
			}

			chain, err := tokens.GetDelegationChain(verification.TokenID)
			if err == nil && len(chain.Chain) >= 2 {
				if hop, excess := attenuationViolation(chain.Chain); hop > 0 {
					writeStableError(w, http.StatusForbidden, CodeScopeEscalation,
						fmt.Sprintf("scope attenuation violated at hop %d: excess scopes %v", hop, excess))
					return
				}
			}

			if required := requiredScopeForRoute(r.Method, r.URL.Path); required != "" {
				if !identity.HasScope(verification.DelegatedScopes, required) {
					writeStableError(w, http.StatusForbidden, CodeInsufficientScope,
						fmt.Sprintf("delegation token missing required scope: %s", required))
					return
				}
			}

			dc := &DelegationContext{
				TokenID:         verification.TokenID,
				IssuerAgentID:   verification.IssuerAgentID,
				SubjectAgentID:  verification.SubjectAgentID,
				DelegatedScopes: verification.DelegatedScopes,
				ChainDepth:      verification.ChainDepth,
			}
			next.ServeHTTP(w, r.WithContext(withDelegationContext(r.Context(), dc)))
		})
	}
}

// attenuationViolation walks a root-first chain and returns the first
// hop whose scopes exceed its parent's, with the excess scopes. A
// wildcard parent admits any child. Zero hop means the chain is clean.
func attenuationViolation(chain []identity.ChainLink) (int, []string) {
	for i := 1; i < len(chain); i++ {
		parent := make(map[string]bool, len(chain[i-1].DelegatedScopes))
		wildcard := false
		for _, s := range chain[i-1].DelegatedScopes {
			if s == "*" {
				wildcard = true
			}
			parent[s] = true
		}
		if wildcard {
			continue
		}
		var excess []string
		for _, s := range chain[i].DelegatedScopes {
			if !parent[s] {
				excess = append(excess, s)
			}
		}
		if len(excess) > 0 {
			return i, excess
		}
	}
	return 0, nil
}
