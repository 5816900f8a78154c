// Package tests boots the whole control plane over HTTP and exercises
// the externally observable contracts: the delegation lifecycle with
// its budget gates, idempotency replay, cascade revocation, scope
// narrowing, the lease promotion gate, federation bootstrap, and the
// startup diagnostics report.
package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agenthub/aicp/internal/app"
	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/httpapi"
	"github.com/agenthub/aicp/internal/lease"
)

// =============================================================================
// HARNESS — full application boot against temp-dir SQLite stores
// =============================================================================

const adminKey = "e2e-admin-key"

type controlPlane struct {
	http *httptest.Server
	app  *app.App
}

func e2eConfig(t *testing.T, enforcementMode string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			Port:            "0",
			Env:             "test",
			RequestTimeoutS: 10,
			RateLimit:       "100000/minute",
		},
		Auth: config.AuthConfig{
			APIKeys:         map[string]string{adminKey: "owner-dev"},
			TokenSecret:     "e2e-token-secret",
			EnforcementMode: enforcementMode,
			OwnerTenants:    map[string][]string{"owner-dev": {"*"}},
		},
		Storage: config.StorageConfig{
			IdentityDBPath:    filepath.Join(dir, "identity.db"),
			DelegationDBPath:  filepath.Join(dir, "delegation.db"),
			IdempotencyDBPath: filepath.Join(dir, "idempotency.db"),
			LeaseDBPath:       filepath.Join(dir, "lease.db"),
		},
		Delegation: config.DelegationConfig{
			BalanceBackend: "sqlite",
			SeedBalanceUSD: 1000.0,
		},
		Metering: config.MeteringConfig{
			EventsPath: filepath.Join(dir, "events.jsonl"),
		},
		Integration: config.IntegrationConfig{SecretsBackend: "env"},
	}
}

func bootControlPlane(t *testing.T, cfg *config.Config) *controlPlane {
	t.Helper()
	a, err := app.New(cfg, app.Secrets{
		AuthToken:       []byte("e2e-token-secret"),
		IdentitySigning: []byte("e2e-identity-signing"),
		Provenance:      []byte("e2e-provenance-signing"),
		PolicySigning:   []byte("e2e-policy-signing"),
	})
	if err != nil {
		t.Fatalf("application boot failed: %v", err)
	}
	t.Cleanup(a.Close)

	api := httpapi.NewServer(a.HTTPDeps())
	t.Cleanup(api.Close)

	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return &controlPlane{http: ts, app: a}
}

func startControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	return bootControlPlane(t, e2eConfig(t, "enforce"))
}

var idemSeq atomic.Int64

func freshIdempotencyKey() string {
	return fmt.Sprintf("e2e-key-%06d", idemSeq.Add(1))
}

// call sends one request as the admin service. Mutating verbs get a
// fresh Idempotency-Key unless the caller pins one via headers; headers
// apply last so tests can blank out the API key or reuse a key.
func (cp *controlPlane) call(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any, http.Header) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, cp.http.URL+path, reader)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", adminKey)
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", freshIdempotencyKey())
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response of %s %s: %v", method, path, err)
	}
	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response of %s %s is not a JSON object: %v\n%s", method, path, err, raw)
		}
	}
	return resp.StatusCode, decoded, resp.Header
}

func (cp *controlPlane) registerAgent(t *testing.T, agentID string) {
	t.Helper()
	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/agents", map[string]any{
		"agent_id":        agentID,
		"owner":           "owner-dev",
		"credential_type": "api_key",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %v", agentID, status, body)
	}
}

func (cp *controlPlane) createDelegation(t *testing.T, estimated, maxBudget float64, simulatedActual *float64) (int, map[string]any) {
	t.Helper()
	payload := map[string]any{
		"requester_agent_id": "agent-req",
		"delegate_agent_id":  "agent-del",
		"task_spec":          "translate the quarterly report",
		"estimated_cost_usd": estimated,
		"max_budget_usd":     maxBudget,
	}
	if simulatedActual != nil {
		payload["simulated_actual_cost_usd"] = *simulatedActual
	}
	status, body, _ := cp.call(t, http.MethodPost, "/v1/delegations", payload, nil)
	return status, body
}

func (cp *controlPlane) requesterBalance(t *testing.T, agentID string) float64 {
	t.Helper()
	status, body, _ := cp.call(t, http.MethodGet, "/v1/delegations/agents/"+agentID+"/balance", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("balance of %s: status %d, body %v", agentID, status, body)
	}
	return asNumber(t, body, "balance_usd")
}

// --- response field accessors ---

func asString(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	if !ok {
		t.Fatalf("field %q missing or not a string in %v", key, m)
	}
	return v
}

func asNumber(t *testing.T, m map[string]any, key string) float64 {
	t.Helper()
	v, ok := m[key].(float64)
	if !ok {
		t.Fatalf("field %q missing or not a number in %v", key, m)
	}
	return v
}

func asBool(t *testing.T, m map[string]any, key string) bool {
	t.Helper()
	v, ok := m[key].(bool)
	if !ok {
		t.Fatalf("field %q missing or not a bool in %v", key, m)
	}
	return v
}

func asObject(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	if !ok {
		t.Fatalf("field %q missing or not an object in %v", key, m)
	}
	return v
}

func asList(t *testing.T, m map[string]any, key string) []any {
	t.Helper()
	v, ok := m[key].([]any)
	if !ok {
		t.Fatalf("field %q missing or not a list in %v", key, m)
	}
	return v
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	return asString(t, asObject(t, body, "detail"), "code")
}

func errorMessage(t *testing.T, body map[string]any) string {
	t.Helper()
	return asString(t, asObject(t, body, "detail"), "message")
}

func floatPtr(v float64) *float64 { return &v }

// =============================================================================
// 1. DELEGATION LIFECYCLE — budget thresholds at 80/100/120 percent
// =============================================================================

func TestDelegationLifecycle_SoftAlertSettlement(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	status, body := cp.createDelegation(t, 10, 20, floatPtr(8))
	if status != http.StatusCreated {
		t.Fatalf("create delegation: status %d, body %v", status, body)
	}
	if got := asString(t, body, "status"); got != "completed" {
		t.Errorf("status = %q, want completed", got)
	}

	controls := asObject(t, body, "budget_controls")
	if got := asString(t, controls, "state"); got != "soft_alert" {
		t.Errorf("budget state = %q, want soft_alert", got)
	}
	if !asBool(t, controls, "soft_alert") {
		t.Error("soft_alert flag should be set at an 80% cost ratio")
	}
	if asBool(t, controls, "hard_stop") {
		t.Error("hard_stop must stay clear below the 120% ceiling")
	}
	if got := asNumber(t, controls, "ratio"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("budget ratio = %v, want 0.8", got)
	}

	wantStages := []string{"discovery", "negotiation", "execution", "delivery", "settlement", "feedback"}
	lifecycle := asList(t, body, "lifecycle")
	if len(lifecycle) != len(wantStages) {
		t.Fatalf("lifecycle has %d stages, want %d: %v", len(lifecycle), len(wantStages), lifecycle)
	}
	for i, raw := range lifecycle {
		stage, ok := raw.(map[string]any)
		if !ok {
			t.Fatalf("lifecycle[%d] is not an object: %v", i, raw)
		}
		if got := asString(t, stage, "stage"); got != wantStages[i] {
			t.Errorf("lifecycle[%d] = %q, want %q", i, got, wantStages[i])
		}
	}

	// Settlement refunds the unspent 2 USD of the 10 USD hold.
	settlement, ok := lifecycle[4].(map[string]any)
	if !ok {
		t.Fatalf("settlement stage is not an object: %v", lifecycle[4])
	}
	if got := asNumber(t, asObject(t, settlement, "details"), "escrow_refund_usd"); math.Abs(got-2) > 1e-9 {
		t.Errorf("escrow refund = %v, want 2", got)
	}
	if got := cp.requesterBalance(t, "agent-req"); math.Abs(got-992) > 1e-9 {
		t.Errorf("requester balance = %v, want 992", got)
	}

	// The status endpoint serves the persisted outcome.
	delegationID := asString(t, body, "delegation_id")
	status, persisted, _ := cp.call(t, http.MethodGet, "/v1/delegations/"+delegationID+"/status", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delegation status read: %d, body %v", status, persisted)
	}
	if got := asString(t, persisted, "status"); got != "completed" {
		t.Errorf("persisted status = %q, want completed", got)
	}
}

func TestDelegationLifecycle_HardCeilingRejected(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	status, body := cp.createDelegation(t, 50, 20, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("over-ceiling create: status %d, want 400; body %v", status, body)
	}
	if got := errorCode(t, body); got != "budget.hard_ceiling" {
		t.Errorf("error code = %q, want budget.hard_ceiling", got)
	}

	// Rejected before escrow: the seed balance is untouched.
	if got := cp.requesterBalance(t, "agent-req"); math.Abs(got-1000) > 1e-9 {
		t.Errorf("requester balance = %v, want untouched 1000", got)
	}
}

func TestDelegationLifecycle_HardStopAtOneTwentyPercent(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	status, body := cp.createDelegation(t, 10, 20, floatPtr(12.5))
	if status != http.StatusCreated {
		t.Fatalf("hard-stop create: status %d, body %v", status, body)
	}
	if got := asString(t, body, "status"); got != "failed_hard_stop" {
		t.Errorf("status = %q, want failed_hard_stop", got)
	}
	controls := asObject(t, body, "budget_controls")
	if !asBool(t, controls, "hard_stop") {
		t.Error("hard_stop flag should be set at a 125% cost ratio")
	}
	if got := asString(t, controls, "state"); got != "hard_stop" {
		t.Errorf("budget state = %q, want hard_stop", got)
	}

	// Overrun consumes the full hold; nothing comes back.
	if got := cp.requesterBalance(t, "agent-req"); math.Abs(got-990) > 1e-9 {
		t.Errorf("requester balance = %v, want 990 after the 10 USD hold burned", got)
	}
}

// =============================================================================
// 2. IDEMPOTENCY — byte-exact replay, payload-reuse conflicts
// =============================================================================

func TestIdempotency_ReplayReturnsCachedDelegation(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	payload := map[string]any{
		"requester_agent_id":        "agent-req",
		"delegate_agent_id":         "agent-del",
		"task_spec":                 "summarize the incident review",
		"estimated_cost_usd":        10.0,
		"max_budget_usd":            20.0,
		"simulated_actual_cost_usd": 8.0,
	}
	key := map[string]string{"Idempotency-Key": "replay-key-1"}

	status, first, headers := cp.call(t, http.MethodPost, "/v1/delegations", payload, key)
	if status != http.StatusCreated {
		t.Fatalf("first create: status %d, body %v", status, first)
	}
	if headers.Get(httpapi.ReplayHeader) != "" {
		t.Error("first execution must not carry the replay marker")
	}

	status, second, headers := cp.call(t, http.MethodPost, "/v1/delegations", payload, key)
	if status != http.StatusCreated {
		t.Fatalf("replayed create: status %d, body %v", status, second)
	}
	if headers.Get(httpapi.ReplayHeader) != "true" {
		t.Error("replay must carry X-AgentHub-Idempotent-Replay: true")
	}
	if asString(t, first, "delegation_id") != asString(t, second, "delegation_id") {
		t.Errorf("replay returned a different delegation: %v vs %v",
			first["delegation_id"], second["delegation_id"])
	}

	// One execution, one hold: the balance reflects a single settlement.
	if got := cp.requesterBalance(t, "agent-req"); math.Abs(got-992) > 1e-9 {
		t.Errorf("requester balance = %v, want 992 after exactly one execution", got)
	}
}

func TestIdempotency_KeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	key := map[string]string{"Idempotency-Key": "reuse-key-1"}
	payload := map[string]any{
		"requester_agent_id": "agent-req",
		"delegate_agent_id":  "agent-del",
		"task_spec":          "first task",
		"estimated_cost_usd": 1.0,
		"max_budget_usd":     2.0,
	}
	if status, body, _ := cp.call(t, http.MethodPost, "/v1/delegations", payload, key); status != http.StatusCreated {
		t.Fatalf("seed create: status %d, body %v", status, body)
	}

	payload["task_spec"] = "second task under the same key"
	status, body, _ := cp.call(t, http.MethodPost, "/v1/delegations", payload, key)
	if status != http.StatusConflict {
		t.Fatalf("payload reuse: status %d, want 409; body %v", status, body)
	}
	if got := errorCode(t, body); got != "idempotency.key_reused_with_different_payload" {
		t.Errorf("error code = %q, want idempotency.key_reused_with_different_payload", got)
	}
}

func TestIdempotency_MissingKeyRejectedOnMutations(t *testing.T) {
	cp := startControlPlane(t)

	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/agents", map[string]any{
		"agent_id":        "agent-nokey",
		"credential_type": "api_key",
	}, map[string]string{"Idempotency-Key": ""})
	if status != http.StatusBadRequest {
		t.Fatalf("missing key: status %d, want 400; body %v", status, body)
	}
	if got := errorCode(t, body); got != "idempotency.missing_key" {
		t.Errorf("error code = %q, want idempotency.missing_key", got)
	}
}

// =============================================================================
// 3. CASCADE REVOCATION — the kill switch fans out atomically
// =============================================================================

func TestCascadeRevocation_AncestorRevokeInvalidatesEverything(t *testing.T) {
	cp := startControlPlane(t)
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		cp.registerAgent(t, id)
	}

	status, cred, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "agent-a",
		"scopes":      []string{"read", "write"},
		"ttl_seconds": 3600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, cred)
	}
	credentialID := asString(t, cred, "credential_id")

	status, rootGrant, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "agent-a",
		"subject_agent_id": "agent-b",
		"delegated_scopes": []string{"read", "write"},
		"ttl_seconds":      600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue root token: status %d, body %v", status, rootGrant)
	}
	status, childGrant, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "agent-b",
		"subject_agent_id": "agent-c",
		"delegated_scopes": []string{"read"},
		"ttl_seconds":      300,
		"parent_token_id":  asString(t, rootGrant, "token_id"),
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue child token: status %d, body %v", status, childGrant)
	}

	status, result, _ := cp.call(t, http.MethodPost, "/v1/identity/agents/agent-a/revoke", map[string]any{
		"reason": "credential leak suspected",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("revoke agent: status %d, body %v", status, result)
	}
	if got := asNumber(t, result, "revoked_tokens"); got < 2 {
		t.Errorf("revoked_tokens = %v, want >= 2 (root and descendant)", got)
	}
	if got := asNumber(t, result, "revoked_credentials"); got < 1 {
		t.Errorf("revoked_credentials = %v, want >= 1", got)
	}

	for _, grant := range []map[string]any{rootGrant, childGrant} {
		signed := asString(t, grant, "signed_token")
		status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
			map[string]any{"signed_token": signed}, nil)
		if status != http.StatusForbidden {
			t.Errorf("verify of %s after cascade: status %d, want 403; body %v",
				grant["token_id"], status, body)
		}
	}

	status, agent, _ := cp.call(t, http.MethodGet, "/v1/identity/agents/agent-a", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("read agent: status %d", status)
	}
	if got := asString(t, agent, "status"); got != "revoked" {
		t.Errorf("agent status = %q, want revoked", got)
	}

	status, meta, _ := cp.call(t, http.MethodGet, "/v1/identity/credentials/"+credentialID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("read credential: status %d", status)
	}
	if got := asString(t, meta, "status"); got != "revoked" {
		t.Errorf("credential status = %q, want revoked", got)
	}
}

// =============================================================================
// 4. SCOPE NARROWING — requested scopes may only shrink
// =============================================================================

func TestScopeNarrowing_EscalationDenied(t *testing.T) {
	cp := startControlPlane(t)

	status, body, _ := cp.call(t, http.MethodPost, "/v1/runtime/narrowed-tokens", map[string]any{
		"parent_token_id":  "dtk-e2e-parent",
		"parent_scopes":    []string{"read"},
		"requested_scopes": []string{"read", "write"},
		"agent_id":         "agent-narrow",
		"ttl_seconds":      300,
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("escalating narrow: status %d, want 400; body %v", status, body)
	}
	if msg := errorMessage(t, body); !strings.Contains(msg, "escalation") {
		t.Errorf("error message %q should name the escalation", msg)
	}
}

// =============================================================================
// 5. LEASE PROMOTION GATE — signature, policy, ticket, compatibility
// =============================================================================

func TestLeaseLifecycle_PromoteThenRollback(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-lessee")

	status, created, _ := cp.call(t, http.MethodPost, "/v1/leases", map[string]any{
		"requester_agent_id": "agent-lessee",
		"capability_ref":     "cap://tools/translator@1.2.0",
		"ttl_seconds":        600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create lease: status %d, body %v", status, created)
	}
	leaseID := asString(t, created, "lease_id")
	attHash := asString(t, created, "attestation_hash")

	// A promotion missing policy approval is refused outright.
	status, body, _ := cp.call(t, http.MethodPost, "/v1/leases/"+leaseID+"/promote", map[string]any{
		"signature":              lease.ExpectedSignature(attHash, "owner-dev"),
		"attestation_hash":       attHash,
		"policy_approved":        false,
		"approval_ticket":        "APR-2218",
		"compatibility_verified": true,
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("unapproved promote: status %d, want 403; body %v", status, body)
	}

	status, promoted, _ := cp.call(t, http.MethodPost, "/v1/leases/"+leaseID+"/promote", map[string]any{
		"signature":              lease.ExpectedSignature(attHash, "owner-dev"),
		"attestation_hash":       attHash,
		"policy_approved":        true,
		"approval_ticket":        "APR-2218",
		"compatibility_verified": true,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("promote lease: status %d, body %v", status, promoted)
	}
	if got := asString(t, promoted, "status"); got != "promoted" {
		t.Errorf("lease status = %q, want promoted", got)
	}
	installID := asString(t, asObject(t, promoted, "promotion"), "install_id")

	status, rolled, _ := cp.call(t, http.MethodPost, "/v1/installs/"+installID+"/rollback", map[string]any{
		"reason": "canary regression",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("rollback install: status %d, body %v", status, rolled)
	}
	if got := asString(t, rolled, "status"); got != "rolled_back" {
		t.Errorf("install status = %q, want rolled_back", got)
	}
}

// =============================================================================
// 6. FEDERATION — bootstrap seeding and the attestation round trip
// =============================================================================

func TestFederation_BootstrapDomainsServeAttestations(t *testing.T) {
	cfg := e2eConfig(t, "enforce")
	cfg.Federation.DomainTokens = map[string]string{
		"partner.example.org": "-----BEGIN PUBLIC KEY-----\ne2e\n-----END PUBLIC KEY-----",
	}
	cp := bootControlPlane(t, cfg)
	cp.registerAgent(t, "agent-fed")

	status, domain, _ := cp.call(t, http.MethodGet, "/v1/identity/trust-domains/partner.example.org", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("seeded domain read: status %d, body %v", status, domain)
	}
	if got := asString(t, domain, "registered_by"); got != "bootstrap" {
		t.Errorf("registered_by = %q, want bootstrap", got)
	}

	status, grant, _ := cp.call(t, http.MethodPost, "/v1/identity/attestations", map[string]any{
		"agent_id":    "agent-fed",
		"domain_id":   "partner.example.org",
		"claims":      map[string]string{"environment": "staging"},
		"ttl_seconds": 600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create attestation: status %d, body %v", status, grant)
	}

	status, verification, _ := cp.call(t, http.MethodPost, "/v1/identity/attestations/verify", map[string]any{
		"attestation_id": asString(t, grant, "attestation_id"),
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("verify attestation: status %d, body %v", status, verification)
	}
	if !asBool(t, verification, "valid") {
		t.Error("attestation should verify against the seeded domain")
	}
}

// =============================================================================
// 7. ACCESS MODES — enforce blocks, warn annotates, health stays public
// =============================================================================

func TestAccessControl_EnforceModeBlocksAnonymous(t *testing.T) {
	cp := startControlPlane(t)

	status, body, _ := cp.call(t, http.MethodGet, "/v1/identity/agents", nil,
		map[string]string{"X-API-Key": ""})
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous read: status %d, want 401; body %v", status, body)
	}
	if got := errorCode(t, body); got != "auth.required" {
		t.Errorf("error code = %q, want auth.required", got)
	}
}

func TestAccessControl_WarnModeAnnotatesAnonymous(t *testing.T) {
	cp := bootControlPlane(t, e2eConfig(t, "warn"))

	status, _, headers := cp.call(t, http.MethodGet, "/v1/identity/agents", nil,
		map[string]string{"X-API-Key": ""})
	if status != http.StatusOK {
		t.Fatalf("warn-mode anonymous read: status %d, want 200", status)
	}
	if warn := headers.Get(httpapi.WarnHeader); !strings.Contains(warn, "auth.required") {
		t.Errorf("warn header %q should carry the suppressed auth.required verdict", warn)
	}
}

func TestAccessControl_HealthAndDiscoveryStayPublic(t *testing.T) {
	cp := startControlPlane(t)

	status, health, _ := cp.call(t, http.MethodGet, "/healthz", nil, map[string]string{"X-API-Key": ""})
	if status != http.StatusOK {
		t.Fatalf("healthz: status %d", status)
	}
	if got := asString(t, health, "status"); got != "ok" {
		t.Errorf("healthz status = %q, want ok", got)
	}

	status, wellKnown, _ := cp.call(t, http.MethodGet, "/.well-known/agenthub", nil, map[string]string{"X-API-Key": ""})
	if status != http.StatusOK {
		t.Fatalf("well-known: status %d", status)
	}
	if got := asString(t, wellKnown, "enforcement_mode"); got != "enforce" {
		t.Errorf("advertised enforcement_mode = %q, want enforce", got)
	}
}

// =============================================================================
// 8. STARTUP DIAGNOSTICS — fail closed on a malformed key map
// =============================================================================

func staticEnv(values map[string]string) config.Environ {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func completeEnv() map[string]string {
	return map[string]string{
		"AGENTHUB_API_KEYS_JSON":                 `{"ops-key": "owner-dev"}`,
		"AGENTHUB_AUTH_TOKEN_SECRET":             "token-secret",
		"AGENTHUB_IDENTITY_SIGNING_SECRET":       "identity-secret",
		"AGENTHUB_PROVENANCE_SIGNING_SECRET":     "provenance-secret",
		"AGENTHUB_POLICY_SIGNING_SECRET":         "policy-secret",
		"AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON": `{"partner.example.org": "pem"}`,
	}
}

func TestStartupDiagnostics_MalformedKeyMapFailsClosed(t *testing.T) {
	env := completeEnv()
	env["AGENTHUB_API_KEYS_JSON"] = "{bad-json"

	report := config.BuildDiagnostics(e2eConfig(t, "enforce"), staticEnv(env))
	if report.StartupReady {
		t.Error("startup_ready must be false with a malformed key map")
	}

	var keyCheck *config.EnvCheck
	for i := range report.Checks {
		if report.Checks[i].EnvVar == "AGENTHUB_API_KEYS_JSON" {
			keyCheck = &report.Checks[i]
		}
	}
	if keyCheck == nil {
		t.Fatal("report is missing the AGENTHUB_API_KEYS_JSON check")
	}
	if keyCheck.Valid {
		t.Error("malformed JSON must not validate")
	}
	if !keyCheck.Present {
		t.Error("the variable is present, just invalid")
	}
	if keyCheck.Severity != "critical" {
		t.Errorf("severity = %q, want critical", keyCheck.Severity)
	}

	found := false
	for _, name := range report.MissingOrInvalid {
		if name == "AGENTHUB_API_KEYS_JSON" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing_or_invalid %v should list AGENTHUB_API_KEYS_JSON", report.MissingOrInvalid)
	}

	// The loader itself refuses the same input, so an enforce-mode boot
	// never reaches the listener.
	t.Setenv("AGENTHUB_API_KEYS_JSON", "{bad-json")
	if _, err := config.Load(""); err == nil {
		t.Error("config.Load should reject a malformed AGENTHUB_API_KEYS_JSON")
	} else if !strings.Contains(err.Error(), "AGENTHUB_API_KEYS_JSON") {
		t.Errorf("load error %q should name the offending variable", err)
	}
}

func TestStartupDiagnostics_ReadyWithCompleteEnvironment(t *testing.T) {
	report := config.BuildDiagnostics(e2eConfig(t, "enforce"), staticEnv(completeEnv()))
	if !report.StartupReady {
		t.Fatalf("startup_ready = false with a complete environment: %v", report.MissingOrInvalid)
	}
	for _, check := range report.Checks {
		if !check.Valid {
			t.Errorf("check %s unexpectedly invalid: %s", check.EnvVar, check.Message)
		}
	}
	for _, pc := range report.PathChecks {
		if !pc.Writable {
			t.Errorf("path %s not writable: %s", pc.Name, pc.Message)
		}
	}
}
