package tests

import (
	"math"
	"net/http"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// 1. SCOPE ATTENUATION — child tokens never widen scope or lifetime
// =============================================================================

func TestInvariant_ChildTokensOnlyShrink(t *testing.T) {
	cp := startControlPlane(t)
	for _, id := range []string{"att-a", "att-b", "att-c"} {
		cp.registerAgent(t, id)
	}
	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "att-a",
		"scopes":      []string{"read", "write"},
		"ttl_seconds": 3600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, body)
	}

	status, parent, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "att-a",
		"subject_agent_id": "att-b",
		"delegated_scopes": []string{"read", "write"},
		"ttl_seconds":      600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue parent token: status %d, body %v", status, parent)
	}

	// The child asks for a longer TTL than the parent has left; the
	// issued expiry must be clipped to the parent's.
	status, child, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "att-b",
		"subject_agent_id": "att-c",
		"delegated_scopes": []string{"read"},
		"ttl_seconds":      7200,
		"parent_token_id":  asString(t, parent, "token_id"),
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue child token: status %d, body %v", status, child)
	}

	scopes := asList(t, child, "delegated_scopes")
	if len(scopes) != 1 || scopes[0] != "read" {
		t.Errorf("child scopes = %v, want exactly [read]", scopes)
	}

	parentExp, err := time.Parse(time.RFC3339, asString(t, parent, "expires_at"))
	if err != nil {
		t.Fatalf("parse parent expiry: %v", err)
	}
	childExp, err := time.Parse(time.RFC3339, asString(t, child, "expires_at"))
	if err != nil {
		t.Fatalf("parse child expiry: %v", err)
	}
	if childExp.After(parentExp) {
		t.Errorf("child expiry %s outlives parent expiry %s", childExp, parentExp)
	}

	// Widening is refused outright.
	status, denied, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "att-b",
		"subject_agent_id": "att-c",
		"delegated_scopes": []string{"read", "admin"},
		"ttl_seconds":      300,
		"parent_token_id":  asString(t, parent, "token_id"),
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("escalating issue: status %d, want 400; body %v", status, denied)
	}
	if msg := errorMessage(t, denied); !strings.Contains(msg, "escalation") {
		t.Errorf("error message %q should name the escalation", msg)
	}
}

// =============================================================================
// 2. CREDENTIAL LIFECYCLE — at most one transition out of active
// =============================================================================

func TestInvariant_CredentialTransitionsOutOfActiveOnce(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-cred")

	status, issued, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "agent-cred",
		"scopes":      []string{"read"},
		"ttl_seconds": 3600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, issued)
	}
	oldID := asString(t, issued, "credential_id")

	status, rotated, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials/"+oldID+"/rotate",
		map[string]any{"ttl_seconds": 3600}, nil)
	if status != http.StatusOK {
		t.Fatalf("rotate credential: status %d, body %v", status, rotated)
	}
	newID := asString(t, rotated, "credential_id")
	if got := asString(t, rotated, "rotated_from"); got != oldID {
		t.Errorf("rotated_from = %q, want %q", got, oldID)
	}

	status, oldMeta, _ := cp.call(t, http.MethodGet, "/v1/identity/credentials/"+oldID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("read rotated credential: status %d", status)
	}
	if got := asString(t, oldMeta, "status"); got != "rotated" {
		t.Errorf("old credential status = %q, want rotated", got)
	}

	// Second transition attempts on the same record all fail.
	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials/"+oldID+"/rotate",
		map[string]any{}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("second rotate: status %d, want 400; body %v", status, body)
	}
	status, body, _ = cp.call(t, http.MethodPost, "/v1/identity/credentials/"+oldID+"/revoke",
		map[string]any{"reason": "cleanup"}, nil)
	if status != http.StatusConflict {
		t.Errorf("revoke of rotated credential: status %d, want 409; body %v", status, body)
	}

	// The replacement follows its own single transition.
	status, revoked, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials/"+newID+"/revoke",
		map[string]any{"reason": "decommissioned"}, nil)
	if status != http.StatusOK {
		t.Fatalf("revoke replacement: status %d, body %v", status, revoked)
	}
	status, again, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials/"+newID+"/revoke",
		map[string]any{"reason": "decommissioned"}, nil)
	if status != http.StatusOK {
		t.Fatalf("repeated revoke should be a no-op read: status %d, body %v", status, again)
	}
	if got := asString(t, again, "status"); got != "revoked" {
		t.Errorf("repeated revoke status = %q, want revoked", got)
	}
}

// =============================================================================
// 3. CASCADE ATOMICITY — a mid-chain revoke severs only its subtree
// =============================================================================

func TestInvariant_MidChainRevokeSeversSubtree(t *testing.T) {
	cp := startControlPlane(t)
	for _, id := range []string{"link-a", "link-b", "link-c", "link-d"} {
		cp.registerAgent(t, id)
	}
	if status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "link-a",
		"scopes":      []string{"read"},
		"ttl_seconds": 3600,
	}, nil); status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, body)
	}

	issue := func(issuer, subject, parentTokenID string) map[string]any {
		t.Helper()
		payload := map[string]any{
			"issuer_agent_id":  issuer,
			"subject_agent_id": subject,
			"delegated_scopes": []string{"read"},
			"ttl_seconds":      600,
		}
		if parentTokenID != "" {
			payload["parent_token_id"] = parentTokenID
		}
		status, grant, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", payload, nil)
		if status != http.StatusCreated {
			t.Fatalf("issue %s->%s: status %d, body %v", issuer, subject, status, grant)
		}
		return grant
	}
	root := issue("link-a", "link-b", "")
	middle := issue("link-b", "link-c", asString(t, root, "token_id"))
	leaf := issue("link-c", "link-d", asString(t, middle, "token_id"))

	status, revocation, _ := cp.call(t, http.MethodPost,
		"/v1/identity/delegation-tokens/"+asString(t, middle, "token_id")+"/revoke", map[string]any{}, nil)
	if status != http.StatusOK {
		t.Fatalf("revoke middle token: status %d, body %v", status, revocation)
	}
	if got := asNumber(t, revocation, "cascade_count"); got < 1 {
		t.Errorf("cascade_count = %v, want >= 1 for the leaf", got)
	}

	verify := func(grant map[string]any) int {
		t.Helper()
		status, _, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
			map[string]any{"signed_token": asString(t, grant, "signed_token")}, nil)
		return status
	}
	if got := verify(root); got != http.StatusOK {
		t.Errorf("root above the cut should stay valid, got status %d", got)
	}
	if got := verify(middle); got != http.StatusForbidden {
		t.Errorf("revoked middle token verify: status %d, want 403", got)
	}
	if got := verify(leaf); got != http.StatusForbidden {
		t.Errorf("descendant of revoked token verify: status %d, want 403", got)
	}
}

// =============================================================================
// 4. IDEMPOTENCY SCOPE — reservations are per (actor, method, route, key)
// =============================================================================

func TestInvariant_IdempotencyKeyScopedToRoute(t *testing.T) {
	cp := startControlPlane(t)
	shared := map[string]string{"Idempotency-Key": "shared-key-1"}

	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/agents", map[string]any{
		"agent_id":        "agent-shared",
		"credential_type": "api_key",
	}, shared)
	if status != http.StatusCreated {
		t.Fatalf("register under shared key: status %d, body %v", status, body)
	}

	status, body, _ = cp.call(t, http.MethodPost, "/v1/runtime/quotas", map[string]any{
		"agent_id":       "agent-shared",
		"resource":       "api_calls",
		"max_value":      10,
		"period_seconds": 3600,
	}, shared)
	if status != http.StatusCreated {
		t.Fatalf("same key on a different route must not collide: status %d, body %v", status, body)
	}
}

// =============================================================================
// 5. BALANCE CONSERVATION — credits minus deducts equals the balance
// =============================================================================

func TestInvariant_EscrowBalanceConservation(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-req")
	cp.registerAgent(t, "agent-del")

	// Three settlements below budget, one pre-escrow rejection, one
	// hard stop that burns its full hold.
	runs := []struct {
		estimated, maxBudget float64
		actual               *float64
		wantStatus           int
	}{
		{10, 20, floatPtr(8), http.StatusCreated},
		{6, 20, floatPtr(5.5), http.StatusCreated},
		{2, 20, floatPtr(0.25), http.StatusCreated},
		{50, 20, nil, http.StatusBadRequest},
		{10, 20, floatPtr(12.5), http.StatusCreated},
	}
	for i, run := range runs {
		status, body := cp.createDelegation(t, run.estimated, run.maxBudget, run.actual)
		if status != run.wantStatus {
			t.Fatalf("run %d: status %d, want %d; body %v", i, status, run.wantStatus, body)
		}
	}

	// 1000 - 8 - 5.5 - 0.25 - 10 = 976.25
	if got := cp.requesterBalance(t, "agent-req"); math.Abs(got-976.25) > 1e-9 {
		t.Errorf("requester balance = %v, want 976.25", got)
	}
}

// =============================================================================
// 6. CHAIN DEPTH — issuance past depth 5 fails
// =============================================================================

func TestInvariant_DelegationChainDepthCapped(t *testing.T) {
	cp := startControlPlane(t)
	agents := []string{"chain-0", "chain-1", "chain-2", "chain-3", "chain-4", "chain-5", "chain-6", "chain-7"}
	for _, id := range agents {
		cp.registerAgent(t, id)
	}
	if status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "chain-0",
		"scopes":      []string{"read"},
		"ttl_seconds": 3600,
	}, nil); status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, body)
	}

	parentID := ""
	for depth := 0; depth <= 5; depth++ {
		payload := map[string]any{
			"issuer_agent_id":  agents[depth],
			"subject_agent_id": agents[depth+1],
			"delegated_scopes": []string{"read"},
			"ttl_seconds":      600,
		}
		if parentID != "" {
			payload["parent_token_id"] = parentID
		}
		status, grant, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", payload, nil)
		if status != http.StatusCreated {
			t.Fatalf("issue at depth %d: status %d, body %v", depth, status, grant)
		}
		if got := asNumber(t, grant, "chain_depth"); int(got) != depth {
			t.Errorf("chain_depth = %v, want %d", got, depth)
		}
		parentID = asString(t, grant, "token_id")
	}

	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  agents[6],
		"subject_agent_id": agents[7],
		"delegated_scopes": []string{"read"},
		"ttl_seconds":      600,
		"parent_token_id":  parentID,
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("issue at depth 6: status %d, want 400; body %v", status, body)
	}
	if msg := errorMessage(t, body); !strings.Contains(msg, "depth") {
		t.Errorf("error message %q should name the depth limit", msg)
	}
}

// =============================================================================
// 7. QUOTA CONSERVATION — consumption never exceeds the cap
// =============================================================================

func TestInvariant_QuotaConsumptionNeverExceedsCap(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "agent-quota")

	status, body, _ := cp.call(t, http.MethodPost, "/v1/runtime/quotas", map[string]any{
		"agent_id":       "agent-quota",
		"resource":       "api_calls",
		"max_value":      5,
		"period_seconds": 3600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create quota: status %d, body %v", status, body)
	}

	check := func(amount int) map[string]any {
		t.Helper()
		status, decision, _ := cp.call(t, http.MethodPost, "/v1/runtime/quotas/check", map[string]any{
			"agent_id": "agent-quota",
			"resource": "api_calls",
			"amount":   amount,
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("quota check: status %d, body %v", status, decision)
		}
		return decision
	}

	first := check(2)
	if !asBool(t, first, "allowed") || asNumber(t, first, "used") != 2 || asNumber(t, first, "remaining") != 3 {
		t.Errorf("first check = %v, want allowed with used 2 remaining 3", first)
	}
	second := check(3)
	if !asBool(t, second, "allowed") || asNumber(t, second, "remaining") != 0 {
		t.Errorf("second check = %v, want allowed with remaining 0", second)
	}
	third := check(1)
	if asBool(t, third, "allowed") {
		t.Errorf("third check = %v, want denied past the cap", third)
	}

	status, violations, _ := cp.call(t, http.MethodGet, "/v1/runtime/quotas/violations?agent_id=agent-quota", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("violations read: status %d", status)
	}
	if got := asNumber(t, violations, "total"); got < 1 {
		t.Errorf("violations total = %v, want the denied attempt recorded", got)
	}
}

// =============================================================================
// 8. SIGNATURE ROUND TRIP — verify(sign(payload)), and nothing mutated
// =============================================================================

func TestInvariant_TokenSignatureRoundTrip(t *testing.T) {
	cp := startControlPlane(t)
	cp.registerAgent(t, "sig-a")
	cp.registerAgent(t, "sig-b")
	if status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/credentials", map[string]any{
		"agent_id":    "sig-a",
		"scopes":      []string{"read"},
		"ttl_seconds": 3600,
	}, nil); status != http.StatusCreated {
		t.Fatalf("issue credential: status %d, body %v", status, body)
	}

	status, grant, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens", map[string]any{
		"issuer_agent_id":  "sig-a",
		"subject_agent_id": "sig-b",
		"delegated_scopes": []string{"read"},
		"ttl_seconds":      600,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("issue token: status %d, body %v", status, grant)
	}
	signed := asString(t, grant, "signed_token")

	status, verification, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
		map[string]any{"signed_token": signed}, nil)
	if status != http.StatusOK {
		t.Fatalf("verify untampered token: status %d, body %v", status, verification)
	}
	if !asBool(t, verification, "valid") {
		t.Error("untampered token should verify")
	}
	if got := asString(t, verification, "subject_agent_id"); got != "sig-b" {
		t.Errorf("verified subject = %q, want sig-b", got)
	}

	// Flipping one signature character must fail verification.
	tampered := signed[:len(signed)-1]
	if strings.HasSuffix(signed, "a") {
		tampered += "b"
	} else {
		tampered += "a"
	}
	status, body, _ := cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
		map[string]any{"signed_token": tampered}, nil)
	if status != http.StatusForbidden {
		t.Errorf("tampered token verify: status %d, want 403; body %v", status, body)
	}

	// A token without the id.signature shape never reaches the store.
	status, body, _ = cp.call(t, http.MethodPost, "/v1/identity/delegation-tokens/verify",
		map[string]any{"signed_token": "not-a-token"}, nil)
	if status != http.StatusForbidden {
		t.Errorf("malformed token verify: status %d, want 403; body %v", status, body)
	}
}
