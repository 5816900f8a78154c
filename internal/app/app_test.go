package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/audit"
	"github.com/agenthub/aicp/internal/config"
	"github.com/agenthub/aicp/internal/delegation"
	"github.com/agenthub/aicp/internal/identity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.IdentityDBPath = filepath.Join(dir, "identity.db")
	cfg.Storage.DelegationDBPath = filepath.Join(dir, "delegation.db")
	cfg.Storage.IdempotencyDBPath = filepath.Join(dir, "idempotency.db")
	cfg.Storage.LeaseDBPath = filepath.Join(dir, "lease.db")
	cfg.Metering.EventsPath = filepath.Join(dir, "events.jsonl")
	return cfg
}

func testSecrets() Secrets {
	return Secrets{
		AuthToken:       []byte("auth-secret"),
		IdentitySigning: []byte("identity-secret"),
		Provenance:      []byte("provenance-secret"),
		PolicySigning:   []byte("policy-secret"),
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(testConfig(t), testSecrets())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewWiresEveryService(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.Identities)
	assert.NotNil(t, a.Credentials)
	assert.NotNil(t, a.KillSwitch)
	assert.NotNil(t, a.Delegations)
	assert.NotNil(t, a.Leases)
	assert.NotNil(t, a.Runtime)
	assert.NotNil(t, a.Audits)
	assert.NotNil(t, a.Idempotency)
	assert.NotNil(t, a.Tenants)
	assert.NotNil(t, a.Policy)
	assert.NotNil(t, a.Meter)

	deps := a.HTTPDeps()
	assert.Equal(t, a.Config, deps.Config)
	assert.NotNil(t, deps.Gatherer)

	// The resolved auth-token secret lands on the config the HTTP
	// layer signs bearer tokens against.
	assert.Equal(t, "auth-secret", a.Config.Auth.TokenSecret)
}

func TestNewSeedsConfiguredTrustDomains(t *testing.T) {
	cfg := testConfig(t)
	cfg.Federation.DomainTokens = map[string]string{
		"partner.example.org": "-----BEGIN PUBLIC KEY-----\nMFkw\n-----END PUBLIC KEY-----",
	}

	a, err := New(cfg, testSecrets())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	dom, err := a.Credentials.GetTrustedDomain("partner.example.org")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap", dom.RegisteredBy)
	require.NotNil(t, dom.PublicKeyPEM)
	assert.Contains(t, *dom.PublicKeyPEM, "BEGIN PUBLIC KEY")
}

func TestAgentDirectoryAdapter(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Identities.RegisterIdentity("agent-a", "owner-dev", "api_key", nil, nil)
	require.NoError(t, err)

	dir := agentDirectory{a.Identities}
	status, err := dir.AgentStatus("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "active", status)

	_, err = dir.AgentStatus("agent-missing")
	assert.Error(t, err)
}

func TestTokenVerifierAdapter(t *testing.T) {
	a := newTestApp(t)

	for _, id := range []string{"agent-issuer", "agent-subject"} {
		_, err := a.Identities.RegisterIdentity(id, "owner-dev", "api_key", nil, nil)
		require.NoError(t, err)
	}
	_, err := a.Credentials.IssueCredential("agent-issuer", []string{"read", "write"}, 3600, "owner-dev")
	require.NoError(t, err)

	grant, err := a.Credentials.IssueDelegationToken(identity.IssueTokenParams{
		IssuerAgentID:   "agent-issuer",
		SubjectAgentID:  "agent-subject",
		DelegatedScopes: []string{"read"},
		TTLSeconds:      600,
		Owner:           "owner-dev",
	})
	require.NoError(t, err)

	v := tokenVerifier{a.Credentials}
	ctxTok, err := v.VerifyToken(grant.SignedToken)
	require.NoError(t, err)
	assert.Equal(t, grant.TokenID, ctxTok.TokenID)
	assert.Equal(t, "agent-subject", ctxTok.SubjectAgentID)
	assert.Equal(t, 0, ctxTok.ChainDepth)

	_, err = v.VerifyToken("bogus.signature")
	assert.Error(t, err)
}

func TestAuditEventsAdapterLiftsEnvelopeFields(t *testing.T) {
	a := newTestApp(t)

	sink := auditEvents{a.Audits}
	sink.Emit("delegation.created", map[string]any{
		"delegation_id":      "dg-123",
		"requester_agent_id": "agent-req",
		"delegate_agent_id":  "agent-del",
		"status":             "completed",
	})

	events := a.Audits.Bus.Query(audit.QueryFilter{EventType: audit.EventDelegationCreated})
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "agent-del", ev.AgentID)
	assert.Equal(t, "agent-req", ev.Actor)
	assert.Equal(t, "delegations/dg-123", ev.Resource)
	assert.Equal(t, "completed", ev.Detail["status"])
}

func TestDelegationFlowThroughAdapters(t *testing.T) {
	a := newTestApp(t)

	for _, id := range []string{"agent-req", "agent-del"} {
		_, err := a.Identities.RegisterIdentity(id, "owner-dev", "api_key", nil, nil)
		require.NoError(t, err)
	}

	rec, err := a.Delegations.Create(context.Background(), delegation.CreateRequest{
		RequesterAgentID: "agent-req",
		DelegateAgentID:  "agent-del",
		TaskSpec:         "summarize the quarterly report",
		EstimatedCostUSD: 1.0,
		MaxBudgetUSD:     2.0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.DelegationID)

	// The adapter route delivered the lifecycle event to the bus.
	events := a.Audits.Bus.Query(audit.QueryFilter{EventType: audit.EventDelegationCreated})
	require.Len(t, events, 1)
	assert.Equal(t, rec.DelegationID, events[0].Detail["delegation_id"])

	// And the meter recorded the settled cost.
	samples, err := a.Meter.List(10)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	assert.Equal(t, "delegation.create", samples[0].Operation)
	assert.Equal(t, "agent-req", samples[0].Actor)
}
