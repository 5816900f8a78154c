package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/store"
)

type stubLeaseRevoker struct {
	count int
	err   error
	calls []string
}

func (s *stubLeaseRevoker) RevokeLeasesForAgent(agentID, reason string) (int, error) {
	s.calls = append(s.calls, agentID)
	return s.count, s.err
}

// killSwitchFixture builds the classic blast-radius setup: agent-alpha
// holds one credential, delegates [read write] to agent-beta, and beta
// re-delegates [read] to agent-gamma.
func killSwitchFixture(t *testing.T) *Service {
	t.Helper()
	svc := newTestService(t)
	registerActiveAgent(t, svc, "agent-alpha", "owner-test")
	registerActiveAgent(t, svc, "agent-beta", "owner-test")
	registerActiveAgent(t, svc, "agent-gamma", "owner-test")

	_, err := svc.IssueCredential("agent-alpha", []string{"read", "write"}, 3600, "owner-test")
	require.NoError(t, err)

	root, err := svc.IssueDelegationToken(IssueTokenParams{
		IssuerAgentID:   "agent-alpha",
		SubjectAgentID:  "agent-beta",
		DelegatedScopes: []string{"read", "write"},
		TTLSeconds:      3600,
		Owner:           "owner-test",
	})
	require.NoError(t, err)
	_, err = svc.IssueDelegationToken(IssueTokenParams{
		IssuerAgentID:   "agent-beta",
		SubjectAgentID:  "agent-gamma",
		DelegatedScopes: []string{"read"},
		TTLSeconds:      3600,
		ParentTokenID:   root.TokenID,
		Owner:           "owner-test",
	})
	require.NoError(t, err)
	return svc
}

func TestKillSwitchRevokeAgent(t *testing.T) {
	svc := killSwitchFixture(t)
	ks := NewKillSwitch(svc.Store(), nil)

	res, err := ks.RevokeAgent("agent-alpha", "owner-test", "compromised key")
	require.NoError(t, err)

	assert.Regexp(t, `^rev-[0-9a-f]{16}$`, res.EventID)
	assert.Equal(t, 1, res.RevokedCredentials)
	// The root token names alpha as issuer; its cascade takes the
	// grandchild down with it.
	assert.Equal(t, 2, res.RevokedTokens)
	assert.Equal(t, 0, res.RevokedLeases)

	identity, err := svc.Store().GetIdentity("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, identity.Status)

	// Nothing downstream of alpha verifies anymore.
	sessions, err := svc.ListActiveSessions("agent-alpha")
	require.NoError(t, err)
	assert.Empty(t, sessions.Credentials)

	events, err := ks.ListEvents("agent-alpha", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent_identity", events[0].RevokedType)
	assert.Equal(t, "compromised key", events[0].Reason)
	assert.Equal(t, 3, events[0].CascadeCount)
}

func TestKillSwitchInvalidatesDelegationChain(t *testing.T) {
	svc := newTestService(t)
	registerActiveAgent(t, svc, "agent-alpha", "owner-test")
	registerActiveAgent(t, svc, "agent-beta", "owner-test")
	registerActiveAgent(t, svc, "agent-gamma", "owner-test")

	_, err := svc.IssueCredential("agent-alpha", []string{"read", "write"}, 3600, "owner-test")
	require.NoError(t, err)
	root, err := svc.IssueDelegationToken(IssueTokenParams{
		IssuerAgentID:   "agent-alpha",
		SubjectAgentID:  "agent-beta",
		DelegatedScopes: []string{"read", "write"},
		TTLSeconds:      3600,
		Owner:           "owner-test",
	})
	require.NoError(t, err)
	leaf, err := svc.IssueDelegationToken(IssueTokenParams{
		IssuerAgentID:   "agent-beta",
		SubjectAgentID:  "agent-gamma",
		DelegatedScopes: []string{"read"},
		TTLSeconds:      3600,
		ParentTokenID:   root.TokenID,
		Owner:           "owner-test",
	})
	require.NoError(t, err)

	ks := NewKillSwitch(svc.Store(), nil)
	_, err = ks.RevokeAgent("agent-alpha", "owner-test", "incident")
	require.NoError(t, err)

	for _, signed := range []string{root.SignedToken, leaf.SignedToken} {
		_, err := svc.VerifyDelegationToken(signed)
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrPermissionDenied))
	}
}

func TestKillSwitchOwnerMismatch(t *testing.T) {
	svc := killSwitchFixture(t)
	ks := NewKillSwitch(svc.Store(), nil)

	_, err := ks.RevokeAgent("agent-alpha", "owner-other", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrPermissionDenied))

	identity, err := svc.Store().GetIdentity("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, identity.Status)
}

func TestKillSwitchUnknownAgent(t *testing.T) {
	svc := newTestService(t)
	ks := NewKillSwitch(svc.Store(), nil)

	_, err := ks.RevokeAgent("agent-ghost", "owner-test", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestKillSwitchRevokesLeases(t *testing.T) {
	svc := killSwitchFixture(t)
	leases := &stubLeaseRevoker{count: 2}
	ks := NewKillSwitch(svc.Store(), leases)

	res, err := ks.RevokeAgent("agent-alpha", "owner-test", "incident")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RevokedLeases)
	assert.Equal(t, []string{"agent-alpha"}, leases.calls)
}

func TestKillSwitchLeaseFailureIsBestEffort(t *testing.T) {
	svc := killSwitchFixture(t)
	leases := &stubLeaseRevoker{err: errors.New("lease store down")}
	ks := NewKillSwitch(svc.Store(), leases)

	// A lease failure must not block the identity transition.
	res, err := ks.RevokeAgent("agent-alpha", "owner-test", "incident")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RevokedLeases)
	assert.Equal(t, 1, res.RevokedCredentials)

	identity, err := svc.Store().GetIdentity("agent-alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, identity.Status)
}

func TestKillSwitchIdempotent(t *testing.T) {
	svc := killSwitchFixture(t)
	ks := NewKillSwitch(svc.Store(), nil)

	_, err := ks.RevokeAgent("agent-alpha", "owner-test", "first")
	require.NoError(t, err)

	// Already revoked: nothing left to cascade, but the call still lands.
	res, err := ks.RevokeAgent("agent-alpha", "owner-test", "second")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RevokedCredentials)
	assert.Equal(t, 0, res.RevokedTokens)
}

func TestBulkRevoke(t *testing.T) {
	svc := newTestService(t)
	registerActiveAgent(t, svc, "agent-alpha", "owner-test")
	registerActiveAgent(t, svc, "agent-beta", "owner-test")
	ks := NewKillSwitch(svc.Store(), nil)

	res := ks.BulkRevoke([]string{"agent-alpha", "agent-beta", "agent-ghost"}, "owner-test", "sweep")
	assert.Equal(t, 3, res.TotalRequested)
	assert.Equal(t, 2, res.TotalRevoked)
	require.Len(t, res.Results, 3)
	assert.Empty(t, res.Results[0].Error)
	assert.Empty(t, res.Results[1].Error)
	assert.Contains(t, res.Results[2].Error, "not found")
}
