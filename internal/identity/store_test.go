package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestStore(t), []byte("test-identity-signing-secret"))
}

func TestRegisterIdentity(t *testing.T) {
	st := newTestStore(t)

	identity, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, map[string]string{"team": "search"})
	require.NoError(t, err)
	assert.Equal(t, "agent-alpha", identity.AgentID)
	assert.Equal(t, StatusActive, identity.Status)
	assert.Equal(t, map[string]string{"team": "search"}, identity.Metadata)
	assert.NotEmpty(t, identity.CreatedAt)

	_, err = st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrAlreadyExists))
}

func TestRegisterIdentityRejectsUnknownCredentialType(t *testing.T) {
	st := newTestStore(t)

	_, err := st.RegisterIdentity("agent-alpha", "owner-test", "passport", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))
}

func TestGetIdentityNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetIdentity("agent-ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUpdateIdentityStatus(t *testing.T) {
	st := newTestStore(t)
	_, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.NoError(t, err)

	identity, err := st.UpdateIdentityStatus("agent-alpha", StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, identity.Status)

	_, err = st.UpdateIdentityStatus("agent-alpha", "frozen")
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))

	_, err = st.UpdateIdentityStatus("agent-ghost", StatusRevoked)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestBindHumanPrincipalAndChecksum(t *testing.T) {
	st := newTestStore(t)
	_, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.NoError(t, err)

	identity, err := st.BindHumanPrincipal("agent-alpha", "user-42")
	require.NoError(t, err)
	require.NotNil(t, identity.HumanPrincipalID)
	assert.Equal(t, "user-42", *identity.HumanPrincipalID)

	identity, err = st.SetConfigurationChecksum("agent-alpha", "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, identity.ConfigurationChecksum)
	assert.Equal(t, "deadbeef", *identity.ConfigurationChecksum)
}

func TestUpdateCredentialStatusIfActiveIsOptimistic(t *testing.T) {
	st := newTestStore(t)
	_, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.NoError(t, err)

	now := utcNowEpoch()
	require.NoError(t, st.InsertCredential("cred-1", "agent-alpha", "hash-1", []string{"read"}, now, now+3600, nil))

	// First transition out of active wins.
	cred, err := st.UpdateCredentialStatusIfActive("cred-1", CredStatusRevoked, "incident")
	require.NoError(t, err)
	assert.Equal(t, CredStatusRevoked, cred.Status)
	require.NotNil(t, cred.RevocationReason)
	assert.Equal(t, "incident", *cred.RevocationReason)

	// Second transition sees zero affected rows.
	_, err = st.UpdateCredentialStatusIfActive("cred-1", CredStatusRotated, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// Missing credential is NOT_FOUND, not CONFLICT.
	_, err = st.UpdateCredentialStatusIfActive("cred-ghost", CredStatusRevoked, "")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRevokeAllCredentialsCount(t *testing.T) {
	st := newTestStore(t)
	_, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.NoError(t, err)

	now := utcNowEpoch()
	require.NoError(t, st.InsertCredential("cred-1", "agent-alpha", "hash-1", []string{"read"}, now, now+3600, nil))
	require.NoError(t, st.InsertCredential("cred-2", "agent-alpha", "hash-2", []string{"write"}, now, now+3600, nil))

	count, err := st.RevokeAllCredentials("agent-alpha", "kill")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Idempotent: nothing left to revoke.
	count, err = st.RevokeAllCredentials("agent-alpha", "kill")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFindCredentialByHashOnlyActive(t *testing.T) {
	st := newTestStore(t)
	_, err := st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	require.NoError(t, err)

	now := utcNowEpoch()
	require.NoError(t, st.InsertCredential("cred-1", "agent-alpha", "hash-1", []string{"read"}, now, now+3600, nil))

	cred, err := st.FindCredentialByHash("hash-1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "cred-1", cred.CredentialID)

	_, err = st.UpdateCredentialStatusIfActive("cred-1", CredStatusRevoked, "gone")
	require.NoError(t, err)

	cred, err = st.FindCredentialByHash("hash-1")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.db")

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening must not replay migrations.
	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.RegisterIdentity("agent-alpha", "owner-test", CredentialTypeAPIKey, nil, nil)
	assert.NoError(t, err)
}
