package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/store"
)

func TestHasScope(t *testing.T) {
	assert.True(t, HasScope([]string{"read", "write"}, "read"))
	assert.False(t, HasScope([]string{"read"}, "write"))
	assert.True(t, HasScope([]string{"*"}, "anything.at.all"))
	assert.False(t, HasScope(nil, "read"))
}

func TestAttenuateScopesSubset(t *testing.T) {
	scopes, err := AttenuateScopes([]string{"read", "write", "delegation.create"}, []string{"write", "read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, scopes)
}

func TestAttenuateScopesWildcardParent(t *testing.T) {
	scopes, err := AttenuateScopes([]string{"*"}, []string{"write", "read", "read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, scopes)
}

func TestAttenuateScopesEscalationDenied(t *testing.T) {
	_, err := AttenuateScopes([]string{"read"}, []string{"read", "write"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))
	assert.Contains(t, err.Error(), "escalation")
	assert.Contains(t, err.Error(), "write")
}

func TestNormalizeScopes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, normalizeScopes([]string{"b", " a ", "b", "", "  "}))
	assert.Empty(t, normalizeScopes(nil))
}
