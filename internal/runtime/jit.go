package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/store"
)

// DefaultJITTTLSeconds is the sandbox-scoped credential lifetime when
// the caller does not pick one. Requests are capped at the identity
// layer's 30-day maximum.
const DefaultJITTTLSeconds = 3600

// DefaultJITScopes apply when a sandbox is provisioned without an
// explicit scope set.
var DefaultJITScopes = []string{"runtime.execute", "read"}

// JITCredential describes a credential bound to one sandbox. The
// backing record lives in the identity store under the same
// credential_id, so kill-switch cascades revoke it too.
type JITCredential struct {
	CredentialID   string   `json:"credential_id"`
	AgentID        string   `json:"agent_id"`
	SandboxID      string   `json:"sandbox_id"`
	Scopes         []string `json:"scopes"`
	IssuedAtEpoch  int64    `json:"issued_at_epoch"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
	Owner          string   `json:"owner"`
}

// SandboxRevocation reports a prefix sweep over one sandbox's
// credentials.
type SandboxRevocation struct {
	AgentID      string `json:"agent_id"`
	SandboxID    string `json:"sandbox_id"`
	RevokedCount int    `json:"revoked_count"`
}

// JITBinder issues and revokes sandbox-lifecycle credentials against
// the identity store.
type JITBinder struct {
	identities *identity.Store
	logger     *log.Logger
}

// NewJITBinder returns a binder over the identity store.
func NewJITBinder(identities *identity.Store) *JITBinder {
	return &JITBinder{
		identities: identities,
		logger:     log.New(log.Writer(), "[JIT] ", log.LstdFlags),
	}
}

// IssueCredential mints a credential whose id embeds the sandbox it
// belongs to, so a terminating sandbox can be swept by prefix. The
// agent must already be registered.
func (b *JITBinder) IssueCredential(agentID, sandboxID string, scopes []string, ttlSeconds int64) (*JITCredential, error) {
	ident, err := b.identities.GetIdentity(agentID)
	if err != nil {
		return nil, err
	}

	ttl := ttlSeconds
	if ttl <= 0 {
		ttl = DefaultJITTTLSeconds
	}
	if ttl > identity.MaxCredentialTTLSeconds {
		ttl = identity.MaxCredentialTTLSeconds
	}

	effective := scopes
	if len(effective) == 0 {
		effective = DefaultJITScopes
	}
	effective = sortedCopy(effective)

	now := utcNowEpoch()
	credentialID := fmt.Sprintf("jit-%s-%s", sandboxID, randomHex(4))

	// The stored hash binds the sandbox for traceability; the secret
	// itself never exists for JIT credentials.
	binding := fmt.Sprintf("%s|%s|%s|%d", credentialID, sandboxID, agentID, now)
	sum := sha256.Sum256([]byte(binding))

	if err := b.identities.InsertCredential(credentialID, agentID, hex.EncodeToString(sum[:]), effective, now, now+ttl, nil); err != nil {
		return nil, err
	}

	b.logger.Printf("✨ JIT credential %s issued for sandbox %s (agent %s, ttl %ds)", credentialID, sandboxID, agentID, ttl)

	return &JITCredential{
		CredentialID:   credentialID,
		AgentID:        agentID,
		SandboxID:      sandboxID,
		Scopes:         effective,
		IssuedAtEpoch:  now,
		ExpiresAtEpoch: now + ttl,
		Owner:          ident.Owner,
	}, nil
}

// RevokeCredential revokes one JIT credential when its sandbox goes
// away. Already-inactive credentials are returned as-is, so repeated
// termination signals are harmless.
func (b *JITBinder) RevokeCredential(credentialID, sandboxID, reason string) (*identity.AgentCredential, error) {
	if reason == "" {
		reason = "sandbox_terminated"
	}
	cred, err := b.identities.UpdateCredentialStatusIfActive(
		credentialID, identity.CredStatusRevoked, fmt.Sprintf("jit:%s:sandbox=%s", reason, sandboxID))
	if err == nil {
		b.logger.Printf("🛑 JIT credential %s revoked (sandbox %s): %s", credentialID, sandboxID, reason)
		return cred, nil
	}
	if errors.Is(err, store.ErrConflict) {
		return b.identities.GetCredential(credentialID)
	}
	return nil, err
}

// RevokeSandboxCredentials sweeps every active credential carrying the
// sandbox's id prefix.
func (b *JITBinder) RevokeSandboxCredentials(agentID, sandboxID, reason string) (*SandboxRevocation, error) {
	if reason == "" {
		reason = "sandbox_terminated"
	}
	prefix := fmt.Sprintf("jit-%s-", sandboxID)

	active, err := b.identities.ListActiveCredentials(agentID)
	if err != nil {
		return nil, err
	}

	revoked := 0
	for _, cred := range active {
		if !strings.HasPrefix(cred.CredentialID, prefix) {
			continue
		}
		_, err := b.identities.UpdateCredentialStatusIfActive(
			cred.CredentialID, identity.CredStatusRevoked, fmt.Sprintf("jit:%s:sandbox=%s", reason, sandboxID))
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		revoked++
	}

	b.logger.Printf("🛑 Revoked %d JIT credential(s) for sandbox %s (agent %s)", revoked, sandboxID, agentID)
	return &SandboxRevocation{AgentID: agentID, SandboxID: sandboxID, RevokedCount: revoked}, nil
}
