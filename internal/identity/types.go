// Package identity implements the agent identity control plane: root
// identity records, bearer credentials, HMAC-signed delegation token
// chains, the federation trust registry, and the cascading revocation
// kill switch. All records live in the identity-scope SQLite store;
// plaintext secrets are surfaced exactly once and never persisted.
package identity

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Credential types accepted at registration.
const (
	CredentialTypeAPIKey = "api_key"
	CredentialTypeX509   = "x509"
	CredentialTypeSPIFFE = "spiffe"
)

// Identity statuses. Revocation is terminal; identities are never deleted.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Credential statuses. The only legal transitions are active→rotated and
// active→revoked, enforced optimistically at the store layer.
const (
	CredStatusActive  = "active"
	CredStatusRotated = "rotated"
	CredStatusRevoked = "revoked"
)

// TTL bounds in seconds. Requested TTLs are clamped into [min, max].
const (
	MinCredentialTTLSeconds     = 300     // 5 minutes
	DefaultCredentialTTLSeconds = 86400   // 1 day
	MaxCredentialTTLSeconds     = 2592000 // 30 days
)

// SecretByteLength is the entropy of generated credential secrets.
const SecretByteLength = 32

// MaxDelegationChainDepth caps delegation chains. Root tokens sit at
// depth 0; issuance past the cap fails.
const MaxDelegationChainDepth = 5

// WildcardScope grants every scope and permits any attenuation.
const WildcardScope = "*"

var validCredentialTypes = map[string]bool{
	CredentialTypeAPIKey: true,
	CredentialTypeX509:   true,
	CredentialTypeSPIFFE: true,
}

var validIdentityStatuses = map[string]bool{
	StatusActive:    true,
	StatusSuspended: true,
	StatusRevoked:   true,
}

// AgentIdentity is an agent's root record.
type AgentIdentity struct {
	AgentID               string            `json:"agent_id"`
	Owner                 string            `json:"owner"`
	CredentialType        string            `json:"credential_type"`
	Status                string            `json:"status"`
	PublicKeyPEM          *string           `json:"public_key_pem,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	HumanPrincipalID      *string           `json:"human_principal_id,omitempty"`
	ConfigurationChecksum *string           `json:"configuration_checksum,omitempty"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
}

// AgentCredential is a stored bearer secret. Only the HMAC of the secret
// is persisted; the hash never leaves the package.
type AgentCredential struct {
	CredentialID     string   `json:"credential_id"`
	AgentID          string   `json:"agent_id"`
	CredentialHash   string   `json:"-"`
	Scopes           []string `json:"scopes"`
	IssuedAtEpoch    int64    `json:"issued_at_epoch"`
	ExpiresAtEpoch   int64    `json:"expires_at_epoch"`
	RotationParentID *string  `json:"rotation_parent_id,omitempty"`
	Status           string   `json:"status"`
	RevokedAt        *string  `json:"revoked_at,omitempty"`
	RevocationReason *string  `json:"revocation_reason,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

// DelegationToken is one signed edge in a delegation chain.
type DelegationToken struct {
	TokenID         string   `json:"token_id"`
	IssuerAgentID   string   `json:"issuer_agent_id"`
	SubjectAgentID  string   `json:"subject_agent_id"`
	DelegatedScopes []string `json:"delegated_scopes"`
	IssuedAtEpoch   int64    `json:"issued_at_epoch"`
	ExpiresAtEpoch  int64    `json:"expires_at_epoch"`
	ParentTokenID   *string  `json:"parent_token_id,omitempty"`
	ChainDepth      int      `json:"chain_depth"`
	Revoked         bool     `json:"revoked"`
	RevokedAt       *string  `json:"revoked_at,omitempty"`
	Signature       string   `json:"-"`
	CreatedAt       string   `json:"created_at"`
}

// Trust levels for federated domains.
const (
	TrustLevelVerified    = "verified"
	TrustLevelProvisional = "provisional"
	TrustLevelRevoked     = "revoked"
)

var validTrustLevels = map[string]bool{
	TrustLevelVerified:    true,
	TrustLevelProvisional: true,
	TrustLevelRevoked:     true,
}

// TrustedDomain is an entry in the federation trust registry.
type TrustedDomain struct {
	DomainID      string   `json:"domain_id"`
	DisplayName   string   `json:"display_name"`
	TrustLevel    string   `json:"trust_level"`
	PublicKeyPEM  *string  `json:"public_key_pem,omitempty"`
	AllowedScopes []string `json:"allowed_scopes"`
	RegisteredBy  string   `json:"registered_by"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// AgentAttestation binds an agent to a trusted domain for a TTL.
type AgentAttestation struct {
	AttestationID  string            `json:"attestation_id"`
	AgentID        string            `json:"agent_id"`
	DomainID       string            `json:"domain_id"`
	Claims         map[string]string `json:"claims"`
	IssuedAtEpoch  int64             `json:"issued_at_epoch"`
	ExpiresAtEpoch int64             `json:"expires_at_epoch"`
	Signature      string            `json:"signature"`
	CreatedAt      string            `json:"created_at"`
}

// RevocationEvent is one row of the append-only revocation audit log.
type RevocationEvent struct {
	EventID      string `json:"event_id"`
	RevokedType  string `json:"revoked_type"`
	RevokedID    string `json:"revoked_id"`
	AgentID      string `json:"agent_id"`
	Reason       string `json:"reason"`
	Actor        string `json:"actor"`
	CascadeCount int    `json:"cascade_count"`
	CreatedAt    string `json:"created_at"`
}

// ActiveSessions lists an agent's currently active credentials.
type ActiveSessions struct {
	AgentID     string            `json:"agent_id"`
	Credentials []AgentCredential `json:"credentials"`
}

func utcNowEpoch() int64 {
	return time.Now().Unix()
}

func isoFromEpoch(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

// newID returns prefix + 16 hex chars of fresh UUID entropy,
// e.g. "dtk-9f86d081884c7d65".
func newID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:8])
}

func clampTTL(ttlSeconds int64) int64 {
	if ttlSeconds < MinCredentialTTLSeconds {
		return MinCredentialTTLSeconds
	}
	if ttlSeconds > MaxCredentialTTLSeconds {
		return MaxCredentialTTLSeconds
	}
	return ttlSeconds
}
