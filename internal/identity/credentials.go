package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/agenthub/aicp/internal/store"
)

// Service issues, verifies, rotates, and revokes agent credentials and
// delegation tokens. The HMAC signing secrets are fixed at construction;
// rotating them requires a restart.
type Service struct {
	store      *Store
	secret     []byte
	provenance []byte
	logger     *log.Logger
}

// NewService builds an identity service over the identity-scope store.
func NewService(st *Store, signingSecret []byte) *Service {
	return &Service{
		store:  st,
		secret: signingSecret,
		logger: log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// WithProvenanceSecret moves attestation signing onto a dedicated key so
// a leaked credential secret cannot forge cross-domain attestations.
// Attestations fall back to the credential secret when unset.
func (s *Service) WithProvenanceSecret(secret []byte) *Service {
	if len(secret) > 0 {
		s.provenance = secret
	}
	return s
}

// Store exposes the underlying identity store for collaborators that
// operate on raw records (kill switch, auth middleware).
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) hashSecret(raw string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) signProvenance(payload []byte) string {
	key := s.secret
	if len(s.provenance) > 0 {
		key = s.provenance
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func generateSecret() (string, error) {
	buf := make([]byte, SecretByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secret generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CredentialIssuance carries a freshly issued credential. Secret is the
// only time the plaintext is ever surfaced.
type CredentialIssuance struct {
	CredentialID   string   `json:"credential_id"`
	AgentID        string   `json:"agent_id"`
	Secret         string   `json:"secret"`
	Scopes         []string `json:"scopes"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
	ExpiresAt      string   `json:"expires_at"`
	Status         string   `json:"status"`
	RotatedFrom    string   `json:"rotated_from,omitempty"`
}

// CredentialVerification is the outcome of a successful secret check.
type CredentialVerification struct {
	Valid          bool     `json:"valid"`
	AgentID        string   `json:"agent_id"`
	CredentialID   string   `json:"credential_id"`
	Scopes         []string `json:"scopes"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
}

// CredentialMetadata is the public view of a credential record.
type CredentialMetadata struct {
	CredentialID     string   `json:"credential_id"`
	AgentID          string   `json:"agent_id"`
	Scopes           []string `json:"scopes"`
	IssuedAt         string   `json:"issued_at"`
	ExpiresAt        string   `json:"expires_at"`
	RotationParentID *string  `json:"rotation_parent_id"`
	Status           string   `json:"status"`
	RevokedAt        *string  `json:"revoked_at"`
	RevocationReason *string  `json:"revocation_reason"`
}

// IssueCredential mints a credential for an active agent owned by owner.
// The requested TTL is clamped into [5 min, 30 days].
func (s *Service) IssueCredential(agentID string, scopes []string, ttlSeconds int64, owner string) (*CredentialIssuance, error) {
	identity, err := s.store.GetIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if identity.Status != StatusActive {
		return nil, fmt.Errorf("agent identity is %s, cannot issue credential: %w", identity.Status, store.ErrPermissionDenied)
	}
	if identity.Owner != owner {
		return nil, fmt.Errorf("owner mismatch: cannot issue credential for agent owned by another: %w", store.ErrPermissionDenied)
	}

	ttl := clampTTL(ttlSeconds)
	now := utcNowEpoch()
	credentialID := newID("cred-")
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	normalized := normalizeScopes(scopes)
	if err := s.store.InsertCredential(credentialID, agentID, s.hashSecret(secret), normalized, now, now+ttl, nil); err != nil {
		return nil, err
	}

	s.logger.Printf("credential issued: agent=%s credential=%s scopes=%v ttl=%ds", agentID, credentialID, normalized, ttl)

	return &CredentialIssuance{
		CredentialID:   credentialID,
		AgentID:        agentID,
		Secret:         secret,
		Scopes:         normalized,
		ExpiresAtEpoch: now + ttl,
		ExpiresAt:      isoFromEpoch(now + ttl),
		Status:         CredStatusActive,
	}, nil
}

// VerifyCredential checks a presented secret against the active
// credential set: hash lookup, expiry, credential status, then identity
// status. Every failure is UNAUTHENTICATED.
func (s *Service) VerifyCredential(secret string) (*CredentialVerification, error) {
	credentialHash := s.hashSecret(secret)
	cred, err := s.store.FindCredentialByHash(credentialHash)
	if err != nil {
		return nil, err
	}
	if cred == nil || subtle.ConstantTimeCompare([]byte(cred.CredentialHash), []byte(credentialHash)) != 1 {
		return nil, fmt.Errorf("invalid credential: %w", store.ErrUnauthenticated)
	}

	now := utcNowEpoch()
	if cred.ExpiresAtEpoch < now {
		return nil, fmt.Errorf("credential expired: %w", store.ErrUnauthenticated)
	}
	if cred.Status != CredStatusActive {
		return nil, fmt.Errorf("credential is %s: %w", cred.Status, store.ErrUnauthenticated)
	}

	identity, err := s.store.GetIdentity(cred.AgentID)
	if err != nil {
		return nil, err
	}
	if identity.Status != StatusActive {
		return nil, fmt.Errorf("agent identity is %s: %w", identity.Status, store.ErrUnauthenticated)
	}

	return &CredentialVerification{
		Valid:          true,
		AgentID:        cred.AgentID,
		CredentialID:   cred.CredentialID,
		Scopes:         cred.Scopes,
		ExpiresAtEpoch: cred.ExpiresAtEpoch,
	}, nil
}

// RotateCredential marks the old credential rotated (optimistically, so a
// concurrent revoke wins) and issues a replacement linked through
// rotation_parent_id.
func (s *Service) RotateCredential(credentialID, owner string, newScopes []string, newTTLSeconds int64) (*CredentialIssuance, error) {
	oldCred, err := s.store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}
	if oldCred.Status != CredStatusActive {
		return nil, fmt.Errorf("cannot rotate credential in status: %s: %w", oldCred.Status, store.ErrInvalidArgument)
	}

	identity, err := s.store.GetIdentity(oldCred.AgentID)
	if err != nil {
		return nil, err
	}
	if identity.Owner != owner {
		return nil, fmt.Errorf("owner mismatch: %w", store.ErrPermissionDenied)
	}

	if _, err := s.store.UpdateCredentialStatusIfActive(credentialID, CredStatusRotated, ""); err != nil {
		return nil, err
	}

	scopes := newScopes
	if scopes == nil {
		scopes = oldCred.Scopes
	}
	ttl := clampTTL(newTTLSeconds)
	now := utcNowEpoch()
	newCredentialID := newID("cred-")
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	normalized := normalizeScopes(scopes)
	parentID := credentialID
	if err := s.store.InsertCredential(newCredentialID, oldCred.AgentID, s.hashSecret(secret), normalized, now, now+ttl, &parentID); err != nil {
		return nil, err
	}

	s.logger.Printf("credential rotated: agent=%s old=%s new=%s", oldCred.AgentID, credentialID, newCredentialID)

	return &CredentialIssuance{
		CredentialID:   newCredentialID,
		AgentID:        oldCred.AgentID,
		Secret:         secret,
		Scopes:         normalized,
		ExpiresAtEpoch: now + ttl,
		ExpiresAt:      isoFromEpoch(now + ttl),
		Status:         CredStatusActive,
		RotatedFrom:    credentialID,
	}, nil
}

// RevokeCredential revokes a credential. Revoking an already-revoked
// credential returns the current record without error.
func (s *Service) RevokeCredential(credentialID, owner, reason string) (*AgentCredential, error) {
	cred, err := s.store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Status == CredStatusRevoked {
		return cred, nil
	}

	identity, err := s.store.GetIdentity(cred.AgentID)
	if err != nil {
		return nil, err
	}
	if identity.Owner != owner {
		return nil, fmt.Errorf("owner mismatch: %w", store.ErrPermissionDenied)
	}

	updated, err := s.store.UpdateCredentialStatusIfActive(credentialID, CredStatusRevoked, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("credential revoked: agent=%s credential=%s reason=%q", cred.AgentID, credentialID, reason)
	return updated, nil
}

// GetCredentialMetadata returns the public view of a credential record.
func (s *Service) GetCredentialMetadata(credentialID string) (*CredentialMetadata, error) {
	cred, err := s.store.GetCredential(credentialID)
	if err != nil {
		return nil, err
	}
	return &CredentialMetadata{
		CredentialID:     cred.CredentialID,
		AgentID:          cred.AgentID,
		Scopes:           cred.Scopes,
		IssuedAt:         isoFromEpoch(cred.IssuedAtEpoch),
		ExpiresAt:        isoFromEpoch(cred.ExpiresAtEpoch),
		RotationParentID: cred.RotationParentID,
		Status:           cred.Status,
		RevokedAt:        cred.RevokedAt,
		RevocationReason: cred.RevocationReason,
	}, nil
}

// ListActiveSessions reports an agent's active credentials.
func (s *Service) ListActiveSessions(agentID string) (*ActiveSessions, error) {
	creds, err := s.store.ListActiveCredentials(agentID)
	if err != nil {
		return nil, err
	}
	return &ActiveSessions{AgentID: agentID, Credentials: creds}, nil
}
