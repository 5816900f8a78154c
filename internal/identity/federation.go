package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agenthub/aicp/internal/store"
)

// attestationClaims is the canonical attestation signature payload.
// Field order matches sorted JSON keys:
// {"agent":...,"aid":...,"dom":...,"exp":...}.
type attestationClaims struct {
	Agent string `json:"agent"`
	Aid   string `json:"aid"`
	Dom   string `json:"dom"`
	Exp   int64  `json:"exp"`
}

func canonicalAttestationPayload(attestationID, agentID, domainID string, expiresAtEpoch int64) []byte {
	payload, _ := json.Marshal(attestationClaims{
		Agent: agentID,
		Aid:   attestationID,
		Dom:   domainID,
		Exp:   expiresAtEpoch,
	})
	return payload
}

// RegisterDomainParams are the inputs to trust-registry registration.
type RegisterDomainParams struct {
	DomainID      string
	DisplayName   string
	TrustLevel    string
	PublicKeyPEM  *string
	AllowedScopes []string
	RegisteredBy  string
}

// AttestationGrant is the result of creating an attestation.
type AttestationGrant struct {
	AttestationID string            `json:"attestation_id"`
	AgentID       string            `json:"agent_id"`
	DomainID      string            `json:"domain_id"`
	Claims        map[string]string `json:"claims"`
	IssuedAt      string            `json:"issued_at"`
	ExpiresAt     string            `json:"expires_at"`
	Signature     string            `json:"signature"`
}

// AttestationVerification is the outcome of a successful verify.
type AttestationVerification struct {
	Valid         bool              `json:"valid"`
	AttestationID string            `json:"attestation_id"`
	AgentID       string            `json:"agent_id"`
	DomainID      string            `json:"domain_id"`
	Claims        map[string]string `json:"claims"`
	ExpiresAt     string            `json:"expires_at"`
}

// RegisterTrustedDomain adds a domain to the federation trust registry.
func (s *Service) RegisterTrustedDomain(p RegisterDomainParams) (*TrustedDomain, error) {
	if p.TrustLevel == "" {
		p.TrustLevel = TrustLevelVerified
	}
	if !validTrustLevels[p.TrustLevel] {
		return nil, fmt.Errorf("invalid trust_level: %s: %w", p.TrustLevel, store.ErrInvalidArgument)
	}

	if err := s.store.InsertTrustedDomain(p); err != nil {
		return nil, err
	}
	s.logger.Printf("trusted domain registered: %s level=%s by=%s", p.DomainID, p.TrustLevel, p.RegisteredBy)
	return s.store.GetTrustedDomain(p.DomainID)
}

// GetTrustedDomain fetches one trust-registry entry.
func (s *Service) GetTrustedDomain(domainID string) (*TrustedDomain, error) {
	return s.store.GetTrustedDomain(domainID)
}

// ListTrustedDomains returns the registry, newest first.
func (s *Service) ListTrustedDomains() ([]TrustedDomain, error) {
	return s.store.ListTrustedDomains()
}

// CreateAttestation binds an active agent to a trusted domain for a TTL
// and signs the binding.
func (s *Service) CreateAttestation(agentID, domainID string, claims map[string]string, ttlSeconds int64, owner string) (*AttestationGrant, error) {
	identity, err := s.store.GetIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if identity.Status != StatusActive {
		return nil, fmt.Errorf("agent is %s: %w", identity.Status, store.ErrPermissionDenied)
	}
	if identity.Owner != owner {
		return nil, fmt.Errorf("owner mismatch: %w", store.ErrPermissionDenied)
	}

	domain, err := s.store.GetTrustedDomain(domainID)
	if err != nil {
		return nil, err
	}
	if domain.TrustLevel == TrustLevelRevoked {
		return nil, fmt.Errorf("domain trust is revoked: %s: %w", domainID, store.ErrPermissionDenied)
	}

	ttl := clampTTL(ttlSeconds)
	now := utcNowEpoch()
	attestationID := newID("att-")
	if claims == nil {
		claims = map[string]string{}
	}

	signature := s.signProvenance(canonicalAttestationPayload(attestationID, agentID, domainID, now+ttl))

	if err := s.store.InsertAttestation(&AgentAttestation{
		AttestationID:  attestationID,
		AgentID:        agentID,
		DomainID:       domainID,
		Claims:         claims,
		IssuedAtEpoch:  now,
		ExpiresAtEpoch: now + ttl,
		Signature:      signature,
	}); err != nil {
		return nil, err
	}

	return &AttestationGrant{
		AttestationID: attestationID,
		AgentID:       agentID,
		DomainID:      domainID,
		Claims:        claims,
		IssuedAt:      isoFromEpoch(now),
		ExpiresAt:     isoFromEpoch(now + ttl),
		Signature:     signature,
	}, nil
}

// VerifyAttestation re-checks expiry, signature, agent status, and the
// domain's trust level. Revoking a domain invalidates its outstanding
// attestations here, at verification time.
func (s *Service) VerifyAttestation(attestationID string) (*AttestationVerification, error) {
	att, err := s.store.GetAttestation(attestationID)
	if err != nil {
		return nil, err
	}

	now := utcNowEpoch()
	if att.ExpiresAtEpoch < now {
		return nil, fmt.Errorf("attestation expired: %w", store.ErrPermissionDenied)
	}

	expected := s.signProvenance(canonicalAttestationPayload(attestationID, att.AgentID, att.DomainID, att.ExpiresAtEpoch))
	if !hmacEqualHex(att.Signature, expected) {
		return nil, fmt.Errorf("invalid attestation signature: %w", store.ErrPermissionDenied)
	}

	identity, err := s.store.GetIdentity(att.AgentID)
	if err != nil {
		return nil, err
	}
	if identity.Status != StatusActive {
		return nil, fmt.Errorf("agent is %s: %w", identity.Status, store.ErrPermissionDenied)
	}

	domain, err := s.store.GetTrustedDomain(att.DomainID)
	if err != nil {
		return nil, err
	}
	if domain.TrustLevel == TrustLevelRevoked {
		return nil, fmt.Errorf("domain trust has been revoked: %w", store.ErrPermissionDenied)
	}

	return &AttestationVerification{
		Valid:         true,
		AttestationID: attestationID,
		AgentID:       att.AgentID,
		DomainID:      att.DomainID,
		Claims:        att.Claims,
		ExpiresAt:     isoFromEpoch(att.ExpiresAtEpoch),
	}, nil
}

// --- Trust registry store access ---

const maxDomainsQuery = 10000

type domainRow struct {
	DomainID          string         `db:"domain_id"`
	DisplayName       string         `db:"display_name"`
	TrustLevel        string         `db:"trust_level"`
	PublicKeyPEM      sql.NullString `db:"public_key_pem"`
	AllowedScopesJSON string         `db:"allowed_scopes_json"`
	RegisteredBy      string         `db:"registered_by"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
}

func (r domainRow) toDomain() (*TrustedDomain, error) {
	out := &TrustedDomain{
		DomainID:     r.DomainID,
		DisplayName:  r.DisplayName,
		TrustLevel:   r.TrustLevel,
		RegisteredBy: r.RegisteredBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.PublicKeyPEM.Valid {
		out.PublicKeyPEM = &r.PublicKeyPEM.String
	}
	if r.AllowedScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.AllowedScopesJSON), &out.AllowedScopes); err != nil {
			return nil, fmt.Errorf("corrupt scopes for domain %s: %w", r.DomainID, err)
		}
	}
	return out, nil
}

// InsertTrustedDomain persists one registry entry.
func (s *Store) InsertTrustedDomain(p RegisterDomainParams) error {
	scopesJSON, err := json.Marshal(normalizeScopes(p.AllowedScopes))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO trusted_domains(domain_id, display_name, trust_level, public_key_pem, allowed_scopes_json, registered_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.DomainID, p.DisplayName, p.TrustLevel, p.PublicKeyPEM, string(scopesJSON), p.RegisteredBy)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("domain already registered: %s: %w", p.DomainID, store.ErrAlreadyExists)
	}
	return err
}

// GetTrustedDomain fetches one registry entry.
func (s *Store) GetTrustedDomain(domainID string) (*TrustedDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row domainRow
	err := s.db.Get(&row, `SELECT * FROM trusted_domains WHERE domain_id = ?`, domainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trusted domain not found: %s: %w", domainID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// SetDomainTrustLevel updates a domain's trust level. Dropping a domain
// to revoked invalidates its attestations at verify time.
func (s *Store) SetDomainTrustLevel(domainID, trustLevel string) (*TrustedDomain, error) {
	if !validTrustLevels[trustLevel] {
		return nil, fmt.Errorf("invalid trust_level: %s: %w", trustLevel, store.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE trusted_domains
		SET trust_level = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE domain_id = ?`,
		trustLevel, domainID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("trusted domain not found: %s: %w", domainID, store.ErrNotFound)
	}

	var row domainRow
	if err := s.db.Get(&row, `SELECT * FROM trusted_domains WHERE domain_id = ?`, domainID); err != nil {
		return nil, err
	}
	return row.toDomain()
}

// ListTrustedDomains returns the registry (capped), newest first.
func (s *Store) ListTrustedDomains() ([]TrustedDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []domainRow
	err := s.db.Select(&rows, `SELECT * FROM trusted_domains ORDER BY created_at DESC LIMIT ?`, maxDomainsQuery)
	if err != nil {
		return nil, err
	}
	out := make([]TrustedDomain, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// --- Attestation store access ---

type attestationRow struct {
	AttestationID  string `db:"attestation_id"`
	AgentID        string `db:"agent_id"`
	DomainID       string `db:"domain_id"`
	ClaimsJSON     string `db:"claims_json"`
	IssuedAtEpoch  int64  `db:"issued_at_epoch"`
	ExpiresAtEpoch int64  `db:"expires_at_epoch"`
	Signature      string `db:"signature"`
	CreatedAt      string `db:"created_at"`
}

// InsertAttestation persists one attestation.
func (s *Store) InsertAttestation(att *AgentAttestation) error {
	claimsJSON, err := json.Marshal(att.Claims)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO agent_attestations(attestation_id, agent_id, domain_id, claims_json, issued_at_epoch, expires_at_epoch, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.AttestationID, att.AgentID, att.DomainID, string(claimsJSON),
		att.IssuedAtEpoch, att.ExpiresAtEpoch, att.Signature)
	return err
}

// GetAttestation fetches one attestation by id.
func (s *Store) GetAttestation(attestationID string) (*AgentAttestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row attestationRow
	err := s.db.Get(&row, `SELECT * FROM agent_attestations WHERE attestation_id = ?`, attestationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attestation not found: %s: %w", attestationID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	out := &AgentAttestation{
		AttestationID:  row.AttestationID,
		AgentID:        row.AgentID,
		DomainID:       row.DomainID,
		IssuedAtEpoch:  row.IssuedAtEpoch,
		ExpiresAtEpoch: row.ExpiresAtEpoch,
		Signature:      row.Signature,
		CreatedAt:      row.CreatedAt,
	}
	if row.ClaimsJSON != "" {
		if err := json.Unmarshal([]byte(row.ClaimsJSON), &out.Claims); err != nil {
			return nil, fmt.Errorf("corrupt claims for attestation %s: %w", row.AttestationID, err)
		}
	}
	return out, nil
}
