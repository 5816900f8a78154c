package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// Store is the identity-scope persistence layer: one WAL SQLite handle
// guarded by a mutex (single writer). All mutating call sequences that
// touch more than one row run inside a single transaction.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the identity-scope database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := store.OpenScope(path, "identity")
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-opened identity-scope handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// --- Agent identities ---

type identityRow struct {
	AgentID               string         `db:"agent_id"`
	Owner                 string         `db:"owner"`
	CredentialType        string         `db:"credential_type"`
	Status                string         `db:"status"`
	PublicKeyPEM          sql.NullString `db:"public_key_pem"`
	MetadataJSON          sql.NullString `db:"metadata_json"`
	HumanPrincipalID      sql.NullString `db:"human_principal_id"`
	ConfigurationChecksum sql.NullString `db:"configuration_checksum"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
}

func (r identityRow) toIdentity() (*AgentIdentity, error) {
	out := &AgentIdentity{
		AgentID:        r.AgentID,
		Owner:          r.Owner,
		CredentialType: r.CredentialType,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.PublicKeyPEM.Valid {
		out.PublicKeyPEM = &r.PublicKeyPEM.String
	}
	if r.HumanPrincipalID.Valid {
		out.HumanPrincipalID = &r.HumanPrincipalID.String
	}
	if r.ConfigurationChecksum.Valid {
		out.ConfigurationChecksum = &r.ConfigurationChecksum.String
	}
	if r.MetadataJSON.Valid && r.MetadataJSON.String != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON.String), &out.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for agent %s: %w", r.AgentID, err)
		}
	}
	return out, nil
}

// RegisterIdentity inserts a new agent identity with status active.
func (s *Store) RegisterIdentity(agentID, owner, credentialType string, publicKeyPEM *string, metadata map[string]string) (*AgentIdentity, error) {
	if !validCredentialTypes[credentialType] {
		return nil, fmt.Errorf("invalid credential_type: %s: %w", credentialType, store.ErrInvalidArgument)
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadataJSON = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO agent_identities(agent_id, owner, credential_type, status, public_key_pem, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, owner, credentialType, StatusActive, publicKeyPEM, string(metadataJSON))
	if store.IsUniqueViolation(err) {
		return nil, fmt.Errorf("agent identity already exists: %s: %w", agentID, store.ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}
	return s.getIdentityLocked(agentID)
}

// GetIdentity fetches one identity by agent id.
func (s *Store) GetIdentity(agentID string) (*AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIdentityLocked(agentID)
}

func (s *Store) getIdentityLocked(agentID string) (*AgentIdentity, error) {
	var row identityRow
	err := s.db.Get(&row, `SELECT * FROM agent_identities WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent identity not found: %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toIdentity()
}

// UpdateIdentityStatus transitions an identity to the given status.
func (s *Store) UpdateIdentityStatus(agentID, status string) (*AgentIdentity, error) {
	if !validIdentityStatuses[status] {
		return nil, fmt.Errorf("invalid status: %s: %w", status, store.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE agent_identities
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE agent_id = ?`,
		status, agentID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent identity not found: %s: %w", agentID, store.ErrNotFound)
	}
	return s.getIdentityLocked(agentID)
}

// ListIdentities returns all identities for an owner, newest first.
func (s *Store) ListIdentities(owner string) ([]AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []identityRow
	if err := s.db.Select(&rows, `SELECT * FROM agent_identities WHERE owner = ? ORDER BY created_at DESC`, owner); err != nil {
		return nil, err
	}
	out := make([]AgentIdentity, 0, len(rows))
	for _, r := range rows {
		id, err := r.toIdentity()
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	return out, nil
}

// BindHumanPrincipal records the on-behalf-of human principal binding.
func (s *Store) BindHumanPrincipal(agentID, principalID string) (*AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE agent_identities
		SET human_principal_id = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE agent_id = ?`,
		principalID, agentID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent identity not found: %s: %w", agentID, store.ErrNotFound)
	}
	return s.getIdentityLocked(agentID)
}

// SetConfigurationChecksum stores the SHA-256 of the agent's canonical
// configuration manifest.
func (s *Store) SetConfigurationChecksum(agentID, checksum string) (*AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE agent_identities
		SET configuration_checksum = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE agent_id = ?`,
		checksum, agentID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agent identity not found: %s: %w", agentID, store.ErrNotFound)
	}
	return s.getIdentityLocked(agentID)
}

// --- Credentials ---

type credentialRow struct {
	CredentialID     string         `db:"credential_id"`
	AgentID          string         `db:"agent_id"`
	CredentialHash   string         `db:"credential_hash"`
	ScopesJSON       string         `db:"scopes_json"`
	IssuedAtEpoch    int64          `db:"issued_at_epoch"`
	ExpiresAtEpoch   int64          `db:"expires_at_epoch"`
	RotationParentID sql.NullString `db:"rotation_parent_id"`
	Status           string         `db:"status"`
	RevokedAt        sql.NullString `db:"revoked_at"`
	RevocationReason sql.NullString `db:"revocation_reason"`
	CreatedAt        string         `db:"created_at"`
}

func (r credentialRow) toCredential() (*AgentCredential, error) {
	out := &AgentCredential{
		CredentialID:   r.CredentialID,
		AgentID:        r.AgentID,
		CredentialHash: r.CredentialHash,
		IssuedAtEpoch:  r.IssuedAtEpoch,
		ExpiresAtEpoch: r.ExpiresAtEpoch,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
	}
	if r.RotationParentID.Valid {
		out.RotationParentID = &r.RotationParentID.String
	}
	if r.RevokedAt.Valid {
		out.RevokedAt = &r.RevokedAt.String
	}
	if r.RevocationReason.Valid {
		out.RevocationReason = &r.RevocationReason.String
	}
	if r.ScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &out.Scopes); err != nil {
			return nil, fmt.Errorf("corrupt scopes for credential %s: %w", r.CredentialID, err)
		}
	}
	return out, nil
}

// InsertCredential stores a new credential record. The caller passes the
// HMAC hash; plaintext is never accepted here.
func (s *Store) InsertCredential(credentialID, agentID, credentialHash string, scopes []string, issuedAtEpoch, expiresAtEpoch int64, rotationParentID *string) error {
	scopesJSON, err := json.Marshal(normalizeScopes(scopes))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO agent_credentials(
			credential_id, agent_id, credential_hash, scopes_json,
			issued_at_epoch, expires_at_epoch, rotation_parent_id, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		credentialID, agentID, credentialHash, string(scopesJSON),
		issuedAtEpoch, expiresAtEpoch, rotationParentID, CredStatusActive)
	return err
}

// GetCredential fetches one credential by id.
func (s *Store) GetCredential(credentialID string) (*AgentCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCredentialLocked(credentialID)
}

func (s *Store) getCredentialLocked(credentialID string) (*AgentCredential, error) {
	var row credentialRow
	err := s.db.Get(&row, `SELECT * FROM agent_credentials WHERE credential_id = ?`, credentialID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential not found: %s: %w", credentialID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toCredential()
}

// FindCredentialByHash returns the active credential matching the hash,
// or nil when none matches.
func (s *Store) FindCredentialByHash(credentialHash string) (*AgentCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row credentialRow
	err := s.db.Get(&row, `SELECT * FROM agent_credentials WHERE credential_hash = ? AND status = ?`,
		credentialHash, CredStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toCredential()
}

// UpdateCredentialStatusIfActive transitions a credential out of active.
// The UPDATE carries a WHERE status = 'active' predicate; zero affected
// rows on an existing credential means a concurrent transition already
// won and the call fails with CONFLICT.
func (s *Store) UpdateCredentialStatusIfActive(credentialID, newStatus, reason string) (*AgentCredential, error) {
	if newStatus != CredStatusRotated && newStatus != CredStatusRevoked {
		return nil, fmt.Errorf("invalid credential status transition to %s: %w", newStatus, store.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if newStatus == CredStatusRevoked {
		res, err = s.db.Exec(`
			UPDATE agent_credentials
			SET status = ?, revoked_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'), revocation_reason = ?
			WHERE credential_id = ? AND status = 'active'`,
			newStatus, reason, credentialID)
	} else {
		res, err = s.db.Exec(`
			UPDATE agent_credentials SET status = ?
			WHERE credential_id = ? AND status = 'active'`,
			newStatus, credentialID)
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.getCredentialLocked(credentialID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("credential %s is no longer active: %w", credentialID, store.ErrConflict)
	}
	return s.getCredentialLocked(credentialID)
}

// ListActiveCredentials returns an agent's active credentials, newest first.
func (s *Store) ListActiveCredentials(agentID string) ([]AgentCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []credentialRow
	err := s.db.Select(&rows, `
		SELECT * FROM agent_credentials
		WHERE agent_id = ? AND status = ?
		ORDER BY issued_at_epoch DESC`,
		agentID, CredStatusActive)
	if err != nil {
		return nil, err
	}
	out := make([]AgentCredential, 0, len(rows))
	for _, r := range rows {
		cred, err := r.toCredential()
		if err != nil {
			return nil, err
		}
		out = append(out, *cred)
	}
	return out, nil
}

// RevokeAllCredentials revokes every active credential of an agent in a
// single UPDATE and returns the count.
func (s *Store) RevokeAllCredentials(agentID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE agent_credentials
		SET status = 'revoked',
		    revoked_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
		    revocation_reason = ?
		WHERE agent_id = ? AND status = 'active'`,
		reason, agentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Revocation events ---

type revocationEventRow struct {
	EventID      string `db:"event_id"`
	RevokedType  string `db:"revoked_type"`
	RevokedID    string `db:"revoked_id"`
	AgentID      string `db:"agent_id"`
	Reason       string `db:"reason"`
	Actor        string `db:"actor"`
	CascadeCount int    `db:"cascade_count"`
	CreatedAt    string `db:"created_at"`
}

// AppendRevocationEvent writes one row of the append-only audit log and
// returns the event id.
func (s *Store) AppendRevocationEvent(revokedType, revokedID, agentID, reason, actor string, cascadeCount int) (string, error) {
	eventID := newID("rev-")

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO revocation_events(event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, revokedType, revokedID, agentID, reason, actor, cascadeCount)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// ListRevocationEvents returns recent revocation events, optionally
// filtered by agent.
func (s *Store) ListRevocationEvents(agentID string, limit int) ([]RevocationEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []revocationEventRow
	var err error
	if agentID != "" {
		err = s.db.Select(&rows, `
			SELECT * FROM revocation_events WHERE agent_id = ?
			ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	} else {
		err = s.db.Select(&rows, `
			SELECT * FROM revocation_events ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]RevocationEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, RevocationEvent(r))
	}
	return out, nil
}
