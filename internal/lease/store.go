package lease

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/agenthub/aicp/internal/store"
)

// Store is the lease-scope persistence layer.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (or creates) the lease-scope database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := store.OpenScope(path, "lease")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type leaseRow struct {
	LeaseID          string         `db:"lease_id"`
	RequesterAgentID string         `db:"requester_agent_id"`
	CapabilityRef    string         `db:"capability_ref"`
	Owner            string         `db:"owner"`
	Status           string         `db:"status"`
	TTLSeconds       int64          `db:"ttl_seconds"`
	AttestationHash  string         `db:"attestation_hash"`
	CreatedAtEpoch   int64          `db:"created_at_epoch"`
	ExpiresAtEpoch   int64          `db:"expires_at_epoch"`
	PromotionJSON    sql.NullString `db:"promotion_json"`
}

func (r leaseRow) toLease() (*Lease, error) {
	out := &Lease{
		LeaseID:          r.LeaseID,
		RequesterAgentID: r.RequesterAgentID,
		CapabilityRef:    r.CapabilityRef,
		Owner:            r.Owner,
		Status:           r.Status,
		TTLSeconds:       r.TTLSeconds,
		AttestationHash:  r.AttestationHash,
		CreatedAt:        isoFromEpoch(r.CreatedAtEpoch),
		ExpiresAt:        isoFromEpoch(r.ExpiresAtEpoch),
		CreatedAtEpoch:   r.CreatedAtEpoch,
		ExpiresAtEpoch:   r.ExpiresAtEpoch,
	}
	if r.PromotionJSON.Valid && r.PromotionJSON.String != "" {
		var promo Promotion
		if err := json.Unmarshal([]byte(r.PromotionJSON.String), &promo); err != nil {
			return nil, fmt.Errorf("corrupt promotion record for lease %s: %w", r.LeaseID, err)
		}
		out.Promotion = &promo
	}
	return out, nil
}

const leaseColumns = `lease_id, requester_agent_id, capability_ref, owner, status,
	ttl_seconds, attestation_hash, created_at_epoch, expires_at_epoch, promotion_json`

// InsertLease persists a freshly created lease.
func (s *Store) InsertLease(l *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO leases(lease_id, requester_agent_id, capability_ref, owner, status,
			ttl_seconds, attestation_hash, created_at_epoch, expires_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LeaseID, l.RequesterAgentID, l.CapabilityRef, l.Owner, l.Status,
		l.TTLSeconds, l.AttestationHash, l.CreatedAtEpoch, l.ExpiresAtEpoch)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("lease already exists: %s: %w", l.LeaseID, store.ErrAlreadyExists)
	}
	return err
}

// GetLease fetches a lease without normalizing lazy expiry; the service
// layer owns that transition.
func (s *Store) GetLease(leaseID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLeaseLocked(leaseID)
}

func (s *Store) getLeaseLocked(leaseID string) (*Lease, error) {
	var row leaseRow
	err := s.db.Get(&row, `SELECT `+leaseColumns+` FROM leases WHERE lease_id = ?`, leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease not found: %s: %w", leaseID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toLease()
}

// MarkExpired flips an active lease past its deadline to expired.
func (s *Store) MarkExpired(leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE leases
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE lease_id = ? AND status = ?`,
		StatusExpired, leaseID, StatusActive)
	return err
}

// MarkPromoted transitions an active lease to promoted and stores the
// promotion envelope. The guard on the UPDATE keeps a concurrent
// promote from double-installing.
func (s *Store) MarkPromoted(leaseID string, promo *Promotion) error {
	encoded, err := json.Marshal(promo)
	if err != nil {
		return fmt.Errorf("encode promotion: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE leases
		SET status = ?, promotion_json = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE lease_id = ? AND status = ?`,
		StatusPromoted, string(encoded), leaseID, StatusActive)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("lease is no longer active: %s: %w", leaseID, store.ErrConflict)
	}
	return nil
}

// RevokeActiveLeasesForAgent expires stale rows first, then revokes the
// remaining active leases of the agent. Returns the number of
// active→revoked transitions.
func (s *Store) RevokeActiveLeasesForAgent(agentID, reason string, nowEpoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE leases
		SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE requester_agent_id = ? AND status = ? AND expires_at_epoch < ?`,
		StatusExpired, agentID, StatusActive, nowEpoch)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(`
		UPDATE leases
		SET status = ?, revoke_reason = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE requester_agent_id = ? AND status = ?`,
		StatusRevoked, reason, agentID, StatusActive)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), tx.Commit()
}

// --- Installs ---

type installRow struct {
	InstallID       string         `db:"install_id"`
	LeaseID         string         `db:"lease_id"`
	Owner           string         `db:"owner"`
	InstalledRef    string         `db:"installed_ref"`
	AttestationHash string         `db:"attestation_hash"`
	Status          string         `db:"status"`
	RollbackReason  sql.NullString `db:"rollback_reason"`
	RolledBackAt    sql.NullString `db:"rolled_back_at"`
	CreatedAt       string         `db:"created_at"`
}

func (r installRow) toInstall() *Install {
	out := &Install{
		InstallID:       r.InstallID,
		LeaseID:         r.LeaseID,
		Owner:           r.Owner,
		InstalledRef:    r.InstalledRef,
		AttestationHash: r.AttestationHash,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
	}
	if r.RollbackReason.Valid {
		out.RollbackReason = r.RollbackReason.String
	}
	if r.RolledBackAt.Valid {
		out.RolledBackAt = r.RolledBackAt.String
	}
	return out
}

// InsertInstall persists the install created by a promotion.
func (s *Store) InsertInstall(ins *Install) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO installs(install_id, lease_id, owner, installed_ref, attestation_hash, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ins.InstallID, ins.LeaseID, ins.Owner, ins.InstalledRef, ins.AttestationHash, ins.Status)
	if store.IsUniqueViolation(err) {
		return fmt.Errorf("install already exists: %s: %w", ins.InstallID, store.ErrAlreadyExists)
	}
	return err
}

// GetInstall fetches one install by id.
func (s *Store) GetInstall(installID string) (*Install, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row installRow
	err := s.db.Get(&row, `SELECT * FROM installs WHERE install_id = ?`, installID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("install not found: %s: %w", installID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toInstall(), nil
}

// MarkInstallRolledBack records the rollback reason and timestamp once;
// a replay leaves the original untouched.
func (s *Store) MarkInstallRolledBack(installID, reason, rolledBackAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE installs
		SET status = ?, rollback_reason = ?, rolled_back_at = ?
		WHERE install_id = ? AND status = ?`,
		InstallStatusRolledBack, reason, rolledBackAt, installID, InstallStatusInstalled)
	return err
}
