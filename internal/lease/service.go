package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/agenthub/aicp/internal/store"
)

// Service runs the lease lifecycle on top of the lease-scope store.
type Service struct {
	store  *Store
	logger *log.Logger
}

// NewService wraps an opened lease store.
func NewService(st *Store) *Service {
	return &Service{
		store:  st,
		logger: log.New(log.Writer(), "[Lease] ", log.LstdFlags),
	}
}

// Store exposes the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// CreateLease mints a lease bound to its inputs by the attestation
// hash. TTL must be positive; HTTP callers apply DefaultTTLSeconds
// before reaching here.
func (s *Service) CreateLease(requesterAgentID, capabilityRef, owner string, ttlSeconds int64) (*Lease, error) {
	if strings.TrimSpace(requesterAgentID) == "" {
		return nil, fmt.Errorf("requester_agent_id is required: %w", store.ErrInvalidArgument)
	}
	if strings.TrimSpace(capabilityRef) == "" {
		return nil, fmt.Errorf("capability_ref is required: %w", store.ErrInvalidArgument)
	}
	if ttlSeconds <= 0 {
		return nil, fmt.Errorf("ttl_seconds must be greater than zero: %w", store.ErrInvalidArgument)
	}

	now := utcNowEpoch()
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", requesterAgentID, capabilityRef, now)))

	l := &Lease{
		LeaseID:          uuid.NewString(),
		RequesterAgentID: requesterAgentID,
		CapabilityRef:    capabilityRef,
		Owner:            owner,
		Status:           StatusActive,
		TTLSeconds:       ttlSeconds,
		AttestationHash:  hex.EncodeToString(digest[:]),
		CreatedAt:        isoFromEpoch(now),
		ExpiresAt:        isoFromEpoch(now + ttlSeconds),
		CreatedAtEpoch:   now,
		ExpiresAtEpoch:   now + ttlSeconds,
	}
	if err := s.store.InsertLease(l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLease fetches a lease for its owner, normalizing lazy expiry.
func (s *Service) GetLease(leaseID, owner string) (*Lease, error) {
	l, err := s.store.GetLease(leaseID)
	if err != nil {
		return nil, err
	}
	if l.Owner != owner {
		return nil, fmt.Errorf("lease owner mismatch: %w", store.ErrPermissionDenied)
	}
	if err := s.normalize(l); err != nil {
		return nil, err
	}
	return l, nil
}

// PromoteLease turns an active lease into an install once every gate
// passes. Promoting an already-promoted lease replays the stored
// outcome.
func (s *Service) PromoteLease(leaseID string, req PromoteRequest) (*Lease, error) {
	l, err := s.store.GetLease(leaseID)
	if err != nil {
		return nil, err
	}
	if l.Owner != req.Owner {
		return nil, fmt.Errorf("lease owner mismatch: %w", store.ErrPermissionDenied)
	}
	if err := s.normalize(l); err != nil {
		return nil, err
	}

	switch l.Status {
	case StatusExpired:
		return nil, fmt.Errorf("lease expired: %w", store.ErrInvalidArgument)
	case StatusPromoted:
		return l, nil
	case StatusActive:
	default:
		return nil, fmt.Errorf("lease is not active (status %s): %w", l.Status, store.ErrInvalidArgument)
	}

	if !req.PolicyApproved {
		return nil, fmt.Errorf("policy approval required: %w", store.ErrPermissionDenied)
	}
	if !strings.HasPrefix(req.ApprovalTicket, ApprovalTicketPrefix) {
		return nil, fmt.Errorf("approval ticket must start with %s: %w", ApprovalTicketPrefix, store.ErrPermissionDenied)
	}
	if !req.CompatibilityVerified {
		return nil, fmt.Errorf("compatibility verification required: %w", store.ErrPermissionDenied)
	}
	if req.AttestationHash != l.AttestationHash {
		return nil, fmt.Errorf("attestation hash mismatch: %w", store.ErrPermissionDenied)
	}
	if req.Signature != ExpectedSignature(l.AttestationHash, req.Owner) {
		return nil, fmt.Errorf("invalid attestation signature: %w", store.ErrPermissionDenied)
	}

	promo := &Promotion{
		InstallID:       uuid.NewString(),
		PromotedAt:      isoFromEpoch(utcNowEpoch()),
		InstalledRef:    fmt.Sprintf("%s::%s", l.RequesterAgentID, l.CapabilityRef),
		AttestationHash: req.AttestationHash,
		ApprovalTicket:  req.ApprovalTicket,
	}

	if err := s.store.MarkPromoted(l.LeaseID, promo); err != nil {
		// A concurrent promote may have won; replay its outcome.
		if errors.Is(err, store.ErrConflict) {
			if current, gerr := s.store.GetLease(l.LeaseID); gerr == nil && current.Status == StatusPromoted {
				return current, nil
			}
		}
		return nil, err
	}

	install := &Install{
		InstallID:       promo.InstallID,
		LeaseID:         l.LeaseID,
		Owner:           l.Owner,
		InstalledRef:    promo.InstalledRef,
		AttestationHash: promo.AttestationHash,
		Status:          InstallStatusInstalled,
	}
	if err := s.store.InsertInstall(install); err != nil {
		return nil, err
	}

	s.logger.Printf("✅ Lease %s promoted (install %s)", l.LeaseID, promo.InstallID)
	l.Status = StatusPromoted
	l.Promotion = promo
	return l, nil
}

// RollbackInstall marks an install rolled back with the reason and
// timestamp. Replays return the original rollback untouched.
func (s *Service) RollbackInstall(installID, owner, reason string) (*Install, error) {
	ins, err := s.store.GetInstall(installID)
	if err != nil {
		return nil, err
	}
	if ins.Owner != owner {
		return nil, fmt.Errorf("install owner mismatch: %w", store.ErrPermissionDenied)
	}
	if ins.Status == InstallStatusRolledBack {
		return ins, nil
	}

	rolledBackAt := isoFromEpoch(utcNowEpoch())
	if err := s.store.MarkInstallRolledBack(installID, reason, rolledBackAt); err != nil {
		return nil, err
	}

	s.logger.Printf("✅ Install %s rolled back: %s", installID, reason)
	ins.Status = InstallStatusRolledBack
	ins.RollbackReason = reason
	ins.RolledBackAt = rolledBackAt
	return ins, nil
}

// RevokeLeasesForAgent revokes every active lease of an agent. It is
// the kill-switch collaborator and returns the number of active leases
// that transitioned to revoked.
func (s *Service) RevokeLeasesForAgent(agentID, reason string) (int, error) {
	count, err := s.store.RevokeActiveLeasesForAgent(agentID, reason, utcNowEpoch())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Printf("🛑 Revoked %d lease(s) for agent %s: %s", count, agentID, reason)
	}
	return count, nil
}

func (s *Service) normalize(l *Lease) error {
	if l.Status == StatusActive && utcNowEpoch() > l.ExpiresAtEpoch {
		if err := s.store.MarkExpired(l.LeaseID); err != nil {
			return err
		}
		l.Status = StatusExpired
	}
	return nil
}
