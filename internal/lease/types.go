// Package lease implements the two-phase capability install flow: a
// time-boxed lease is created first, then promoted into an install once
// ownership, policy approval, compatibility and the attestation binding
// all check out. Rollback and kill-switch revocation close the loop.
package lease

import (
	"fmt"
	"time"
)

// Lease statuses. Expiry is lazy: an active lease past its deadline
// reads as expired.
const (
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusPromoted = "promoted"
	StatusRevoked  = "revoked"
)

// Install statuses.
const (
	InstallStatusInstalled  = "installed"
	InstallStatusRolledBack = "rolled_back"
)

// DefaultTTLSeconds applies when a create request omits the TTL.
const DefaultTTLSeconds = 3600

// ApprovalTicketPrefix is the change-record prefix a promotion ticket
// must carry.
const ApprovalTicketPrefix = "APR-"

// Promotion records a successful lease → install transition.
type Promotion struct {
	InstallID       string `json:"install_id"`
	PromotedAt      string `json:"promoted_at"`
	InstalledRef    string `json:"installed_ref"`
	AttestationHash string `json:"attestation_hash"`
	ApprovalTicket  string `json:"approval_ticket"`
}

// Lease is one pending capability grant bound to its requester by the
// attestation hash minted at creation.
type Lease struct {
	LeaseID          string     `json:"lease_id"`
	RequesterAgentID string     `json:"requester_agent_id"`
	CapabilityRef    string     `json:"capability_ref"`
	Owner            string     `json:"owner"`
	Status           string     `json:"status"`
	TTLSeconds       int64      `json:"ttl_seconds"`
	AttestationHash  string     `json:"attestation_hash"`
	CreatedAt        string     `json:"created_at"`
	ExpiresAt        string     `json:"expires_at"`
	CreatedAtEpoch   int64      `json:"created_at_epoch"`
	ExpiresAtEpoch   int64      `json:"expires_at_epoch"`
	Promotion        *Promotion `json:"promotion,omitempty"`
}

// Install is the promoted artifact record.
type Install struct {
	InstallID       string `json:"install_id"`
	LeaseID         string `json:"lease_id"`
	Owner           string `json:"owner"`
	InstalledRef    string `json:"installed_ref"`
	AttestationHash string `json:"attestation_hash"`
	Status          string `json:"status"`
	RollbackReason  string `json:"rollback_reason,omitempty"`
	RolledBackAt    string `json:"rolled_back_at,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// PromoteRequest carries the promotion inputs the caller must present.
type PromoteRequest struct {
	Owner                 string
	Signature             string
	AttestationHash       string
	PolicyApproved        bool
	ApprovalTicket        string
	CompatibilityVerified bool
}

// ExpectedSignature is the deterministic attestation binding used in
// local simulation; a production deployment substitutes a cryptographic
// signature over the same inputs.
func ExpectedSignature(attestationHash, owner string) string {
	return fmt.Sprintf("sig:%s:%s", attestationHash, owner)
}

func utcNowEpoch() int64 {
	return time.Now().Unix()
}

func isoFromEpoch(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}
