package policy

import "strings"

// InstallPromotionInput carries the lease promotion attributes the
// install evaluator inspects.
type InstallPromotionInput struct {
	Owner           string
	LeaseID         string
	PolicyApproved  bool
	AttestationHash string
	Signature       string
	ABAC            *ABACContext
}

func isHex(s string) bool {
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// EvaluateInstallPromotion gates a lease → install promotion: explicit
// policy approval, a plausible attestation hash, a present signature,
// and the attribute checks when a context is supplied. The lease
// service still verifies the hash and signature against stored values;
// this evaluator rejects requests that could never pass.
func (e *Engine) EvaluateInstallPromotion(actor string, input InstallPromotionInput) *Decision {
	var reasons []Reason

	if !input.PolicyApproved {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "approval.policy_required",
			Message:  "explicit policy approval is required for install promotion",
			Field:    "policy_approved",
			Observed: false,
			Expected: true,
		})
	}

	if len(input.AttestationHash) < 12 {
		reasons = append(reasons, Reason{
			Type:     ReasonViolation,
			Code:     "attestation.hash_invalid",
			Message:  "attestation hash must be a non-empty hash string",
			Field:    "attestation_hash",
			Observed: len(input.AttestationHash),
			Expected: "len>=12",
		})
	} else if !isHex(input.AttestationHash) {
		reasons = append(reasons, Reason{
			Type:    ReasonViolation,
			Code:    "attestation.hash_not_hex",
			Message: "attestation hash must be hexadecimal",
			Field:   "attestation_hash",
		})
	}

	if strings.TrimSpace(input.Signature) == "" {
		reasons = append(reasons, Reason{
			Type:    ReasonViolation,
			Code:    "attestation.signature_missing",
			Message: "attestation signature is required",
			Field:   "signature",
		})
	}

	reasons = append(reasons, abacReasons("promote_lease", input.ABAC)...)

	if len(reasons) == 0 {
		reasons = append(reasons, Reason{
			Type:    ReasonAllow,
			Code:    "policy.allow",
			Message: "install promotion policy checks passed",
		})
	}

	hashPrefix := input.AttestationHash
	if len(hashPrefix) > 12 {
		hashPrefix = hashPrefix[:12]
	}
	evaluated := map[string]any{
		"policy_approved":         input.PolicyApproved,
		"attestation_hash_prefix": hashPrefix,
	}

	subject := map[string]any{"owner": input.Owner, "lease_id": input.LeaseID}
	return e.BuildDecision("install", "promote_lease", actor, subject, evaluated, reasons)
}
