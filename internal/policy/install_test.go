package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installInput() InstallPromotionInput {
	return InstallPromotionInput{
		Owner:           "owner-dev",
		LeaseID:         "lease-1",
		PolicyApproved:  true,
		AttestationHash: strings.Repeat("ab", 32),
		Signature:       "sig:abab:owner-dev",
	}
}

func TestEvaluateInstallPromotionAllows(t *testing.T) {
	engine := testEngine()

	dec := engine.EvaluateInstallPromotion("runtime.install", installInput())
	require.NotNil(t, dec)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "allow", dec.Outcome)
	assert.Equal(t, "install", dec.Context)
	assert.Equal(t, "promote_lease", dec.Action)
	assert.Equal(t, []string{"policy.allow"}, dec.Explainability.AllowCodes)
	assert.Equal(t, "abababababab", dec.EvaluatedConstraints["attestation_hash_prefix"])
	assert.True(t, engine.VerifySignature(dec))
}

func TestEvaluateInstallPromotionRequiresApproval(t *testing.T) {
	engine := testEngine()

	input := installInput()
	input.PolicyApproved = false

	dec := engine.EvaluateInstallPromotion("runtime.install", input)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.ViolatedConstraints, "approval.policy_required")
}

func TestEvaluateInstallPromotionHashChecks(t *testing.T) {
	engine := testEngine()

	short := installInput()
	short.AttestationHash = "abc123"
	dec := engine.EvaluateInstallPromotion("runtime.install", short)
	assert.Contains(t, dec.ViolatedConstraints, "attestation.hash_invalid")

	notHex := installInput()
	notHex.AttestationHash = "zzzzzzzzzzzzzzzz"
	dec = engine.EvaluateInstallPromotion("runtime.install", notHex)
	assert.Contains(t, dec.ViolatedConstraints, "attestation.hash_not_hex")
}

func TestEvaluateInstallPromotionSignatureMissing(t *testing.T) {
	engine := testEngine()

	input := installInput()
	input.Signature = "   "

	dec := engine.EvaluateInstallPromotion("runtime.install", input)
	assert.Contains(t, dec.ViolatedConstraints, "attestation.signature_missing")
}

func TestEvaluateInstallPromotionABAC(t *testing.T) {
	engine := testEngine()

	input := installInput()
	input.ABAC = &ABACContext{
		Principal: ABACPrincipal{
			Owner:          "owner-dev",
			TenantID:       "tenant-a",
			AllowedActions: []string{"create_delegation"},
			MFAPresent:     true,
		},
		Resource:    ABACResource{TenantID: "tenant-a"},
		Environment: ABACEnvironment{RequiresMFA: false},
	}

	dec := engine.EvaluateInstallPromotion("runtime.install", input)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.ViolatedConstraints, "abac.action_not_allowed")

	input.ABAC.Principal.AllowedActions = []string{"promote_lease"}
	dec = engine.EvaluateInstallPromotion("runtime.install", input)
	assert.True(t, dec.Allowed)
}
