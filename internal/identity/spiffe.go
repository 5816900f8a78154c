package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// SPIFFE ID generation and validation for agents registered with
// credential_type=spiffe. IDs follow
// spiffe://<trust-domain>/agent/<agent_id>[/<workload_path>]. SVID
// issuance here is a metadata stub; production deployments attach a SPIRE
// server for CA-signed SVIDs.

const defaultTrustDomain = "agenthub.local"

func spiffeTrustDomain() string {
	if domain := os.Getenv("AGENTHUB_SPIFFE_TRUST_DOMAIN"); domain != "" {
		return domain
	}
	return defaultTrustDomain
}

// GenerateSPIFFEID derives an agent's SPIFFE ID under the configured
// trust domain.
func GenerateSPIFFEID(agentID, workloadPath string) string {
	safeID := strings.ReplaceAll(strings.ReplaceAll(agentID, "@", ""), ":", "/")
	base := fmt.Sprintf("spiffe://%s/agent/%s", spiffeTrustDomain(), safeID)
	if workloadPath != "" {
		base = base + "/" + workloadPath
	}
	return base
}

// SPIFFEValidation reports whether a SPIFFE ID parses, and its parts.
type SPIFFEValidation struct {
	Valid            bool   `json:"valid"`
	Reason           string `json:"reason,omitempty"`
	SpiffeID         string `json:"spiffe_id,omitempty"`
	TrustDomain      string `json:"trust_domain,omitempty"`
	WorkloadPath     string `json:"workload_path,omitempty"`
	TrustDomainMatch bool   `json:"trust_domain_match"`
}

// VerifySPIFFEID validates a SPIFFE ID and extracts its components.
func VerifySPIFFEID(raw string) SPIFFEValidation {
	id, err := spiffeid.FromString(raw)
	if err != nil {
		return SPIFFEValidation{Valid: false, Reason: err.Error()}
	}
	if id.Path() == "" {
		return SPIFFEValidation{Valid: false, Reason: "missing workload path"}
	}
	return SPIFFEValidation{
		Valid:            true,
		SpiffeID:         id.String(),
		TrustDomain:      id.TrustDomain().Name(),
		WorkloadPath:     strings.TrimPrefix(id.Path(), "/"),
		TrustDomainMatch: id.TrustDomain().Name() == spiffeTrustDomain(),
	}
}

// SVID is the metadata stub of an X.509 SVID.
type SVID struct {
	SpiffeID          string   `json:"spiffe_id"`
	SerialNumber      string   `json:"serial_number"`
	Subject           string   `json:"subject"`
	Issuer            string   `json:"issuer"`
	NotBefore         string   `json:"not_before"`
	NotAfter          string   `json:"not_after"`
	FingerprintSHA256 string   `json:"fingerprint_sha256"`
	KeyUsage          []string `json:"key_usage"`
	ExtendedKeyUsage  []string `json:"extended_key_usage"`
	SANURI            []string `json:"san_uri"`
	TrustDomain       string   `json:"trust_domain"`
	Note              string   `json:"note"`
}

// GenerateSVID builds an SVID metadata stub for an agent. spiffeID may be
// empty to derive it from the agent id.
func GenerateSVID(agentID, spiffeID string, ttlHours int) SVID {
	if spiffeID == "" {
		spiffeID = GenerateSPIFFEID(agentID, "")
	}
	if ttlHours <= 0 {
		ttlHours = 24
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(ttlHours) * time.Hour)
	serial := newID("")

	fpInput := fmt.Sprintf("%s|%s|%s", spiffeID, serial, now.Format(time.RFC3339))
	fingerprint := sha256.Sum256([]byte(fpInput))

	return SVID{
		SpiffeID:          spiffeID,
		SerialNumber:      serial,
		Subject:           fmt.Sprintf("CN=%s,O=AgentHub", agentID),
		Issuer:            "CN=AgentHub CA,O=AgentHub",
		NotBefore:         now.Format(time.RFC3339),
		NotAfter:          expires.Format(time.RFC3339),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyUsage:          []string{"digital_signature", "key_encipherment"},
		ExtendedKeyUsage:  []string{"server_auth", "client_auth"},
		SANURI:            []string{spiffeID},
		TrustDomain:       spiffeTrustDomain(),
		Note:              "self-signed stub; production requires SPIRE CA",
	}
}

// SPIFFEBundleEntry is one agent entry in a trust bundle.
type SPIFFEBundleEntry struct {
	SpiffeID string `json:"spiffe_id"`
	AgentID  string `json:"agent_id"`
}

// SPIFFEBundle is the trust-bundle view for a set of agents.
type SPIFFEBundle struct {
	TrustDomain  string              `json:"trust_domain"`
	BundleFormat string              `json:"bundle_format"`
	Entries      []SPIFFEBundleEntry `json:"entries"`
	EntryCount   int                 `json:"entry_count"`
}

// GenerateBundle builds the trust bundle for a set of agents.
func GenerateBundle(agentIDs []string) SPIFFEBundle {
	entries := make([]SPIFFEBundleEntry, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		entries = append(entries, SPIFFEBundleEntry{
			SpiffeID: GenerateSPIFFEID(agentID, ""),
			AgentID:  agentID,
		})
	}
	return SPIFFEBundle{
		TrustDomain:  spiffeTrustDomain(),
		BundleFormat: "spiffe-bundle-v1",
		Entries:      entries,
		EntryCount:   len(entries),
	}
}
