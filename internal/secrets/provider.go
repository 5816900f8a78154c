// Package secrets resolves the process signing secrets used for
// credential hashing, delegation-token signatures, attestations, and
// policy decision signing. Secrets are loaded once at startup; rotating
// them requires a restart.
package secrets

import (
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Named secrets the control plane consumes.
const (
	AuthToken        = "AGENTHUB_AUTH_TOKEN_SECRET"
	IdentitySigning  = "AGENTHUB_IDENTITY_SIGNING_SECRET"
	ProvenanceSigner = "AGENTHUB_PROVENANCE_SIGNING_SECRET"
	PolicySigning    = "AGENTHUB_POLICY_SIGNING_SECRET"
)

// Provider resolves named signing secrets.
type Provider interface {
	Secret(name string) ([]byte, error)
}

// NewProviderFromEnv selects the backend from AGENTHUB_SECRETS_BACKEND
// ("env" is the default; "vault" reads from a KV v2 mount).
func NewProviderFromEnv() (Provider, error) {
	backend := strings.TrimSpace(os.Getenv("AGENTHUB_SECRETS_BACKEND"))
	switch backend {
	case "vault":
		return NewVaultProvider(os.Getenv("AGENTHUB_VAULT_SECRET_PATH"))
	case "env", "":
		return EnvProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// EnvProvider reads each secret directly from its environment variable.
type EnvProvider struct{}

func (EnvProvider) Secret(name string) ([]byte, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	return []byte(value), nil
}

// VaultProvider reads secrets from a single Vault KV v2 secret whose data
// keys are the AGENTHUB_* names. VAULT_ADDR and VAULT_TOKEN come from the
// standard Vault environment.
type VaultProvider struct {
	client *vault.Client
	path   string
}

func NewVaultProvider(secretPath string) (*VaultProvider, error) {
	if strings.TrimSpace(secretPath) == "" {
		secretPath = "secret/data/agenthub"
	}
	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	return &VaultProvider{client: client, path: secretPath}, nil
}

func (p *VaultProvider) Secret(name string) ([]byte, error) {
	read, err := p.client.Logical().Read(p.path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", p.path, err)
	}
	if read == nil || read.Data == nil {
		return nil, fmt.Errorf("vault path %s is empty", p.path)
	}

	// KV v2 nests payload under "data".
	data := read.Data
	if nested, ok := read.Data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%s not present at vault path %s", name, p.path)
	}
	return []byte(value), nil
}

// MustSecret panics when a required secret is unavailable. Called only
// during enforce-mode startup, before the listener opens.
func MustSecret(p Provider, name string) []byte {
	value, err := p.Secret(name)
	if err != nil {
		panic(err)
	}
	return value
}
