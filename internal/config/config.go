package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config carries every tunable the control plane reads at startup.
// Environment variables win over the optional YAML file; the YAML file
// wins over compiled defaults.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Delegation  DelegationConfig  `yaml:"delegation"`
	Metering    MeteringConfig    `yaml:"metering"`
	Integration IntegrationConfig `yaml:"integration"`
	Federation  FederationConfig  `yaml:"-"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	CORSOrigins     string `yaml:"cors_origins"`
	RequestTimeoutS int    `yaml:"request_timeout_seconds"`
	RateLimit       string `yaml:"rate_limit_default"`
}

type AuthConfig struct {
	// APIKeys maps opaque header values to owner principals.
	APIKeys         map[string]string `yaml:"-"`
	TokenSecret     string            `yaml:"-"`
	EnforcementMode string            `yaml:"enforcement_mode"`
	// OwnerTenants maps an owner to its allowed tenant IDs ("*" = all).
	OwnerTenants map[string][]string `yaml:"-"`
}

type StorageConfig struct {
	IdentityDBPath    string `yaml:"identity_db_path"`
	DelegationDBPath  string `yaml:"delegation_db_path"`
	IdempotencyDBPath string `yaml:"idempotency_db_path"`
	LeaseDBPath       string `yaml:"lease_db_path"`
}

type DelegationConfig struct {
	BalanceBackend string  `yaml:"balance_backend"` // "sqlite" or "spanner"
	SpannerDSN     string  `yaml:"spanner_dsn"`     // projects/P/instances/I/databases/D
	SeedBalanceUSD float64 `yaml:"seed_balance_usd"`
}

type MeteringConfig struct {
	EventsPath  string `yaml:"events_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
}

type IntegrationConfig struct {
	PubSubProject   string `yaml:"pubsub_project"`
	CloudTasksQueue string `yaml:"cloudtasks_queue"` // projects/P/locations/L/queues/Q
	VaultAddr       string `yaml:"vault_addr"`
	SecretsBackend  string `yaml:"secrets_backend"` // "env" or "vault"
}

type FederationConfig struct {
	// DomainTokens maps a trusted domain id to its bootstrap public key
	// PEM. Domains listed here are seeded into the trust registry at
	// startup so cross-domain attestations work on a fresh database.
	DomainTokens map[string]string
}

// DefaultOwnerTenants is the fallback mapping when
// AGENTHUB_OWNER_TENANTS_JSON is unset or malformed. Unknown owners are
// constrained to tenant-default.
func DefaultOwnerTenants() map[string][]string {
	return map[string][]string{
		"owner-platform": {"*"},
		"owner-dev":      {"*"},
		"owner-partner":  {"tenant-default", "tenant-partner"},
	}
}

// Load builds the runtime configuration. yamlPath may be empty.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            "8084",
			Env:             "development",
			RequestTimeoutS: 30,
			RateLimit:       "100/minute",
		},
		Auth: AuthConfig{
			EnforcementMode: "enforce",
		},
		Storage: StorageConfig{
			IdentityDBPath:    "data/identity/identity.db",
			DelegationDBPath:  "data/delegation/delegation.db",
			IdempotencyDBPath: "data/idempotency/idempotency.db",
			LeaseDBPath:       "data/lease/lease.db",
		},
		Delegation: DelegationConfig{
			BalanceBackend: "sqlite",
			SeedBalanceUSD: 1000.0,
		},
		Metering: MeteringConfig{
			EventsPath: "data/cost/events.jsonl",
		},
		Integration: IntegrationConfig{
			SecretsBackend: "env",
		},
	}

	if yamlPath != "" {
		if err := cfg.overlayFile(yamlPath); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.parseAuthMaps(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	setStr(&c.Server.Port, "AGENTHUB_PORT")
	setStr(&c.Server.Env, "AGENTHUB_ENV")
	setStr(&c.Server.CORSOrigins, "AGENTHUB_CORS_ORIGINS")
	setStr(&c.Server.RateLimit, "AGENTHUB_RATE_LIMIT_DEFAULT")
	setInt(&c.Server.RequestTimeoutS, "AGENTHUB_REQUEST_TIMEOUT_SECONDS")

	setStr(&c.Auth.EnforcementMode, "AGENTHUB_ACCESS_ENFORCEMENT_MODE")

	setStr(&c.Storage.IdentityDBPath, "AGENTHUB_IDENTITY_DB_PATH")
	setStr(&c.Storage.DelegationDBPath, "AGENTHUB_DELEGATION_DB_PATH")
	setStr(&c.Storage.IdempotencyDBPath, "AGENTHUB_IDEMPOTENCY_DB_PATH")
	setStr(&c.Storage.LeaseDBPath, "AGENTHUB_LEASE_DB_PATH")

	setStr(&c.Delegation.BalanceBackend, "AGENTHUB_BALANCE_BACKEND")
	setStr(&c.Delegation.SpannerDSN, "AGENTHUB_SPANNER_DSN")

	setStr(&c.Metering.EventsPath, "AGENTHUB_COST_EVENTS_PATH")
	setStr(&c.Metering.PostgresDSN, "AGENTHUB_METERING_PG_DSN")
	setStr(&c.Metering.RedisAddr, "AGENTHUB_REDIS_ADDR")

	setStr(&c.Integration.PubSubProject, "AGENTHUB_PUBSUB_PROJECT")
	setStr(&c.Integration.CloudTasksQueue, "AGENTHUB_CLOUDTASKS_QUEUE")
	setStr(&c.Integration.VaultAddr, "VAULT_ADDR")
	setStr(&c.Integration.SecretsBackend, "AGENTHUB_SECRETS_BACKEND")
}

// parseAuthMaps decodes the JSON-object env vars. Malformed owner-tenant
// JSON falls back to the defaults; a malformed API key map is a hard error.
func (c *Config) parseAuthMaps() error {
	c.Auth.TokenSecret = strings.TrimSpace(os.Getenv("AGENTHUB_AUTH_TOKEN_SECRET"))

	c.Auth.APIKeys = map[string]string{}
	if raw := strings.TrimSpace(os.Getenv("AGENTHUB_API_KEYS_JSON")); raw != "" {
		parsed := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return fmt.Errorf("AGENTHUB_API_KEYS_JSON: %w", err)
		}
		for key, owner := range parsed {
			key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
			if key != "" && owner != "" {
				c.Auth.APIKeys[key] = owner
			}
		}
	}

	c.Auth.OwnerTenants = DefaultOwnerTenants()
	if raw := strings.TrimSpace(os.Getenv("AGENTHUB_OWNER_TENANTS_JSON")); raw != "" {
		parsed := map[string][]string{}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			normalized := map[string][]string{}
			for owner, tenants := range parsed {
				var keep []string
				for _, t := range tenants {
					if t = strings.TrimSpace(t); t != "" {
						keep = append(keep, t)
					}
				}
				if owner = strings.TrimSpace(owner); owner != "" && len(keep) > 0 {
					normalized[owner] = keep
				}
			}
			if len(normalized) > 0 {
				c.Auth.OwnerTenants = normalized
			}
		}
	}

	c.Federation.DomainTokens = map[string]string{}
	if raw := strings.TrimSpace(os.Getenv("AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON")); raw != "" {
		parsed := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return fmt.Errorf("AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON: %w", err)
		}
		for domain, token := range parsed {
			domain, token = strings.TrimSpace(domain), strings.TrimSpace(token)
			if domain != "" && token != "" {
				c.Federation.DomainTokens[domain] = token
			}
		}
	}
	return nil
}

// EnforcementMode normalizes to "enforce" unless explicitly "warn".
func (c *Config) EnforcementMode() string {
	if strings.EqualFold(strings.TrimSpace(c.Auth.EnforcementMode), "warn") {
		return "warn"
	}
	return "enforce"
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
