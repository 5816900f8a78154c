package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RequiredEnvVars must all be present and valid before the control plane
// serves traffic in enforce mode.
var RequiredEnvVars = []string{
	"AGENTHUB_API_KEYS_JSON",
	"AGENTHUB_AUTH_TOKEN_SECRET",
	"AGENTHUB_IDENTITY_SIGNING_SECRET",
	"AGENTHUB_PROVENANCE_SIGNING_SECRET",
	"AGENTHUB_POLICY_SIGNING_SECRET",
	"AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON",
}

// jsonObjectVars are the subset of RequiredEnvVars that must parse as a
// JSON object with at least one non-empty key/value pair.
var jsonObjectVars = map[string]bool{
	"AGENTHUB_API_KEYS_JSON":                 true,
	"AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON": true,
}

var envComponents = map[string]string{
	"AGENTHUB_API_KEYS_JSON":                 "auth",
	"AGENTHUB_AUTH_TOKEN_SECRET":             "auth",
	"AGENTHUB_IDENTITY_SIGNING_SECRET":       "identity",
	"AGENTHUB_PROVENANCE_SIGNING_SECRET":     "provenance",
	"AGENTHUB_POLICY_SIGNING_SECRET":         "policy",
	"AGENTHUB_FEDERATION_DOMAIN_TOKENS_JSON": "federation",
}

// EnvCheck is the outcome of validating one required environment variable.
type EnvCheck struct {
	Component string `json:"component"`
	EnvVar    string `json:"env_var"`
	Present   bool   `json:"present"`
	Valid     bool   `json:"valid"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// PathCheck is the outcome of probing one configured data path for a
// writable nearest-existing parent directory.
type PathCheck struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Writable bool   `json:"writable"`
	Message  string `json:"message"`
}

// Diagnostics is the structured readiness report served on the admin
// endpoint and printed by the launch-readiness probe.
type Diagnostics struct {
	GeneratedAt           string      `json:"generated_at"`
	AccessEnforcementMode string      `json:"access_enforcement_mode"`
	RequiredEnvVars       []string    `json:"required_env_vars"`
	Checks                []EnvCheck  `json:"checks"`
	PathChecks            []PathCheck `json:"path_checks"`
	StartupReady          bool        `json:"startup_ready"`
	MissingOrInvalid      []string    `json:"missing_or_invalid"`
}

// Environ abstracts os.Environ for diagnostics so tests can inject maps.
type Environ func(key string) (string, bool)

// OSEnviron reads from the process environment.
func OSEnviron(key string) (string, bool) {
	return os.LookupEnv(key)
}

// BuildDiagnostics runs every env and path probe and assembles the report.
// It is a pure function of the provided environment and filesystem state.
func BuildDiagnostics(cfg *Config, env Environ) Diagnostics {
	if env == nil {
		env = OSEnviron
	}

	checks := make([]EnvCheck, 0, len(RequiredEnvVars))
	var missing []string
	for _, key := range RequiredEnvVars {
		var check EnvCheck
		if jsonObjectVars[key] {
			check = checkJSONObject(env, key)
		} else {
			check = checkNonEmpty(env, key)
		}
		check.Component = envComponents[key]
		check.Severity = "critical"
		checks = append(checks, check)
		if !check.Valid {
			missing = append(missing, key)
		}
	}

	pathChecks := []PathCheck{
		probePath("identity_db", cfg.Storage.IdentityDBPath),
		probePath("delegation_db", cfg.Storage.DelegationDBPath),
		probePath("idempotency_db", cfg.Storage.IdempotencyDBPath),
		probePath("lease_db", cfg.Storage.LeaseDBPath),
		probePath("cost_events", cfg.Metering.EventsPath),
	}
	for _, pc := range pathChecks {
		if !pc.Writable {
			missing = append(missing, "path:"+pc.Name)
		}
	}

	return Diagnostics{
		GeneratedAt:           time.Now().UTC().Format(time.RFC3339),
		AccessEnforcementMode: cfg.EnforcementMode(),
		RequiredEnvVars:       append([]string(nil), RequiredEnvVars...),
		Checks:                checks,
		PathChecks:            pathChecks,
		StartupReady:          len(missing) == 0,
		MissingOrInvalid:      missing,
	}
}

func checkNonEmpty(env Environ, key string) EnvCheck {
	raw, present := env(key)
	valid := present && strings.TrimSpace(raw) != ""
	msg := "ok"
	if !valid {
		msg = "missing required environment variable"
	}
	return EnvCheck{EnvVar: key, Present: present, Valid: valid, Message: msg}
}

func checkJSONObject(env Environ, key string) EnvCheck {
	raw, present := env(key)
	if !present {
		return EnvCheck{EnvVar: key, Present: false, Valid: false, Message: "missing required environment variable"}
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return EnvCheck{EnvVar: key, Present: true, Valid: false, Message: "environment variable must not be empty"}
	}
	parsed := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return EnvCheck{EnvVar: key, Present: true, Valid: false, Message: "environment variable must be a JSON object"}
	}
	nonEmpty := 0
	for name, value := range parsed {
		var str string
		if err := json.Unmarshal(value, &str); err != nil {
			continue
		}
		if strings.TrimSpace(name) != "" && strings.TrimSpace(str) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return EnvCheck{EnvVar: key, Present: true, Valid: false, Message: "environment variable must define at least one non-empty key/value"}
	}
	return EnvCheck{EnvVar: key, Present: true, Valid: true, Message: "ok"}
}

// probePath walks up from the target to the nearest existing directory and
// verifies it is writable by creating and removing a probe file.
func probePath(name, target string) PathCheck {
	if target == "" {
		return PathCheck{Name: name, Path: target, Writable: false, Message: "path not configured"}
	}
	dir := filepath.Dir(target)
	for {
		if info, err := os.Stat(dir); err == nil {
			if !info.IsDir() {
				return PathCheck{Name: name, Path: target, Writable: false, Message: "nearest parent is not a directory"}
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	probe, err := os.CreateTemp(dir, ".aicp-probe-*")
	if err != nil {
		return PathCheck{Name: name, Path: target, Writable: false, Message: "nearest parent not writable: " + dir}
	}
	probe.Close()
	os.Remove(probe.Name())
	return PathCheck{Name: name, Path: target, Writable: true, Message: "ok"}
}
