package runtime

import (
	"fmt"
	"log"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/agenthub/aicp/internal/store"
)

const (
	defaultSandboxTTL    = time.Hour
	sandboxSweepInterval = time.Minute
)

// Sandbox is a live sandbox registration with its bound JIT credential.
type Sandbox struct {
	SandboxID         string `json:"sandbox_id"`
	AgentID           string `json:"agent_id"`
	CredentialID      string `json:"credential_id"`
	RegisteredAtEpoch int64  `json:"registered_at_epoch"`
	ExpiresAtEpoch    int64  `json:"expires_at_epoch"`
}

// SandboxRegistry tracks sandbox lifecycles in a TTL cache. Eviction,
// whether explicit termination or TTL expiry, triggers a prefix sweep
// that revokes the sandbox's JIT credentials.
type SandboxRegistry struct {
	mu      sync.Mutex
	cache   *cache.Cache
	jit     *JITBinder
	reasons map[string]string // termination reasons pending eviction
	logger  *log.Logger
}

// NewSandboxRegistry returns a registry whose evictions revoke through
// the binder.
func NewSandboxRegistry(jit *JITBinder) *SandboxRegistry {
	r := &SandboxRegistry{
		cache:   cache.New(defaultSandboxTTL, sandboxSweepInterval),
		jit:     jit,
		reasons: make(map[string]string),
		logger:  log.New(log.Writer(), "[Sandboxes] ", log.LstdFlags),
	}
	r.cache.OnEvicted(r.onEvicted)
	return r
}

// Provision issues a sandbox-scoped JIT credential and registers the
// sandbox. The registration expires with the credential, at which point
// the credential is revoked automatically.
func (r *SandboxRegistry) Provision(agentID, sandboxID string, scopes []string, ttlSeconds int64) (*Sandbox, *JITCredential, error) {
	if _, found := r.cache.Get(sandboxID); found {
		return nil, nil, fmt.Errorf("sandbox already registered: %s: %w", sandboxID, store.ErrAlreadyExists)
	}

	cred, err := r.jit.IssueCredential(agentID, sandboxID, scopes, ttlSeconds)
	if err != nil {
		return nil, nil, err
	}

	sb := &Sandbox{
		SandboxID:         sandboxID,
		AgentID:           agentID,
		CredentialID:      cred.CredentialID,
		RegisteredAtEpoch: cred.IssuedAtEpoch,
		ExpiresAtEpoch:    cred.ExpiresAtEpoch,
	}
	ttl := time.Duration(cred.ExpiresAtEpoch-cred.IssuedAtEpoch) * time.Second
	r.cache.Set(sandboxID, sb, ttl)

	r.logger.Printf("✨ Sandbox %s provisioned for agent %s (credential %s, ttl %s)", sandboxID, agentID, cred.CredentialID, ttl)
	return sb, cred, nil
}

// Get fetches a live sandbox registration.
func (r *SandboxRegistry) Get(sandboxID string) (*Sandbox, error) {
	v, found := r.cache.Get(sandboxID)
	if !found {
		return nil, fmt.Errorf("sandbox not found: %s: %w", sandboxID, store.ErrNotFound)
	}
	return v.(*Sandbox), nil
}

// Terminate removes a registration; the eviction hook revokes the
// sandbox's credentials with the given reason.
func (r *SandboxRegistry) Terminate(sandboxID, reason string) error {
	if _, found := r.cache.Get(sandboxID); !found {
		return fmt.Errorf("sandbox not found: %s: %w", sandboxID, store.ErrNotFound)
	}
	if reason == "" {
		reason = "sandbox_terminated"
	}

	r.mu.Lock()
	r.reasons[sandboxID] = reason
	r.mu.Unlock()

	r.cache.Delete(sandboxID)

	// If the janitor won the race the reason was never consumed.
	r.mu.Lock()
	delete(r.reasons, sandboxID)
	r.mu.Unlock()
	return nil
}

// ActiveCount reports registrations not yet swept.
func (r *SandboxRegistry) ActiveCount() int {
	return r.cache.ItemCount()
}

func (r *SandboxRegistry) onEvicted(sandboxID string, v interface{}) {
	sb, ok := v.(*Sandbox)
	if !ok {
		return
	}

	r.mu.Lock()
	reason, explicit := r.reasons[sandboxID]
	if explicit {
		delete(r.reasons, sandboxID)
	} else {
		reason = "sandbox_expired"
	}
	r.mu.Unlock()

	if _, err := r.jit.RevokeSandboxCredentials(sb.AgentID, sandboxID, reason); err != nil {
		r.logger.Printf("⚠️ Credential sweep failed for evicted sandbox %s: %v", sandboxID, err)
	}
}
