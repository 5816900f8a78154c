// Package tenancy manages operator-provisioned tenants and their
// service keys. A service key is the third auth source after API keys
// and bearer tokens: it authenticates a whole tenant rather than a
// named owner.
package tenancy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agenthub/aicp/internal/store"
)

// KeyPrefix identifies control-plane service keys on the wire:
// ah_<tenant_id>.<secret>.
const KeyPrefix = "ah_"

// Tenant statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Tenant is one provisioned organization. KeyHash holds bcrypt of the
// key secret; the plaintext is surfaced exactly once at provisioning.
type Tenant struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	KeyHash     string `json:"-"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   string `json:"created_by"`
}

// ProvisionResult carries the one-time plaintext service key.
type ProvisionResult struct {
	Tenant     *Tenant `json:"tenant"`
	ServiceKey string  `json:"service_key"`
}

// Registry is the in-memory tenant directory. Provisioned tenants are
// operator state; a restart reprovisions them from configuration.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	logger  *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		logger:  log.New(log.Writer(), "[Tenancy] ", log.LstdFlags),
	}
}

func normalizeTenantID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Provision creates a tenant and mints its service key. Only the bcrypt
// hash of the secret survives; the full key is returned once.
func (r *Registry) Provision(tenantID, displayName, createdBy string) (*ProvisionResult, error) {
	tenantID = normalizeTenantID(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", store.ErrInvalidArgument)
	}
	if strings.ContainsAny(tenantID, ". ") {
		return nil, fmt.Errorf("%w: tenant_id must not contain dots or spaces", store.ErrInvalidArgument)
	}

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate service key: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	fullKey := fmt.Sprintf("%s%s.%s", KeyPrefix, tenantID, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash service key: %w", err)
	}

	tenant := &Tenant{
		TenantID:    tenantID,
		DisplayName: strings.TrimSpace(displayName),
		Status:      StatusActive,
		KeyHash:     string(hash),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		CreatedBy:   createdBy,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[tenantID]; exists {
		return nil, fmt.Errorf("%w: tenant %s already provisioned", store.ErrAlreadyExists, tenantID)
	}
	r.tenants[tenantID] = tenant
	r.logger.Printf("✨ provisioned tenant %s", tenantID)

	return &ProvisionResult{Tenant: cloneTenant(tenant), ServiceKey: fullKey}, nil
}

// Get returns a tenant without its key hash.
func (r *Registry) Get(tenantID string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[normalizeTenantID(tenantID)]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", store.ErrNotFound, tenantID)
	}
	return cloneTenant(t), nil
}

// List returns all tenants sorted by provisioning time.
func (r *Registry) List() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, cloneTenant(t))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt < out[j-1].CreatedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Suspend blocks a tenant's service key without destroying it.
func (r *Registry) Suspend(tenantID string) (*Tenant, error) {
	return r.setStatus(tenantID, StatusSuspended)
}

// Activate re-enables a suspended tenant.
func (r *Registry) Activate(tenantID string) (*Tenant, error) {
	return r.setStatus(tenantID, StatusActive)
}

func (r *Registry) setStatus(tenantID, status string) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[normalizeTenantID(tenantID)]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", store.ErrNotFound, tenantID)
	}
	t.Status = status
	return cloneTenant(t), nil
}

// ValidateServiceKey checks an ah_<tenant>.<secret> key and returns the
// active tenant it belongs to. The tenant id rides in the key itself so
// lookup never scans.
func (r *Registry) ValidateServiceKey(fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, KeyPrefix) {
		return nil, fmt.Errorf("%w: invalid service key format", store.ErrUnauthenticated)
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, KeyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: invalid service key format", store.ErrUnauthenticated)
	}
	tenantID, secret := normalizeTenantID(parts[0]), parts[1]

	r.mu.RLock()
	t, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tenant service key", store.ErrUnauthenticated)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(t.KeyHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: invalid service key secret", store.ErrUnauthenticated)
	}
	if t.Status != StatusActive {
		return nil, fmt.Errorf("%w: tenant is %s", store.ErrPermissionDenied, t.Status)
	}
	return cloneTenant(t), nil
}

func cloneTenant(t *Tenant) *Tenant {
	cp := *t
	cp.KeyHash = ""
	return &cp
}
