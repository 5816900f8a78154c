package runtime

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/agenthub/aicp/internal/store"
)

// ValidResources are the capability resources a quota can bound.
var ValidResources = []string{
	"api_calls", "delegations", "sandboxes", "credentials",
	"keys", "sessions", "storage_mb", "custom",
}

var validResources = func() map[string]bool {
	m := make(map[string]bool, len(ValidResources))
	for _, r := range ValidResources {
		m[r] = true
	}
	return m
}()

// Quota caps one resource for one agent. PeriodSeconds zero means the
// counter never resets.
type Quota struct {
	QuotaID        string `json:"quota_id"`
	AgentID        string `json:"agent_id"`
	Resource       string `json:"resource"`
	MaxValue       int64  `json:"max_value"`
	PeriodSeconds  int64  `json:"period_seconds"`
	Description    string `json:"description"`
	Enabled        bool   `json:"enabled"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
}

// QuotaDecision is the outcome of a check-and-consume call. On allow,
// the counters describe the most restrictive matching quota.
type QuotaDecision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	AgentID   string `json:"agent_id"`
	Resource  string `json:"resource"`
	QuotaID   string `json:"quota_id,omitempty"`
	Used      int64  `json:"used"`
	MaxValue  int64  `json:"max_value"`
	Remaining int64  `json:"remaining"`
}

// QuotaViolation is one denied consumption attempt.
type QuotaViolation struct {
	AgentID   string `json:"agent_id"`
	Resource  string `json:"resource"`
	QuotaID   string `json:"quota_id"`
	Used      int64  `json:"used"`
	MaxValue  int64  `json:"max_value"`
	Requested int64  `json:"requested"`
	Timestamp int64  `json:"timestamp"`
}

// UsageRow reports one (resource, quota) counter.
type UsageRow struct {
	Resource  string `json:"resource"`
	QuotaID   string `json:"quota_id"`
	Used      int64  `json:"used"`
	MaxValue  int64  `json:"max_value"`
	Remaining int64  `json:"remaining"`
}

// UsageReport is an agent's current consumption across its quotas.
type UsageReport struct {
	AgentID string     `json:"agent_id"`
	Usage   []UsageRow `json:"usage"`
	Total   int        `json:"total"`
}

// QuotaStats summarizes the registry.
type QuotaStats struct {
	TotalQuotas     int            `json:"total_quotas"`
	EnabledQuotas   int            `json:"enabled_quotas"`
	ByResource      map[string]int `json:"by_resource"`
	TotalViolations int            `json:"total_violations"`
}

type usageKey struct {
	agentID  string
	resource string
	quotaID  string
}

type usageWindow struct {
	used        int64
	windowStart int64
}

// QuotaRegistry tracks quotas and their consumption counters. A check
// either consumes from every matching quota or from none: all windows
// are validated before the first counter moves.
type QuotaRegistry struct {
	mu         sync.Mutex
	quotas     map[string]*Quota
	order      []string // quota IDs, creation order
	usage      map[usageKey]*usageWindow
	violations []QuotaViolation
	logger     *log.Logger
	now        func() int64
}

// NewQuotaRegistry returns an empty registry.
func NewQuotaRegistry() *QuotaRegistry {
	return &QuotaRegistry{
		quotas: make(map[string]*Quota),
		usage:  make(map[usageKey]*usageWindow),
		logger: log.New(log.Writer(), "[Quotas] ", log.LstdFlags),
		now:    utcNowEpoch,
	}
}

// CreateQuota registers a capability quota for an agent.
func (r *QuotaRegistry) CreateQuota(agentID, resource string, maxValue, periodSeconds int64, description string) (*Quota, error) {
	if !validResources[resource] {
		return nil, fmt.Errorf("resource must be one of %v: %w", ValidResources, store.ErrInvalidArgument)
	}
	if maxValue <= 0 {
		return nil, fmt.Errorf("max_value must be positive: %w", store.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q := &Quota{
		QuotaID:        "quota-" + randomHex(6),
		AgentID:        agentID,
		Resource:       resource,
		MaxValue:       maxValue,
		PeriodSeconds:  periodSeconds,
		Description:    description,
		Enabled:        true,
		CreatedAtEpoch: r.now(),
	}
	r.quotas[q.QuotaID] = q
	r.order = append(r.order, q.QuotaID)
	r.evictLocked()

	out := *q
	return &out, nil
}

// GetQuota fetches one quota by id.
func (r *QuotaRegistry) GetQuota(quotaID string) (*Quota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotas[quotaID]
	if !ok {
		return nil, fmt.Errorf("quota not found: %s: %w", quotaID, store.ErrNotFound)
	}
	out := *q
	return &out, nil
}

// ListQuotas returns quotas newest first, optionally filtered by agent
// and resource. Empty filters match everything.
func (r *QuotaRegistry) ListQuotas(agentID, resource string, limit int) []Quota {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]Quota, 0)
	for i := len(r.order) - 1; i >= 0 && len(results) < limit; i-- {
		q := r.quotas[r.order[i]]
		if agentID != "" && q.AgentID != agentID {
			continue
		}
		if resource != "" && q.Resource != resource {
			continue
		}
		results = append(results, *q)
	}
	return results
}

// CheckQuota verifies and consumes quota for one operation. Every
// enabled quota matching (agent, resource) is checked against its
// window first; only when all of them admit the amount does any counter
// advance. A denial records a violation and consumes nothing.
func (r *QuotaRegistry) CheckQuota(agentID, resource string, amount int64) (*QuotaDecision, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", store.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var matching []*Quota
	for _, id := range r.order {
		q := r.quotas[id]
		if q.AgentID == agentID && q.Resource == resource && q.Enabled {
			matching = append(matching, q)
		}
	}
	if len(matching) == 0 {
		return &QuotaDecision{Allowed: true, Reason: "no_quota", AgentID: agentID, Resource: resource}, nil
	}

	now := r.now()

	type pendingConsume struct {
		quota       *Quota
		key         usageKey
		used        int64
		windowStart int64
	}
	states := make([]pendingConsume, 0, len(matching))
	for _, q := range matching {
		key := usageKey{agentID: agentID, resource: resource, quotaID: q.QuotaID}
		used, start := int64(0), now
		if w, ok := r.usage[key]; ok {
			used, start = w.used, w.windowStart
			if q.PeriodSeconds > 0 && now-start > q.PeriodSeconds {
				used, start = 0, now
			}
		}
		if used+amount > q.MaxValue {
			r.violations = append(r.violations, QuotaViolation{
				AgentID:   agentID,
				Resource:  resource,
				QuotaID:   q.QuotaID,
				Used:      used,
				MaxValue:  q.MaxValue,
				Requested: amount,
				Timestamp: now,
			})
			if len(r.violations) > maxRecords {
				r.violations = append([]QuotaViolation(nil), r.violations[len(r.violations)-maxRecords:]...)
			}
			r.logger.Printf("⚠️ Quota exceeded for %s/%s: %d+%d > %d (quota %s)",
				agentID, resource, used, amount, q.MaxValue, q.QuotaID)
			return &QuotaDecision{
				Allowed:   false,
				Reason:    "quota_exceeded",
				AgentID:   agentID,
				Resource:  resource,
				QuotaID:   q.QuotaID,
				Used:      used,
				MaxValue:  q.MaxValue,
				Remaining: q.MaxValue - used,
			}, nil
		}
		states = append(states, pendingConsume{quota: q, key: key, used: used, windowStart: start})
	}

	decision := &QuotaDecision{Allowed: true, AgentID: agentID, Resource: resource}
	for i, st := range states {
		used := st.used + amount
		r.usage[st.key] = &usageWindow{used: used, windowStart: st.windowStart}
		remaining := st.quota.MaxValue - used
		if i == 0 || remaining < decision.Remaining {
			decision.Used = used
			decision.MaxValue = st.quota.MaxValue
			decision.Remaining = remaining
		}
	}
	return decision, nil
}

// UpdateQuota changes a quota's cap or enabled bit. Nil leaves a field
// untouched.
func (r *QuotaRegistry) UpdateQuota(quotaID string, maxValue *int64, enabled *bool) (*Quota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotas[quotaID]
	if !ok {
		return nil, fmt.Errorf("quota not found: %s: %w", quotaID, store.ErrNotFound)
	}
	if maxValue != nil {
		if *maxValue <= 0 {
			return nil, fmt.Errorf("max_value must be positive: %w", store.ErrInvalidArgument)
		}
		q.MaxValue = *maxValue
	}
	if enabled != nil {
		q.Enabled = *enabled
	}
	out := *q
	return &out, nil
}

// Usage reports an agent's counters, optionally filtered by resource.
// Counters are reported raw; windows are only reset on consumption.
func (r *QuotaRegistry) Usage(agentID, resource string) *UsageReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := make([]UsageRow, 0)
	for key, w := range r.usage {
		if key.agentID != agentID {
			continue
		}
		if resource != "" && key.resource != resource {
			continue
		}
		maxVal, remaining := int64(0), int64(0)
		if q, ok := r.quotas[key.quotaID]; ok {
			maxVal = q.MaxValue
			remaining = maxVal - w.used
		}
		rows = append(rows, UsageRow{
			Resource:  key.resource,
			QuotaID:   key.quotaID,
			Used:      w.used,
			MaxValue:  maxVal,
			Remaining: remaining,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Resource != rows[j].Resource {
			return rows[i].Resource < rows[j].Resource
		}
		return rows[i].QuotaID < rows[j].QuotaID
	})
	return &UsageReport{AgentID: agentID, Usage: rows, Total: len(rows)}
}

// Violations returns the violation log newest first, optionally
// filtered by agent.
func (r *QuotaRegistry) Violations(agentID string, limit int) []QuotaViolation {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]QuotaViolation, 0)
	for i := len(r.violations) - 1; i >= 0 && len(results) < limit; i-- {
		v := r.violations[i]
		if agentID != "" && v.AgentID != agentID {
			continue
		}
		results = append(results, v)
	}
	return results
}

// Stats summarizes the registry.
func (r *QuotaRegistry) Stats() *QuotaStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &QuotaStats{
		TotalQuotas:     len(r.quotas),
		ByResource:      make(map[string]int),
		TotalViolations: len(r.violations),
	}
	for _, q := range r.quotas {
		if q.Enabled {
			stats.EnabledQuotas++
		}
		stats.ByResource[q.Resource]++
	}
	return stats
}

func (r *QuotaRegistry) evictLocked() {
	if len(r.order) <= maxRecords {
		return
	}
	overflow := len(r.order) - maxRecords
	for _, id := range r.order[:overflow] {
		delete(r.quotas, id)
	}
	r.order = append([]string(nil), r.order[overflow:]...)
}
