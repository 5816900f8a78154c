package runtime

import (
	"fmt"
	"log"
	"net/netip"
	"strings"
	"sync"

	"github.com/agenthub/aicp/internal/store"
)

// IP rule types. Deny rules always win over allow rules.
const (
	RuleTypeAllow = "allow"
	RuleTypeDeny  = "deny"
)

// IPRule restricts which source addresses an agent may call from.
type IPRule struct {
	RuleID         string   `json:"rule_id"`
	AgentID        string   `json:"agent_id"`
	Name           string   `json:"name"`
	RuleType       string   `json:"rule_type"`
	CIDRs          []string `json:"cidrs"`
	Description    string   `json:"description"`
	Enabled        bool     `json:"enabled"`
	CreatedAtEpoch int64    `json:"created_at_epoch"`

	prefixes []netip.Prefix
}

// IPDecision is the outcome of one address check.
type IPDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	RuleID      string `json:"rule_id,omitempty"`
	MatchedCIDR string `json:"matched_cidr,omitempty"`
	AgentID     string `json:"agent_id"`
	IPAddress   string `json:"ip_address"`
}

// AccessLogEntry is one recorded address check.
type AccessLogEntry struct {
	IPDecision
	CheckedAtEpoch int64 `json:"checked_at_epoch"`
}

// IPStats summarizes rules and check history.
type IPStats struct {
	TotalRules    int `json:"total_rules"`
	EnabledRules  int `json:"enabled_rules"`
	AllowRules    int `json:"allow_rules"`
	DenyRules     int `json:"deny_rules"`
	TotalChecks   int `json:"total_checks"`
	AllowedChecks int `json:"allowed_checks"`
	DeniedChecks  int `json:"denied_checks"`
}

// IPRuleSet evaluates per-agent IP restrictions. Deny rules take
// precedence; when any allow rule exists the address must match one.
// Every check appends to the access log.
type IPRuleSet struct {
	mu        sync.Mutex
	rules     map[string]*IPRule
	order     []string // rule IDs, creation order
	accessLog []AccessLogEntry
	logger    *log.Logger
	now       func() int64
}

// NewIPRuleSet returns an empty rule set.
func NewIPRuleSet() *IPRuleSet {
	return &IPRuleSet{
		rules:  make(map[string]*IPRule),
		logger: log.New(log.Writer(), "[IPRules] ", log.LstdFlags),
		now:    utcNowEpoch,
	}
}

// CreateRule registers an allow or deny rule. Every CIDR must parse; a
// bare address is treated as a single-host prefix.
func (r *IPRuleSet) CreateRule(agentID, name, ruleType string, cidrs []string, description string) (*IPRule, error) {
	if ruleType != RuleTypeAllow && ruleType != RuleTypeDeny {
		return nil, fmt.Errorf("rule_type must be %q or %q: %w", RuleTypeAllow, RuleTypeDeny, store.ErrInvalidArgument)
	}

	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := parseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %v: %w", cidr, err, store.ErrInvalidArgument)
		}
		prefixes = append(prefixes, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rule := &IPRule{
		RuleID:         "ipr-" + randomHex(6),
		AgentID:        agentID,
		Name:           name,
		RuleType:       ruleType,
		CIDRs:          append([]string(nil), cidrs...),
		Description:    description,
		Enabled:        true,
		CreatedAtEpoch: r.now(),
		prefixes:       prefixes,
	}
	r.rules[rule.RuleID] = rule
	r.order = append(r.order, rule.RuleID)
	if len(r.order) > maxRecords {
		overflow := len(r.order) - maxRecords
		for _, id := range r.order[:overflow] {
			delete(r.rules, id)
		}
		r.order = append([]string(nil), r.order[overflow:]...)
	}

	out := *rule
	return &out, nil
}

// GetRule fetches one rule by id.
func (r *IPRuleSet) GetRule(ruleID string) (*IPRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("IP rule not found: %s: %w", ruleID, store.ErrNotFound)
	}
	out := *rule
	return &out, nil
}

// ListRules returns rules newest first, optionally filtered by agent
// and rule type.
func (r *IPRuleSet) ListRules(agentID, ruleType string, limit int) []IPRule {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]IPRule, 0)
	for i := len(r.order) - 1; i >= 0 && len(results) < limit; i-- {
		rule := r.rules[r.order[i]]
		if agentID != "" && rule.AgentID != agentID {
			continue
		}
		if ruleType != "" && rule.RuleType != ruleType {
			continue
		}
		results = append(results, *rule)
	}
	return results
}

// CheckIP evaluates an address against the agent's enabled rules and
// records the outcome.
func (r *IPRuleSet) CheckIP(agentID, ipAddress string) (*IPDecision, error) {
	addr, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid IP address %q: %v: %w", ipAddress, err, store.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var agentRules []*IPRule
	for _, id := range r.order {
		rule := r.rules[id]
		if rule.AgentID == agentID && rule.Enabled {
			agentRules = append(agentRules, rule)
		}
	}
	if len(agentRules) == 0 {
		return r.recordLocked(&IPDecision{Allowed: true, Reason: "no_rules", AgentID: agentID, IPAddress: ipAddress}), nil
	}

	for _, rule := range agentRules {
		if rule.RuleType != RuleTypeDeny {
			continue
		}
		for i, p := range rule.prefixes {
			if p.Contains(addr) {
				return r.recordLocked(&IPDecision{
					Allowed:     false,
					Reason:      "denied",
					RuleID:      rule.RuleID,
					MatchedCIDR: rule.CIDRs[i],
					AgentID:     agentID,
					IPAddress:   ipAddress,
				}), nil
			}
		}
	}

	hasAllow := false
	for _, rule := range agentRules {
		if rule.RuleType != RuleTypeAllow {
			continue
		}
		hasAllow = true
		for i, p := range rule.prefixes {
			if p.Contains(addr) {
				return r.recordLocked(&IPDecision{
					Allowed:     true,
					Reason:      "allowed",
					RuleID:      rule.RuleID,
					MatchedCIDR: rule.CIDRs[i],
					AgentID:     agentID,
					IPAddress:   ipAddress,
				}), nil
			}
		}
	}
	if hasAllow {
		return r.recordLocked(&IPDecision{Allowed: false, Reason: "not_in_allowlist", AgentID: agentID, IPAddress: ipAddress}), nil
	}
	return r.recordLocked(&IPDecision{Allowed: true, Reason: "not_denied", AgentID: agentID, IPAddress: ipAddress}), nil
}

// DisableRule switches a rule off without deleting it.
func (r *IPRuleSet) DisableRule(ruleID string) (*IPRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("IP rule not found: %s: %w", ruleID, store.ErrNotFound)
	}
	rule.Enabled = false
	out := *rule
	return &out, nil
}

// AccessLog returns check history newest first, optionally filtered by
// agent.
func (r *IPRuleSet) AccessLog(agentID string, limit int) []AccessLogEntry {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]AccessLogEntry, 0)
	for i := len(r.accessLog) - 1; i >= 0 && len(results) < limit; i-- {
		entry := r.accessLog[i]
		if agentID != "" && entry.AgentID != agentID {
			continue
		}
		results = append(results, entry)
	}
	return results
}

// Stats summarizes rules and check history.
func (r *IPRuleSet) Stats() *IPStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &IPStats{
		TotalRules:  len(r.rules),
		TotalChecks: len(r.accessLog),
	}
	for _, rule := range r.rules {
		if rule.Enabled {
			stats.EnabledRules++
		}
		switch rule.RuleType {
		case RuleTypeAllow:
			stats.AllowRules++
		case RuleTypeDeny:
			stats.DenyRules++
		}
	}
	for _, entry := range r.accessLog {
		if entry.Allowed {
			stats.AllowedChecks++
		}
	}
	stats.DeniedChecks = stats.TotalChecks - stats.AllowedChecks
	return stats
}

func (r *IPRuleSet) recordLocked(d *IPDecision) *IPDecision {
	if !d.Allowed {
		r.logger.Printf("🛑 IP %s denied for agent %s (%s)", d.IPAddress, d.AgentID, d.Reason)
	}
	r.accessLog = append(r.accessLog, AccessLogEntry{IPDecision: *d, CheckedAtEpoch: r.now()})
	if len(r.accessLog) > maxRecords {
		r.accessLog = append([]AccessLogEntry(nil), r.accessLog[len(r.accessLog)-maxRecords:]...)
	}
	return d
}

// parseCIDR accepts "10.0.0.0/24" style prefixes and bare addresses,
// masking host bits so containment checks are exact.
func parseCIDR(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}
