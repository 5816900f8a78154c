package runtime

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/agenthub/aicp/internal/identity"
	"github.com/agenthub/aicp/internal/store"
)

// DefaultNarrowedTTLSeconds bounds a narrowed token's lifetime when the
// caller does not pick one.
const DefaultNarrowedTTLSeconds = 3600

// Narrowing log actions.
const (
	NarrowActionNarrow = "narrow"
	NarrowActionRevoke = "revoke"
)

// NarrowedToken is a time-boxed token carrying a subset of its parent's
// scopes. Narrowing never re-authenticates; it only sheds authority.
type NarrowedToken struct {
	TokenID        string   `json:"token_id"`
	ParentTokenID  string   `json:"parent_token_id"`
	AgentID        string   `json:"agent_id"`
	OriginalScopes []string `json:"original_scopes"`
	NarrowedScopes []string `json:"narrowed_scopes"`
	ScopesRemoved  []string `json:"scopes_removed"`
	Reason         string   `json:"reason"`
	TTLSeconds     int64    `json:"ttl_seconds"`
	IssuedAtEpoch  int64    `json:"issued_at_epoch"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
	Active         bool     `json:"active"`
	RevokedAtEpoch *int64   `json:"revoked_at_epoch,omitempty"`
}

// NarrowRequest asks for a narrowed token.
type NarrowRequest struct {
	ParentTokenID   string   `json:"parent_token_id"`
	ParentScopes    []string `json:"parent_scopes"`
	RequestedScopes []string `json:"requested_scopes"`
	AgentID         string   `json:"agent_id"`
	TTLSeconds      int64    `json:"ttl_seconds"`
	Reason          string   `json:"reason"`
}

// NarrowingEvent is one narrowing-log entry.
type NarrowingEvent struct {
	TokenID       string   `json:"token_id"`
	ParentTokenID string   `json:"parent_token_id"`
	AgentID       string   `json:"agent_id"`
	Action        string   `json:"action"`
	FromScopes    []string `json:"from_scopes,omitempty"`
	ToScopes      []string `json:"to_scopes,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// TokenValidation reports whether a narrowed token is usable.
type TokenValidation struct {
	Valid          bool     `json:"valid"`
	Reason         string   `json:"reason,omitempty"`
	TokenID        string   `json:"token_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	ExpiresIn      int64    `json:"expires_in,omitempty"`
	ExpiredAtEpoch int64    `json:"expired_at_epoch,omitempty"`
}

// NarrowingStats summarizes issued tokens and log volume.
type NarrowingStats struct {
	TotalNarrowedTokens  int `json:"total_narrowed_tokens"`
	ActiveTokens         int `json:"active_tokens"`
	ExpiredTokens        int `json:"expired_tokens"`
	RevokedTokens        int `json:"revoked_tokens"`
	TotalNarrowingEvents int `json:"total_narrowing_events"`
}

// ScopeNarrower issues and tracks narrowed tokens. A wildcard parent
// permits any subset; otherwise every requested scope must already be
// granted.
type ScopeNarrower struct {
	mu     sync.Mutex
	tokens map[string]*NarrowedToken
	order  []string // token IDs, creation order
	events []NarrowingEvent
	logger *log.Logger
	now    func() int64
}

// NewScopeNarrower returns an empty narrower.
func NewScopeNarrower() *ScopeNarrower {
	return &ScopeNarrower{
		tokens: make(map[string]*NarrowedToken),
		logger: log.New(log.Writer(), "[Narrowing] ", log.LstdFlags),
		now:    utcNowEpoch,
	}
}

// NarrowScope issues a token carrying a subset of the parent's scopes.
// Requesting any scope outside the parent grant fails; the request can
// shed authority but never add it.
func (n *ScopeNarrower) NarrowScope(req NarrowRequest) (*NarrowedToken, error) {
	if len(req.RequestedScopes) == 0 {
		return nil, fmt.Errorf("requested_scopes must not be empty: %w", store.ErrInvalidArgument)
	}

	parentSet := scopeSet(req.ParentScopes)
	if _, wildcard := parentSet[identity.WildcardScope]; !wildcard {
		var extra []string
		for _, s := range req.RequestedScopes {
			if _, ok := parentSet[s]; !ok {
				extra = append(extra, s)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, fmt.Errorf("scope escalation denied: %v not in parent scopes: %w", extra, store.ErrInvalidArgument)
		}
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultNarrowedTTLSeconds
	}

	requestedSet := scopeSet(req.RequestedScopes)
	var removed []string
	for s := range parentSet {
		if _, ok := requestedSet[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(removed)
	if removed == nil {
		removed = []string{}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	token := &NarrowedToken{
		TokenID:        "nt-" + randomHex(6),
		ParentTokenID:  req.ParentTokenID,
		AgentID:        req.AgentID,
		OriginalScopes: sortedCopy(req.ParentScopes),
		NarrowedScopes: sortedCopy(req.RequestedScopes),
		ScopesRemoved:  removed,
		Reason:         req.Reason,
		TTLSeconds:     ttl,
		IssuedAtEpoch:  now,
		ExpiresAtEpoch: now + ttl,
		Active:         true,
	}
	n.tokens[token.TokenID] = token
	n.order = append(n.order, token.TokenID)

	n.appendEventLocked(NarrowingEvent{
		TokenID:       token.TokenID,
		ParentTokenID: req.ParentTokenID,
		AgentID:       req.AgentID,
		Action:        NarrowActionNarrow,
		FromScopes:    token.OriginalScopes,
		ToScopes:      token.NarrowedScopes,
		Timestamp:     now,
	})

	if len(n.order) > maxRecords {
		overflow := len(n.order) - maxRecords
		for _, id := range n.order[:overflow] {
			delete(n.tokens, id)
		}
		n.order = append([]string(nil), n.order[overflow:]...)
	}

	n.logger.Printf("✨ Narrowed token %s for agent %s: %v → %v",
		token.TokenID, req.AgentID, token.OriginalScopes, token.NarrowedScopes)

	out := cloneNarrowedToken(token)
	return out, nil
}

// GetNarrowedToken fetches one narrowed token by id.
func (n *ScopeNarrower) GetNarrowedToken(tokenID string) (*NarrowedToken, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	token, ok := n.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("narrowed token not found: %s: %w", tokenID, store.ErrNotFound)
	}
	return cloneNarrowedToken(token), nil
}

// ListNarrowedTokens returns tokens newest first with optional filters.
// activeOnly drops revoked and expired tokens.
func (n *ScopeNarrower) ListNarrowedTokens(agentID, parentTokenID string, activeOnly bool, limit int) []NarrowedToken {
	if limit <= 0 {
		limit = 100
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	results := make([]NarrowedToken, 0)
	for i := len(n.order) - 1; i >= 0 && len(results) < limit; i-- {
		token := n.tokens[n.order[i]]
		if agentID != "" && token.AgentID != agentID {
			continue
		}
		if parentTokenID != "" && token.ParentTokenID != parentTokenID {
			continue
		}
		if activeOnly && (!token.Active || token.ExpiresAtEpoch < now) {
			continue
		}
		results = append(results, *cloneNarrowedToken(token))
	}
	return results
}

// ValidateNarrowedToken reports whether a token is still usable and how
// long it has left.
func (n *ScopeNarrower) ValidateNarrowedToken(tokenID string) *TokenValidation {
	n.mu.Lock()
	defer n.mu.Unlock()

	token, ok := n.tokens[tokenID]
	if !ok {
		return &TokenValidation{Valid: false, Reason: "not_found"}
	}
	if !token.Active {
		return &TokenValidation{Valid: false, Reason: "revoked", TokenID: tokenID}
	}
	now := n.now()
	if token.ExpiresAtEpoch < now {
		return &TokenValidation{Valid: false, Reason: "expired", TokenID: tokenID, ExpiredAtEpoch: token.ExpiresAtEpoch}
	}
	return &TokenValidation{
		Valid:     true,
		TokenID:   tokenID,
		AgentID:   token.AgentID,
		Scopes:    append([]string(nil), token.NarrowedScopes...),
		ExpiresIn: token.ExpiresAtEpoch - now,
	}
}

// RevokeNarrowedToken deactivates a token and records the revocation.
func (n *ScopeNarrower) RevokeNarrowedToken(tokenID string) (*NarrowedToken, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	token, ok := n.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("narrowed token not found: %s: %w", tokenID, store.ErrNotFound)
	}

	now := n.now()
	token.Active = false
	token.RevokedAtEpoch = &now

	n.appendEventLocked(NarrowingEvent{
		TokenID:       tokenID,
		ParentTokenID: token.ParentTokenID,
		AgentID:       token.AgentID,
		Action:        NarrowActionRevoke,
		Timestamp:     now,
	})
	n.logger.Printf("🛑 Narrowed token %s revoked (agent %s)", tokenID, token.AgentID)

	return cloneNarrowedToken(token), nil
}

// NarrowingLog returns narrowing history newest first, optionally
// filtered by agent.
func (n *ScopeNarrower) NarrowingLog(agentID string, limit int) []NarrowingEvent {
	if limit <= 0 {
		limit = 100
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	results := make([]NarrowingEvent, 0)
	for i := len(n.events) - 1; i >= 0 && len(results) < limit; i-- {
		event := n.events[i]
		if agentID != "" && event.AgentID != agentID {
			continue
		}
		results = append(results, event)
	}
	return results
}

// Stats summarizes issued tokens and log volume.
func (n *ScopeNarrower) Stats() *NarrowingStats {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	stats := &NarrowingStats{
		TotalNarrowedTokens:  len(n.tokens),
		TotalNarrowingEvents: len(n.events),
	}
	for _, token := range n.tokens {
		if token.Active && token.ExpiresAtEpoch > now {
			stats.ActiveTokens++
		}
		if token.ExpiresAtEpoch < now {
			stats.ExpiredTokens++
		}
		if !token.Active {
			stats.RevokedTokens++
		}
	}
	return stats
}

func (n *ScopeNarrower) appendEventLocked(event NarrowingEvent) {
	n.events = append(n.events, event)
	if len(n.events) > maxRecords {
		n.events = append([]NarrowingEvent(nil), n.events[len(n.events)-maxRecords:]...)
	}
}

func cloneNarrowedToken(t *NarrowedToken) *NarrowedToken {
	out := *t
	if t.RevokedAtEpoch != nil {
		at := *t.RevokedAtEpoch
		out.RevokedAtEpoch = &at
	}
	return &out
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}
