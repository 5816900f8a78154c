package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agenthub/aicp/internal/store"
)

// HasScope reports whether the granted set covers the required scope.
// The wildcard grants everything.
func HasScope(granted []string, required string) bool {
	for _, s := range granted {
		if s == WildcardScope || s == required {
			return true
		}
	}
	return false
}

// AttenuateScopes computes the effective scopes of a delegation edge.
// The requested set must be a subset of the parent set; a wildcard parent
// permits any requested set. The result is sorted and deduplicated.
func AttenuateScopes(parentScopes, requestedScopes []string) ([]string, error) {
	for _, s := range parentScopes {
		if s == WildcardScope {
			return normalizeScopes(requestedScopes), nil
		}
	}

	parentSet := make(map[string]bool, len(parentScopes))
	for _, s := range parentScopes {
		parentSet[s] = true
	}

	var excess []string
	for _, s := range normalizeScopes(requestedScopes) {
		if !parentSet[s] {
			excess = append(excess, s)
		}
	}
	if len(excess) > 0 {
		return nil, fmt.Errorf("scope escalation denied: %v not in parent scopes: %w", excess, store.ErrInvalidArgument)
	}

	return normalizeScopes(requestedScopes), nil
}

// normalizeScopes trims, deduplicates, and sorts a scope list.
func normalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
