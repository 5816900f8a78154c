// Package runtime enforces per-agent execution guardrails: capability
// quotas with rolling windows, IP allow/deny rules, scope-narrowed
// tokens, and JIT credentials bound to sandbox lifecycles. Quota, rule,
// and token registries are in-memory with bounded retention; JIT
// credentials persist through the identity store so revocation cascades
// reach them.
package runtime

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/aicp/internal/identity"
)

// maxRecords bounds every in-memory registry and log. Oldest entries
// are dropped first.
const maxRecords = 10_000

// Service bundles the runtime guardrail surfaces behind one handle.
type Service struct {
	Quotas    *QuotaRegistry
	IPRules   *IPRuleSet
	Narrowing *ScopeNarrower
	JIT       *JITBinder
	Sandboxes *SandboxRegistry
}

// NewService wires the guardrail registries. JIT credentials are
// written to the identity store so the kill switch and session listing
// see them like any other credential.
func NewService(identities *identity.Store) *Service {
	jit := NewJITBinder(identities)
	return &Service{
		Quotas:    NewQuotaRegistry(),
		IPRules:   NewIPRuleSet(),
		Narrowing: NewScopeNarrower(),
		JIT:       jit,
		Sandboxes: NewSandboxRegistry(jit),
	}
}

func utcNowEpoch() int64 {
	return time.Now().Unix()
}

// randomHex returns n bytes of fresh UUID entropy as 2n hex chars.
func randomHex(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:n])
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
