package audit

// EventType names an auditable control-plane operation.
type EventType string

const (
	EventCredentialIssued  EventType = "credential.issued"
	EventCredentialRotated EventType = "credential.rotated"
	EventCredentialRevoked EventType = "credential.revoked"
	EventDelegationCreated EventType = "delegation.created"
	EventDelegationRevoked EventType = "delegation.revoked"
	EventPolicyEvaluated   EventType = "policy.evaluated"
	EventPolicyDenied      EventType = "policy.denied"
	EventIdentityCreated   EventType = "identity.created"
	EventIdentitySuspended EventType = "identity.suspended"
	EventLeasePromoted     EventType = "lease.promoted"
	EventBreakerTransition EventType = "breaker.transition"
)

// Severity levels attached to every event.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AllEventTypes lists every type the bus accepts, in catalog order.
var AllEventTypes = []EventType{
	EventCredentialIssued,
	EventCredentialRotated,
	EventCredentialRevoked,
	EventDelegationCreated,
	EventDelegationRevoked,
	EventPolicyEvaluated,
	EventPolicyDenied,
	EventIdentityCreated,
	EventIdentitySuspended,
	EventLeasePromoted,
	EventBreakerTransition,
}

// eventSeverity maps each event type to its default severity. Emitters
// may override per event.
var eventSeverity = map[EventType]string{
	EventCredentialIssued:  SeverityInfo,
	EventCredentialRotated: SeverityInfo,
	EventCredentialRevoked: SeverityWarning,
	EventDelegationCreated: SeverityInfo,
	EventDelegationRevoked: SeverityWarning,
	EventPolicyEvaluated:   SeverityInfo,
	EventPolicyDenied:      SeverityWarning,
	EventIdentityCreated:   SeverityInfo,
	EventIdentitySuspended: SeverityCritical,
	EventLeasePromoted:     SeverityInfo,
	EventBreakerTransition: SeverityWarning,
}

var validEventTypes = func() map[EventType]bool {
	m := make(map[EventType]bool, len(AllEventTypes))
	for _, et := range AllEventTypes {
		m[et] = true
	}
	return m
}()

var validSeverities = map[string]bool{
	SeverityInfo:     true,
	SeverityWarning:  true,
	SeverityCritical: true,
}

const (
	// eventSource is the CloudEvents source for everything this bus emits.
	eventSource = "agenthub"

	// cloudEventTypePrefix namespaces event types in the CloudEvents
	// "type" attribute, e.g. com.agenthub.credential.issued.
	cloudEventTypePrefix = "com.agenthub."
)

// Event is the CloudEvents 1.0 envelope carried by the bus, webhook
// deliveries, and the live stream. The specversion/id/source/type/time
// attributes follow the CNCF spec; the rest are AgentHub extensions.
type Event struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Time        int64          `json:"time"`
	EventType   EventType      `json:"event_type"`
	AgentID     string         `json:"agent_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Severity    string         `json:"severity"`
	Detail      map[string]any `json:"detail"`
}

// DefaultSeverity returns the catalog severity for an event type, or
// info for types outside the catalog.
func DefaultSeverity(et EventType) string {
	if sev, ok := eventSeverity[et]; ok {
		return sev
	}
	return SeverityInfo
}

func cloneEvent(e *Event) *Event {
	out := *e
	out.Detail = cloneDetail(e.Detail)
	return &out
}

func cloneDetail(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
