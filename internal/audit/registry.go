package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/agenthub/aicp/internal/store"
)

// failureDisableThreshold is the consecutive-failure count at which a
// subscription is switched off.
const failureDisableThreshold = 10

// WebhookSubscription is one registered delivery target. Secret is
// kept in memory for signing and masked on every outward copy.
type WebhookSubscription struct {
	WebhookID           string      `json:"webhook_id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"secret,omitempty"`
	EventTypes          []EventType `json:"event_types"`
	SeverityFilter      string      `json:"severity_filter,omitempty"`
	AgentFilter         string      `json:"agent_filter,omitempty"`
	Description         string      `json:"description,omitempty"`
	Active              bool        `json:"active"`
	CreatedAtEpoch      int64       `json:"created_at_epoch"`
	DeliveryCount       int64       `json:"delivery_count"`
	FailureCount        int64       `json:"failure_count"`
	LastDeliveryAtEpoch int64       `json:"last_delivery_at_epoch,omitempty"`
}

// RegisterWebhookInput describes a new subscription. Empty EventTypes
// subscribes to the whole catalog.
type RegisterWebhookInput struct {
	URL            string      `json:"url"`
	Secret         string      `json:"secret,omitempty"`
	EventTypes     []EventType `json:"event_types,omitempty"`
	SeverityFilter string      `json:"severity_filter,omitempty"`
	AgentFilter    string      `json:"agent_filter,omitempty"`
	Description    string      `json:"description,omitempty"`
}

// WebhookRegistry stores webhook subscriptions and their delivery
// health counters.
type WebhookRegistry struct {
	mu     sync.Mutex
	hooks  map[string]*WebhookSubscription
	order  []string
	logger *log.Logger
	now    func() int64
}

// NewWebhookRegistry creates an empty registry.
func NewWebhookRegistry() *WebhookRegistry {
	return &WebhookRegistry{
		hooks:  make(map[string]*WebhookSubscription),
		logger: log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
		now:    utcNowEpoch,
	}
}

// Register adds a subscription and returns its sanitized view.
func (r *WebhookRegistry) Register(in RegisterWebhookInput) (*WebhookSubscription, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("webhook url is required: %w", store.ErrInvalidArgument)
	}
	if in.SeverityFilter != "" && !validSeverities[in.SeverityFilter] {
		return nil, fmt.Errorf("unknown severity %q: %w", in.SeverityFilter, store.ErrInvalidArgument)
	}
	types := in.EventTypes
	if len(types) == 0 {
		types = append([]EventType(nil), AllEventTypes...)
	}
	for _, et := range types {
		if !validEventTypes[et] {
			return nil, fmt.Errorf("unknown event type in filter %q: %w", et, store.ErrInvalidArgument)
		}
	}

	sub := &WebhookSubscription{
		WebhookID:      "wh-" + randomHex(6),
		URL:            in.URL,
		Secret:         in.Secret,
		EventTypes:     append([]EventType(nil), types...),
		SeverityFilter: in.SeverityFilter,
		AgentFilter:    in.AgentFilter,
		Description:    in.Description,
		Active:         true,
		CreatedAtEpoch: r.now(),
	}

	r.mu.Lock()
	r.hooks[sub.WebhookID] = sub
	r.order = append(r.order, sub.WebhookID)
	if overflow := len(r.order) - maxRecords; overflow > 0 {
		for _, id := range r.order[:overflow] {
			delete(r.hooks, id)
		}
		r.order = append([]string(nil), r.order[overflow:]...)
	}
	r.mu.Unlock()

	r.logger.Printf("✨ Webhook %s registered → %s (%d event types)", sub.WebhookID, sub.URL, len(sub.EventTypes))
	return sanitizeWebhook(sub), nil
}

// Get returns one subscription with the secret masked.
func (r *WebhookRegistry) Get(webhookID string) (*WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[webhookID]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", webhookID, store.ErrNotFound)
	}
	return sanitizeWebhook(sub), nil
}

// List returns subscriptions newest-first, optionally active only.
func (r *WebhookRegistry) List(activeOnly bool) []*WebhookSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*WebhookSubscription, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		sub := r.hooks[r.order[i]]
		if activeOnly && !sub.Active {
			continue
		}
		out = append(out, sanitizeWebhook(sub))
	}
	return out
}

// Deactivate switches a subscription off without deleting it.
func (r *WebhookRegistry) Deactivate(webhookID string) (*WebhookSubscription, error) {
	sub, err := r.setActive(webhookID, false)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("🛑 Webhook %s deactivated", webhookID)
	return sub, nil
}

// Activate switches a subscription back on and resets its failure
// counter.
func (r *WebhookRegistry) Activate(webhookID string) (*WebhookSubscription, error) {
	r.mu.Lock()
	sub, ok := r.hooks[webhookID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("webhook %s: %w", webhookID, store.ErrNotFound)
	}
	sub.Active = true
	sub.FailureCount = 0
	out := sanitizeWebhook(sub)
	r.mu.Unlock()

	r.logger.Printf("✅ Webhook %s re-activated", webhookID)
	return out, nil
}

func (r *WebhookRegistry) setActive(webhookID string, active bool) (*WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[webhookID]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", webhookID, store.ErrNotFound)
	}
	sub.Active = active
	return sanitizeWebhook(sub), nil
}

// matching returns unsanitized subscriptions whose filters accept the
// event. The dispatcher needs the real secret for signing.
func (r *WebhookRegistry) matching(event *Event) []*WebhookSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*WebhookSubscription
	for _, id := range r.order {
		sub := r.hooks[id]
		if !sub.Active {
			continue
		}
		if !subscribesTo(sub, event.EventType) {
			continue
		}
		if sub.SeverityFilter != "" && event.Severity != sub.SeverityFilter {
			continue
		}
		if sub.AgentFilter != "" && event.AgentID != sub.AgentFilter {
			continue
		}
		copied := *sub
		copied.EventTypes = append([]EventType(nil), sub.EventTypes...)
		out = append(out, &copied)
	}
	return out
}

// forDispatch returns an unsanitized copy for the dispatcher, which
// needs the secret to sign retried payloads.
func (r *WebhookRegistry) forDispatch(webhookID string) (*WebhookSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[webhookID]
	if !ok {
		return nil, false
	}
	copied := *sub
	copied.EventTypes = append([]EventType(nil), sub.EventTypes...)
	return &copied, true
}

// MarkDelivered bumps the delivery counter after a successful POST.
func (r *WebhookRegistry) MarkDelivered(webhookID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[webhookID]
	if !ok {
		return
	}
	sub.DeliveryCount++
	sub.LastDeliveryAtEpoch = r.now()
}

// MarkFailed bumps the failure counter and disables the subscription
// once it crosses the threshold.
func (r *WebhookRegistry) MarkFailed(webhookID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[webhookID]
	if !ok {
		return
	}
	sub.FailureCount++
	if sub.FailureCount >= failureDisableThreshold && sub.Active {
		sub.Active = false
		r.logger.Printf("⚠️ Webhook %s disabled after %d failures", webhookID, sub.FailureCount)
	}
}

// ActiveCount reports how many subscriptions are switched on.
func (r *WebhookRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, sub := range r.hooks {
		if sub.Active {
			n++
		}
	}
	return n
}

func subscribesTo(sub *WebhookSubscription, et EventType) bool {
	for _, t := range sub.EventTypes {
		if t == et {
			return true
		}
	}
	return false
}

func sanitizeWebhook(sub *WebhookSubscription) *WebhookSubscription {
	out := *sub
	out.EventTypes = append([]EventType(nil), sub.EventTypes...)
	if out.Secret != "" {
		out.Secret = "***"
	}
	return &out
}

// SignPayload computes the hex HMAC-SHA256 of a webhook payload. The
// delivery carries it as X-AgentHub-Signature: sha256=<hex>.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
