// Package audit is the control plane's event spine: every notable
// operation lands on the bus as a CloudEvents 1.0 envelope, is held in
// a bounded in-memory ring for querying, fanned out to live stream
// subscribers, dispatched to webhook subscriptions, and optionally
// mirrored to external sinks (Redis, Pub/Sub).
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/aicp/internal/store"
)

// maxRecords bounds the event ring, the delivery log, and the dead
// letter queue. Oldest entries are dropped first.
const maxRecords = 10_000

// subscriberBuffer is the channel depth handed to each Subscribe
// caller. Publishing never blocks; slow subscribers lose events.
const subscriberBuffer = 100

// EventSink receives a copy of every emitted event. Sinks run outside
// the emit path; a failing sink is logged and never blocks emission.
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// EmitInput describes one event to place on the bus. Severity is
// optional and defaults from the catalog.
type EmitInput struct {
	EventType EventType      `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Severity  string         `json:"severity,omitempty"`
}

// QueryFilter narrows an event query. Zero values match everything.
type QueryFilter struct {
	EventType EventType
	AgentID   string
	Severity  string
	Since     int64
	Limit     int
}

// Bus is the in-process audit event bus.
type Bus struct {
	mu     sync.Mutex
	events []*Event
	subs   []chan *Event
	sinks  []EventSink

	dispatcher *Dispatcher
	logger     *log.Logger
	now        func() int64
}

// NewBus creates an event bus. The dispatcher may be nil when webhook
// delivery is not wanted.
func NewBus(dispatcher *Dispatcher) *Bus {
	return &Bus{
		dispatcher: dispatcher,
		logger:     log.New(log.Writer(), "[Audit] ", log.LstdFlags),
		now:        utcNowEpoch,
	}
}

// AddSink attaches an external sink. Every subsequent emit is pushed to
// it from a separate goroutine.
func (b *Bus) AddSink(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Emit validates, records, and fans out one event. The returned
// envelope is a copy safe for the caller to hold.
func (b *Bus) Emit(in EmitInput) (*Event, error) {
	if !validEventTypes[in.EventType] {
		return nil, fmt.Errorf("unknown event type %q: %w", in.EventType, store.ErrInvalidArgument)
	}
	sev := in.Severity
	if sev == "" {
		sev = eventSeverity[in.EventType]
	} else if !validSeverities[sev] {
		return nil, fmt.Errorf("unknown severity %q: %w", in.Severity, store.ErrInvalidArgument)
	}

	event := &Event{
		SpecVersion: "1.0",
		ID:          "evt-" + randomHex(6),
		Source:      eventSource,
		Type:        cloudEventTypePrefix + string(in.EventType),
		Time:        b.now(),
		EventType:   in.EventType,
		AgentID:     in.AgentID,
		Actor:       in.Actor,
		Resource:    in.Resource,
		Severity:    sev,
		Detail:      cloneDetail(in.Detail),
	}

	b.mu.Lock()
	b.events = append(b.events, event)
	if overflow := len(b.events) - maxRecords; overflow > 0 {
		b.events = append([]*Event(nil), b.events[overflow:]...)
	}
	// Fan out under the lock so Unsubscribe cannot close a channel
	// mid-send. Sends never block; a full buffer drops the event.
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	sinks := append([]EventSink(nil), b.sinks...)
	b.mu.Unlock()

	if b.dispatcher != nil {
		b.dispatcher.Dispatch(event)
	}

	for _, sink := range sinks {
		go func(s EventSink) {
			if err := s.Publish(context.Background(), event); err != nil {
				b.logger.Printf("⚠️ Sink publish failed for event %s: %v", event.ID, err)
			}
		}(sink)
	}

	return cloneEvent(event), nil
}

// CloseSinks detaches and closes every attached sink.
func (b *Bus) CloseSinks() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			b.logger.Printf("⚠️ Sink close failed: %v", err)
		}
	}
}

// Subscribe returns a channel that receives every subsequent event.
// The caller must Unsubscribe when done.
func (b *Bus) Subscribe() chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// SubscriberCount reports the number of live subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Query returns events newest-first after applying the filter. Limit
// defaults to 100.
func (b *Bus) Query(f QueryFilter) []*Event {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Event, 0, limit)
	for i := len(b.events) - 1; i >= 0; i-- {
		ev := b.events[i]
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.AgentID != "" && ev.AgentID != f.AgentID {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.Since > 0 && ev.Time < f.Since {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) >= limit {
			break
		}
	}
	return out
}

// GetEvent returns one event by envelope ID.
func (b *Bus) GetEvent(eventID string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.events {
		if ev.ID == eventID {
			return cloneEvent(ev), nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
}

// aggregate counts events at or after since, grouped by type, severity,
// and agent.
func (b *Bus) aggregate(since int64) (total int, byType, bySeverity, byAgent map[string]int) {
	byType = make(map[string]int)
	bySeverity = make(map[string]int)
	byAgent = make(map[string]int)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.events {
		if since > 0 && ev.Time < since {
			continue
		}
		total++
		byType[string(ev.EventType)]++
		bySeverity[ev.Severity]++
		if ev.AgentID != "" {
			byAgent[ev.AgentID]++
		}
	}
	return total, byType, bySeverity, byAgent
}

func utcNowEpoch() int64 {
	return time.Now().Unix()
}

// randomHex returns n bytes of fresh UUID entropy as 2n hex chars.
func randomHex(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:n])
}
