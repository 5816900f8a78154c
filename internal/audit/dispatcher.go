package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agenthub/aicp/internal/store"
)

// maxDeliveryAttempts bounds retries per webhook per event. The final
// failed attempt moves the event to the dead letter queue.
const maxDeliveryAttempts = 3

// Delivery attempt outcomes.
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// DeliveryRecord is one webhook POST attempt.
type DeliveryRecord struct {
	DeliveryID     string `json:"delivery_id"`
	WebhookID      string `json:"webhook_id"`
	EventID        string `json:"event_id"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	Reason         string `json:"reason,omitempty"`
	TimestampEpoch int64  `json:"timestamp_epoch"`
}

// DeadLetter is an event that exhausted its delivery attempts for one
// webhook. It keeps the full envelope so the delivery can be retried.
type DeadLetter struct {
	DeadLetterID   string `json:"dead_letter_id"`
	WebhookID      string `json:"webhook_id"`
	EventID        string `json:"event_id"`
	Event          *Event `json:"event"`
	Reason         string `json:"reason"`
	Attempt        int    `json:"attempt"`
	TimestampEpoch int64  `json:"timestamp_epoch"`
}

// DeliveryFilter narrows a delivery log query. Zero values match
// everything.
type DeliveryFilter struct {
	WebhookID string
	EventID   string
	Status    string
	Limit     int
}

type deliveryJob struct {
	subscriber *WebhookSubscription
	event      *Event
	attempt    int
}

// Dispatcher POSTs events to matching webhook subscriptions from a
// background worker pool, with retries and dead-letter capture.
type Dispatcher struct {
	registry   *WebhookRegistry
	httpClient *http.Client
	queue      chan *deliveryJob
	wg         sync.WaitGroup
	logger     *log.Logger

	// retryBase scales the quadratic backoff between attempts.
	retryBase time.Duration

	mu          sync.Mutex
	closed      bool
	deliveries  []*DeliveryRecord
	deadLetters []*DeadLetter
	now         func() int64
}

// NewDispatcher starts a dispatcher with the given worker count
// (default 4).
func NewDispatcher(registry *WebhookRegistry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
		retryBase:  time.Second,
		now:        utcNowEpoch,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues the event for every matching subscription. A full
// queue drops the delivery rather than blocking the emit path.
func (d *Dispatcher) Dispatch(event *Event) {
	for _, sub := range d.registry.matching(event) {
		if !d.enqueue(&deliveryJob{subscriber: sub, event: event, attempt: 1}) {
			d.logger.Printf("⚠️ Webhook queue full, dropping event %s for %s", event.ID, sub.WebhookID)
		}
	}
}

func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("🛑 Failed to marshal event %s: %v", job.event.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.fail(job, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgentHub-Event-Type", string(job.event.EventType))
	req.Header.Set("X-AgentHub-Event-ID", job.event.ID)
	req.Header.Set("X-AgentHub-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-AgentHub-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.fail(job, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.fail(job, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}

	d.record(job.subscriber.WebhookID, job.event.ID, DeliveryStatusDelivered, job.attempt, "")
	d.registry.MarkDelivered(job.subscriber.WebhookID)
	d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.event.EventType, job.subscriber.URL, job.event.ID)
}

// fail records the attempt, then either backs off and requeues or
// moves the event to the dead letter queue.
func (d *Dispatcher) fail(job *deliveryJob, reason string) {
	d.record(job.subscriber.WebhookID, job.event.ID, DeliveryStatusFailed, job.attempt, reason)
	d.registry.MarkFailed(job.subscriber.WebhookID)
	d.logger.Printf("🛑 Webhook delivery failed (attempt %d): %s → %s", job.attempt, job.subscriber.URL, reason)

	if job.attempt < maxDeliveryAttempts {
		time.Sleep(time.Duration(job.attempt*job.attempt) * d.retryBase)
		job.attempt++
		if !d.enqueue(job) {
			d.deadLetter(job, reason)
		}
		return
	}
	d.deadLetter(job, reason)
}

func (d *Dispatcher) deadLetter(job *deliveryJob, reason string) {
	dl := &DeadLetter{
		DeadLetterID:   "dl-" + randomHex(6),
		WebhookID:      job.subscriber.WebhookID,
		EventID:        job.event.ID,
		Event:          cloneEvent(job.event),
		Reason:         reason,
		Attempt:        job.attempt,
		TimestampEpoch: d.now(),
	}

	d.mu.Lock()
	d.deadLetters = append(d.deadLetters, dl)
	if overflow := len(d.deadLetters) - maxRecords; overflow > 0 {
		d.deadLetters = append([]*DeadLetter(nil), d.deadLetters[overflow:]...)
	}
	d.mu.Unlock()

	d.logger.Printf("⚠️ Dead letter %s recorded for webhook %s (event %s)", dl.DeadLetterID, dl.WebhookID, dl.EventID)
}

func (d *Dispatcher) record(webhookID, eventID, status string, attempt int, reason string) {
	rec := &DeliveryRecord{
		DeliveryID:     "dlv-" + randomHex(6),
		WebhookID:      webhookID,
		EventID:        eventID,
		Status:         status,
		Attempt:        attempt,
		Reason:         reason,
		TimestampEpoch: d.now(),
	}

	d.mu.Lock()
	d.deliveries = append(d.deliveries, rec)
	if overflow := len(d.deliveries) - maxRecords; overflow > 0 {
		d.deliveries = append([]*DeliveryRecord(nil), d.deliveries[overflow:]...)
	}
	d.mu.Unlock()
}

// Deliveries returns attempt records newest-first. Limit defaults to
// 100.
func (d *Dispatcher) Deliveries(f DeliveryFilter) []*DeliveryRecord {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*DeliveryRecord, 0, limit)
	for i := len(d.deliveries) - 1; i >= 0; i-- {
		rec := d.deliveries[i]
		if f.WebhookID != "" && rec.WebhookID != f.WebhookID {
			continue
		}
		if f.EventID != "" && rec.EventID != f.EventID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		copied := *rec
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// DeadLetters returns dead letter entries newest-first, optionally for
// one webhook. Limit defaults to 100.
func (d *Dispatcher) DeadLetters(webhookID string, limit int) []*DeadLetter {
	if limit <= 0 {
		limit = 100
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*DeadLetter, 0, limit)
	for i := len(d.deadLetters) - 1; i >= 0; i-- {
		dl := d.deadLetters[i]
		if webhookID != "" && dl.WebhookID != webhookID {
			continue
		}
		copied := *dl
		copied.Event = cloneEvent(dl.Event)
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// RetryDeadLetter re-enqueues a dead-lettered event to its webhook and
// removes the entry. The attempt counter starts over.
func (d *Dispatcher) RetryDeadLetter(deadLetterID string) (*DeadLetter, error) {
	d.mu.Lock()
	var found *DeadLetter
	for _, dl := range d.deadLetters {
		if dl.DeadLetterID == deadLetterID {
			found = dl
			break
		}
	}
	d.mu.Unlock()

	if found == nil {
		return nil, fmt.Errorf("dead letter %s: %w", deadLetterID, store.ErrNotFound)
	}
	if found.Event == nil {
		return nil, fmt.Errorf("dead letter %s missing event payload: %w", deadLetterID, store.ErrInvalidArgument)
	}
	sub, ok := d.registry.forDispatch(found.WebhookID)
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", found.WebhookID, store.ErrNotFound)
	}

	d.mu.Lock()
	removed := false
	for i, dl := range d.deadLetters {
		if dl.DeadLetterID == deadLetterID {
			d.deadLetters = append(d.deadLetters[:i], d.deadLetters[i+1:]...)
			removed = true
			break
		}
	}
	d.mu.Unlock()
	if !removed {
		// A concurrent retry consumed it first.
		return nil, fmt.Errorf("dead letter %s: %w", deadLetterID, store.ErrNotFound)
	}

	if !d.enqueue(&deliveryJob{subscriber: sub, event: cloneEvent(found.Event), attempt: 1}) {
		return nil, fmt.Errorf("delivery queue full: %w", store.ErrConflict)
	}

	out := *found
	out.Event = cloneEvent(found.Event)
	d.logger.Printf("✨ Dead letter %s re-enqueued for webhook %s", deadLetterID, found.WebhookID)
	return &out, nil
}

// DeliveryCount reports how many attempts are in the log.
func (d *Dispatcher) DeliveryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

// DeadLetterCount reports the dead letter queue depth.
func (d *Dispatcher) DeadLetterCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deadLetters)
}

// Shutdown drains the queue and stops the workers. Safe to call more
// than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
