package audit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/aicp/internal/store"
)

type capturedRequest struct {
	body    []byte
	headers http.Header
}

func newTestDispatcher(t *testing.T) (*WebhookRegistry, *Dispatcher, *Bus) {
	t.Helper()
	registry := NewWebhookRegistry()
	d := NewDispatcher(registry, 2)
	d.retryBase = time.Millisecond
	t.Cleanup(d.Shutdown)
	return registry, d, NewBus(d)
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	reqs := make(chan capturedRequest, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- capturedRequest{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry, d, b := newTestDispatcher(t)
	sub, err := registry.Register(RegisterWebhookInput{
		URL:        srv.URL,
		Secret:     "s3cret",
		EventTypes: []EventType{EventCredentialRevoked},
	})
	require.NoError(t, err)

	// Outside the subscription's type filter: never delivered.
	_, err = b.Emit(EmitInput{EventType: EventLeasePromoted})
	require.NoError(t, err)

	ev, err := b.Emit(EmitInput{EventType: EventCredentialRevoked, AgentID: "agent-a"})
	require.NoError(t, err)

	var captured capturedRequest
	select {
	case captured = <-reqs:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook delivery not received")
	}

	assert.Equal(t, "application/json", captured.headers.Get("Content-Type"))
	assert.Equal(t, string(EventCredentialRevoked), captured.headers.Get("X-AgentHub-Event-Type"))
	assert.Equal(t, ev.ID, captured.headers.Get("X-AgentHub-Event-ID"))
	assert.Equal(t, "1", captured.headers.Get("X-AgentHub-Delivery-Attempt"))
	assert.Equal(t, "sha256="+SignPayload(captured.body, "s3cret"), captured.headers.Get("X-AgentHub-Signature"))

	var delivered Event
	require.NoError(t, json.Unmarshal(captured.body, &delivered))
	assert.Equal(t, ev.ID, delivered.ID)
	assert.Equal(t, "com.agenthub.credential.revoked", delivered.Type)
	assert.Equal(t, "agent-a", delivered.AgentID)

	require.Eventually(t, func() bool {
		return d.DeliveryCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs := d.Deliveries(DeliveryFilter{WebhookID: sub.WebhookID})
	require.Len(t, recs, 1)
	assert.Equal(t, DeliveryStatusDelivered, recs[0].Status)
	assert.Equal(t, ev.ID, recs[0].EventID)
	assert.Regexp(t, `^dlv-[0-9a-f]{12}$`, recs[0].DeliveryID)

	got, err := registry.Get(sub.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.DeliveryCount)
	assert.Zero(t, got.FailureCount)
	assert.Empty(t, d.DeadLetters("", 0))
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	registry, d, b := newTestDispatcher(t)
	sub, err := registry.Register(RegisterWebhookInput{URL: srv.URL})
	require.NoError(t, err)

	ev, err := b.Emit(EmitInput{EventType: EventPolicyDenied, AgentID: "agent-a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.DeadLetterCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(maxDeliveryAttempts), hits.Load())

	recs := d.Deliveries(DeliveryFilter{Status: DeliveryStatusFailed})
	require.Len(t, recs, 3)
	// Newest first: attempts 3, 2, 1.
	assert.Equal(t, 3, recs[0].Attempt)
	assert.Equal(t, 1, recs[2].Attempt)
	assert.Equal(t, "status 500", recs[0].Reason)

	dls := d.DeadLetters(sub.WebhookID, 0)
	require.Len(t, dls, 1)
	assert.Regexp(t, `^dl-[0-9a-f]{12}$`, dls[0].DeadLetterID)
	assert.Equal(t, ev.ID, dls[0].EventID)
	require.NotNil(t, dls[0].Event)
	assert.Equal(t, ev.ID, dls[0].Event.ID)
	assert.Equal(t, "status 500", dls[0].Reason)
	assert.Equal(t, 3, dls[0].Attempt)

	got, err := registry.Get(sub.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.FailureCount)
	// Three failures stay under the disable threshold.
	assert.True(t, got.Active)
}

func TestWebhookDisabledAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry, d, b := newTestDispatcher(t)
	sub, err := registry.Register(RegisterWebhookInput{URL: srv.URL})
	require.NoError(t, err)

	// Four events, three attempts each, cross the disable threshold.
	for i := 0; i < 4; i++ {
		_, err := b.Emit(EmitInput{EventType: EventPolicyDenied})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return d.DeliveryCount() == 12
	}, 5*time.Second, 10*time.Millisecond)

	got, err := registry.Get(sub.WebhookID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.GreaterOrEqual(t, got.FailureCount, int64(failureDisableThreshold))

	// A disabled subscription no longer matches fresh events.
	_, err = b.Emit(EmitInput{EventType: EventPolicyDenied})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 12, d.DeliveryCount())
}

func TestRetryDeadLetterRedelivers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry, d, b := newTestDispatcher(t)
	sub, err := registry.Register(RegisterWebhookInput{URL: srv.URL, Secret: "s3cret"})
	require.NoError(t, err)

	ev, err := b.Emit(EmitInput{EventType: EventCredentialRevoked, AgentID: "agent-a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.DeadLetterCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	dls := d.DeadLetters("", 0)
	require.Len(t, dls, 1)

	failing.Store(false)
	retried, err := d.RetryDeadLetter(dls[0].DeadLetterID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, retried.EventID)
	assert.Zero(t, d.DeadLetterCount())

	require.Eventually(t, func() bool {
		return len(d.Deliveries(DeliveryFilter{Status: DeliveryStatusDelivered})) == 1
	}, 5*time.Second, 10*time.Millisecond)

	delivered := d.Deliveries(DeliveryFilter{Status: DeliveryStatusDelivered, WebhookID: sub.WebhookID})
	require.Len(t, delivered, 1)
	assert.Equal(t, ev.ID, delivered[0].EventID)
	// Retried deliveries start a fresh attempt counter.
	assert.Equal(t, 1, delivered[0].Attempt)

	_, err = d.RetryDeadLetter("dl-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchAfterShutdownDropsQuietly(t *testing.T) {
	registry := NewWebhookRegistry()
	d := NewDispatcher(registry, 1)
	_, err := registry.Register(RegisterWebhookInput{URL: "https://hooks.example.com/audit"})
	require.NoError(t, err)

	d.Shutdown()
	d.Shutdown()

	d.Dispatch(&Event{ID: "evt-x", EventType: EventPolicyDenied, Severity: SeverityWarning})
	assert.Zero(t, d.DeliveryCount())
}
