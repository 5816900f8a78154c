package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamServer(t *testing.T) (*Bus, *StreamHub, *httptest.Server) {
	t.Helper()
	b := NewBus(nil)
	hub := NewStreamHub(b)
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	t.Cleanup(srv.Close)
	return b, hub, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialStream(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamDeliversEvents(t *testing.T) {
	b, hub, srv := newStreamServer(t)
	conn := dialStream(t, srv, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev, err := b.Emit(EmitInput{EventType: EventCredentialIssued, AgentID: "agent-a"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "com.agenthub.credential.issued", got.Type)
	assert.Equal(t, "agent-a", got.AgentID)
}

func TestStreamFilters(t *testing.T) {
	b, hub, srv := newStreamServer(t)
	conn := dialStream(t, srv, "event_type=policy.denied&agent_id=agent-a")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := b.Emit(EmitInput{EventType: EventCredentialIssued, AgentID: "agent-a"})
	require.NoError(t, err)
	_, err = b.Emit(EmitInput{EventType: EventPolicyDenied, AgentID: "agent-b"})
	require.NoError(t, err)
	want, err := b.Emit(EmitInput{EventType: EventPolicyDenied, AgentID: "agent-a"})
	require.NoError(t, err)

	// The first frame is the third emit; the filtered ones never
	// reached this client.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, want.ID, got.ID)
}

func TestStreamFanOutToMultipleClients(t *testing.T) {
	b, hub, srv := newStreamServer(t)
	c1 := dialStream(t, srv, "")
	c2 := dialStream(t, srv, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	ev, err := b.Emit(EmitInput{EventType: EventDelegationCreated, AgentID: "agent-a"})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var got Event
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, ev.ID, got.ID)
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	b, hub, srv := newStreamServer(t)
	conn := dialStream(t, srv, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Emitting with nobody connected must not block.
	_, err := b.Emit(EmitInput{EventType: EventPolicyEvaluated})
	require.NoError(t, err)
}

func TestStreamHubClose(t *testing.T) {
	b, hub, srv := newStreamServer(t)
	conn := dialStream(t, srv, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, b.SubscriberCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
