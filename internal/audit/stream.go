package audit

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be shorter than pongWait
	writeWait  = 10 * time.Second // time allowed to write one message

	// Inbound frames are ignored; the limit only bounds junk reads.
	maxInboundBytes = 512

	// clientSendBuffer is the per-client outbound queue. A full queue
	// drops events for that client instead of stalling the fan-out.
	clientSendBuffer = 256
)

type streamFilter struct {
	eventType EventType
	agentID   string
	severity  string
}

func (f streamFilter) matches(ev *Event) bool {
	if f.eventType != "" && ev.EventType != f.eventType {
		return false
	}
	if f.agentID != "" && ev.AgentID != f.agentID {
		return false
	}
	if f.severity != "" && ev.Severity != f.severity {
		return false
	}
	return true
}

// streamClient is one WebSocket consumer. All writes go through the
// send channel into writePump so ping and event frames never race.
type streamClient struct {
	hub    *StreamHub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	filter streamFilter
}

// StreamHub fans bus events out to WebSocket clients. Each client may
// narrow its feed with event_type/agent_id/severity query parameters.
type StreamHub struct {
	bus      *Bus
	events   chan *Event
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	done chan struct{}
	once sync.Once
}

// NewStreamHub subscribes to the bus and starts the fan-out loop.
func NewStreamHub(bus *Bus) *StreamHub {
	h := &StreamHub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(),
		},
		logger:  log.New(log.Writer(), "[Stream] ", log.LstdFlags),
		clients: make(map[*streamClient]struct{}),
		done:    make(chan struct{}),
	}
	h.events = bus.Subscribe()
	go h.run()
	return h
}

// buildCheckOrigin restricts upgrades to AGENTHUB_ALLOWED_ORIGINS when
// that variable is set; otherwise any origin is accepted.
func buildCheckOrigin() func(r *http.Request) bool {
	raw := os.Getenv("AGENTHUB_ALLOWED_ORIGINS")
	if raw == "" {
		return func(r *http.Request) bool { return true }
	}

	allowed := make(map[string]bool)
	for _, origin := range strings.Split(raw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

func (h *StreamHub) run() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.filter.matches(ev) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					// Client is not keeping up; it loses this event.
				}
			}
			h.mu.Unlock()
		case <-h.done:
			return
		}
	}
}

// HandleStream upgrades the request and attaches the client to the
// fan-out loop.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("⚠️ WebSocket upgrade failed: %v", err)
		return
	}

	q := r.URL.Query()
	c := &streamClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
		filter: streamFilter{
			eventType: EventType(q.Get("event_type")),
			agentID:   q.Get("agent_id"),
			severity:  q.Get("severity"),
		},
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("✨ Stream client connected (%d active)", n)

	go c.writePump()
	go c.readPump()
}

// ClientCount reports connected stream clients.
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *StreamHub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.bus.Unsubscribe(h.events)

		h.mu.Lock()
		clients := make([]*streamClient, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
	})
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Stream client disconnected (%d active)", n)
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		c.conn.Close()
	})
}

// writePump owns every write to the connection: queued events, pings,
// and the close frame.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			// Flush whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns every read. The stream is one-way, so inbound frames
// only service pong handling and close detection.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
