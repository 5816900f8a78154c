package audit

// Service bundles the audit surfaces: the event bus, webhook
// subscriptions, the delivery pipeline, and the live stream.
type Service struct {
	Bus        *Bus
	Webhooks   *WebhookRegistry
	Dispatcher *Dispatcher
	Stream     *StreamHub
}

// NewService wires a bus with webhook dispatch and a stream hub.
func NewService() *Service {
	registry := NewWebhookRegistry()
	dispatcher := NewDispatcher(registry, 0)
	bus := NewBus(dispatcher)
	return &Service{
		Bus:        bus,
		Webhooks:   registry,
		Dispatcher: dispatcher,
		Stream:     NewStreamHub(bus),
	}
}

// Emit places one event on the bus.
func (s *Service) Emit(in EmitInput) (*Event, error) {
	return s.Bus.Emit(in)
}

// EventStats aggregates bus and delivery health in one report.
type EventStats struct {
	TotalEvents     int            `json:"total_events"`
	ByType          map[string]int `json:"by_type"`
	BySeverity      map[string]int `json:"by_severity"`
	ByAgent         map[string]int `json:"by_agent"`
	ActiveWebhooks  int            `json:"active_webhooks"`
	TotalDeliveries int            `json:"total_deliveries"`
	DeadLetters     int            `json:"dead_letters"`
	StreamClients   int            `json:"stream_clients"`
}

// Stats reports aggregates for events at or after since (0 = all).
func (s *Service) Stats(since int64) *EventStats {
	total, byType, bySeverity, byAgent := s.Bus.aggregate(since)
	return &EventStats{
		TotalEvents:     total,
		ByType:          byType,
		BySeverity:      bySeverity,
		ByAgent:         byAgent,
		ActiveWebhooks:  s.Webhooks.ActiveCount(),
		TotalDeliveries: s.Dispatcher.DeliveryCount(),
		DeadLetters:     s.Dispatcher.DeadLetterCount(),
		StreamClients:   s.Stream.ClientCount(),
	}
}

// WebhookTestResult reports the synthetic event sent to verify a
// subscription end to end.
type WebhookTestResult struct {
	WebhookID   string `json:"webhook_id"`
	TestEventID string `json:"test_event_id"`
	Delivered   bool   `json:"delivered"`
}

// TestWebhook emits a synthetic identity.created event so the
// subscription owner can verify their endpoint and signature handling.
func (s *Service) TestWebhook(webhookID string) (*WebhookTestResult, error) {
	if _, err := s.Webhooks.Get(webhookID); err != nil {
		return nil, err
	}

	ev, err := s.Bus.Emit(EmitInput{
		EventType: EventIdentityCreated,
		AgentID:   "test-agent",
		Actor:     "system",
		Detail:    map[string]any{"test": true, "webhook_id": webhookID},
	})
	if err != nil {
		return nil, err
	}

	return &WebhookTestResult{
		WebhookID:   webhookID,
		TestEventID: ev.ID,
		Delivered:   true,
	}, nil
}

// Shutdown disconnects stream clients, drains webhook deliveries, and
// closes attached sinks.
func (s *Service) Shutdown() {
	s.Stream.Close()
	s.Dispatcher.Shutdown()
	s.Bus.CloseSinks()
}
