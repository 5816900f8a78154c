package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
)

// DefaultPubSubTopic is used when no topic is configured alongside the
// project.
const DefaultPubSubTopic = "agenthub-audit"

// PubSubExporter forwards events to a Google Cloud Pub/Sub topic for
// durable, cross-service delivery. Messages are ordered per agent.
type PubSubExporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubExporter connects to Pub/Sub and creates the topic if it
// does not exist yet.
func NewPubSubExporter(projectID, topicID string) (*PubSubExporter, error) {
	if topicID == "" {
		topicID = DefaultPubSubTopic
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	e := &PubSubExporter{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	e.logger.Printf("✅ Audit export connected to projects/%s/topics/%s", projectID, topicID)
	return e, nil
}

// Publish sends the event with CloudEvents metadata mapped onto message
// attributes so consumers can filter server-side.
func (e *PubSubExporter) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        strconv.FormatInt(event.Time, 10),
			"ce-severity":    event.Severity,
			"ce-agentid":     event.AgentID,
		},
		OrderingKey: event.AgentID,
	}

	result := e.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", event.ID, err)
	}
	return nil
}

// Close stops the topic publisher and the client.
func (e *PubSubExporter) Close() error {
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ EventSink = (*PubSubExporter)(nil)
