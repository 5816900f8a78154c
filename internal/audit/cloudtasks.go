package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksForwarder hands webhook delivery to a Cloud Tasks queue
// instead of the in-process worker pool. The queue supplies retry with
// backoff, rate limiting, and a dead-letter queue, so deliveries
// survive process restarts. Selected by AGENTHUB_CLOUDTASKS_QUEUE.
type CloudTasksForwarder struct {
	registry  *WebhookRegistry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
}

// NewCloudTasksForwarder connects to Cloud Tasks. queuePath is the full
// resource name: projects/P/locations/L/queues/Q.
func NewCloudTasksForwarder(registry *WebhookRegistry, queuePath string) (*CloudTasksForwarder, error) {
	if queuePath == "" {
		return nil, fmt.Errorf("cloud tasks queue path is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	f := &CloudTasksForwarder{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
	}
	f.logger.Printf("✅ Webhook forwarding via cloud tasks queue %s", queuePath)
	return f, nil
}

// Publish enqueues one HTTP task per matching subscription. Events with
// no subscribers cost nothing.
func (f *CloudTasksForwarder) Publish(ctx context.Context, event *Event) error {
	subs := f.registry.matching(event)
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	var firstErr error
	for _, sub := range subs {
		headers := map[string]string{
			"Content-Type":            "application/json",
			"X-AgentHub-Event-Type":   string(event.EventType),
			"X-AgentHub-Event-ID":     event.ID,
			"X-AgentHub-Webhook-ID":   sub.WebhookID,
			"X-AgentHub-Delivery-Via": "cloudtasks",
		}
		if sub.Secret != "" {
			headers["X-AgentHub-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
		}

		req := &taskspb.CreateTaskRequest{
			Parent: f.queuePath,
			Task: &taskspb.Task{
				MessageType: &taskspb.Task_HttpRequest{
					HttpRequest: &taskspb.HttpRequest{
						HttpMethod: taskspb.HttpMethod_POST,
						Url:        sub.URL,
						Headers:    headers,
						Body:       payload,
					},
				},
			},
		}
		if _, err := f.client.CreateTask(ctx, req); err != nil {
			f.logger.Printf("🛑 Enqueue failed for webhook %s: %v", sub.WebhookID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("enqueue for webhook %s: %w", sub.WebhookID, err)
			}
			continue
		}
		f.registry.MarkDelivered(sub.WebhookID)
	}
	return firstErr
}

// Close releases the Cloud Tasks client.
func (f *CloudTasksForwarder) Close() error {
	return f.client.Close()
}
