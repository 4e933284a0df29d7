package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/model"
)

// PubSubPublisher sends run events to Google Cloud Pub/Sub
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicPath string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a Google Cloud Pub/Sub publisher authenticated through
// Application Default Credentials (Workload Identity, GOOGLE_APPLICATION_CREDENTIALS or
// gcloud application-default login).
func NewPubSubPublisher(ctx context.Context, topicPath string) (*PubSubPublisher, error) {
	projectID, _, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubPublisherWithClient(client, topicPath)
}

// NewPubSubPublisherWithClient publishes through an existing client, which the publisher
// takes ownership of.
func NewPubSubPublisherWithClient(client *pubsub.Client, topicPath string) (*PubSubPublisher, error) {
	_, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	// Events of one run must arrive in transition order; the subscription needs ordering too
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		topicPath: topicPath,
	}, nil
}

// OrderingKey groups the events of a candidate: cluster/namespace/candidate
func OrderingKey(event model.RunEvent) string {
	return fmt.Sprintf("%s/%s/%s", event.Source.ClusterID, event.Candidate.Namespace, event.Candidate.Name)
}

// Publish sends a run event to Google Cloud Pub/Sub
func (p *PubSubPublisher) Publish(ctx context.Context, event model.RunEvent) error {
	logger := log.FromContext(ctx).WithValues("topic", p.topicPath, "eventID", event.EventID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	orderingKey := OrderingKey(event)
	attributes := map[string]string{
		"cluster_name": event.Source.ClusterID,
		"namespace":    event.Candidate.Namespace,
		"stable":       event.Stable.Name,
		"candidate":    event.Candidate.Name,
		"run_id":       event.RunID,
		"phase":        string(event.Phase),
		"event_type":   string(event.Kind),
	}
	if event.Outcome != nil {
		attributes["outcome"] = string(*event.Outcome)
	}

	logger.V(1).Info("Publishing run event to Google Pub/Sub", "orderingKey", orderingKey, "state", event.State)

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes,
		OrderingKey: orderingKey,
	})

	msgID, err := result.Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed
		p.publisher.ResumePublish(orderingKey)
		return fmt.Errorf("failed to publish event to pubsub: %w", err)
	}

	logger.Info("Run event published to Google Pub/Sub", "messageID", msgID, "state", event.State)
	return nil
}

// Stop flushes pending messages and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}
