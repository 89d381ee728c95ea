package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink durably republishes every event on a Bus to a Google Cloud
// Pub/Sub topic, for cross-process consumers (the Telemetry Buffer's
// secondary sink, per spec §4.10). The in-process Bus delivery to local
// subscribers is unaffected; this is an additional fan-out leg, not a
// replacement.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubSink connects to projectID and ensures topicID exists, creating
// it if necessary.
func NewPubSubSink(projectID, topicID string, logger *slog.Logger) (*PubSubSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: topic exists check: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("events: create topic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	return &PubSubSink{client: client, topic: topic, logger: logger}, nil
}

// AttachTo subscribes the sink to every event on bus. Returns the
// Unsubscribe func so callers can detach it during shutdown.
func (p *PubSubSink) AttachTo(bus *Bus) Unsubscribe {
	return bus.Subscribe(p.publish)
}

func (p *PubSubSink) publish(ev TelemetryEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("events: marshal failed", slog.String("eventType", ev.Type), slog.Any("error", err))
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-type": ev.Type,
			"source":     ev.Source,
			"subject":    ev.Subject,
		},
		OrderingKey: ev.Subject,
	}

	result := p.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			p.logger.Warn("events: pubsub publish failed", slog.String("eventType", ev.Type), slog.Any("error", err))
		}
	}()
}

// HealthCheck verifies the topic is still reachable.
func (p *PubSubSink) HealthCheck(ctx context.Context) error {
	exists, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("events: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("events: topic no longer exists")
	}
	return nil
}

// Close releases the Pub/Sub client.
func (p *PubSubSink) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("events: pubsub client close: %w", err)
	}
	return nil
}
