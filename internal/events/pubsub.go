package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubConfig holds configuration for the Pub/Sub publisher.
type PubSubConfig struct {
	ProjectID string
	Topic     string
	Logger    zerolog.Logger

	// PublishTimeout bounds waiting for the server ack. Default: 10 seconds
	PublishTimeout time.Duration
}

// PubSubPublisher publishes messages to a Pub/Sub topic.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topic     string
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewPubSubPublisher creates a publisher for the configured topic.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig) (*PubSubPublisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub publisher requires project and topic")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &PubSubPublisher{
		client:    client,
		publisher: client.Publisher(cfg.Topic),
		topic:     cfg.Topic,
		timeout:   cfg.PublishTimeout,
		logger:    cfg.Logger,
	}, nil
}

// Publish sends msg and waits for the server to accept it.
func (p *PubSubPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type": msg.Type,
		},
	})

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", msg.Type, p.topic, err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("message_id", id).
		Str("type", msg.Type).
		Str("device_id", msg.DeviceID).
		Msg("published message")
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}

var _ Publisher = (*PubSubPublisher)(nil)
