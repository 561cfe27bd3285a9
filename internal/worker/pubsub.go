package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/events"
)

// PubSubHandler receives event messages from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	processor        *Processor
	logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg Config, processor *Processor, logger zerolog.Logger) (*PubSubHandler, error) {
	if cfg.ProjectID == "" || cfg.SubscriptionName == "" {
		return nil, errors.New("worker: project ID and subscription name are required")
	}
	cfg = cfg.withDefaults()

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	subscriber.ReceiveSettings.MaxExtension = cfg.MaxExtension

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		processor:        processor,
		logger:           logger,
	}, nil
}

// Start processes messages until ctx is cancelled.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Str("type", msg.Attributes["type"]).
		Logger()

	logger.Debug().Msg("received pubsub message")

	if ack := shouldAck(h.processor.Process(ctx, msg.Data), logger); !ack {
		msg.Nack()
		return
	}

	logger.Debug().Dur("duration", time.Since(startTime)).Msg("message processed")
	msg.Ack()
}

// shouldAck reports whether a processed message should be acknowledged.
// Permanent failures are acknowledged so they are not redelivered.
func shouldAck(err error, logger zerolog.Logger) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, events.ErrUnknownType):
		logger.Warn().Err(err).Msg("skipping unknown message type")
		return true
	case errors.Is(err, ErrInvalidJob):
		logger.Error().Err(err).Msg("dropping invalid message")
		return true
	default:
		logger.Error().Err(err).Msg("message processing failed")
		return false
	}
}
