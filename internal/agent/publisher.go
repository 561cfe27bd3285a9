package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/events"
	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
)

// transitionQueueSize bounds transitions waiting to be published.
const transitionQueueSize = 64

// TransitionPublisher publishes committed transitions as activation_changed
// messages from its own goroutine, so the machine hook never blocks.
type TransitionPublisher struct {
	publisher events.Publisher
	device    func() push.DeviceIdentity
	logger    zerolog.Logger
	now       func() time.Time

	queue chan events.Message
	done  chan struct{}
	once  sync.Once
}

// NewTransitionPublisher starts a publisher. device returns the current identity.
func NewTransitionPublisher(publisher events.Publisher, device func() push.DeviceIdentity, logger zerolog.Logger) *TransitionPublisher {
	p := &TransitionPublisher{
		publisher: publisher,
		device:    device,
		logger:    logger,
		now:       time.Now,
		queue:     make(chan events.Message, transitionQueueSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// OnTransition matches activation.Config.OnTransition.
// Messages are dropped with a warning when the queue is full.
func (p *TransitionPublisher) OnTransition(ev activation.Event, from, to activation.State) {
	identity := p.device()
	msg := events.Message{
		Type:       events.TypeActivationChanged,
		DeviceID:   identity.ID,
		ClientID:   identity.ClientID,
		Platform:   identity.Platform,
		Transport:  identity.Push.Recipient[push.RecipientTransportType],
		From:       from.String(),
		To:         to.String(),
		Event:      ev.Name(),
		OccurredAt: p.now(),
	}

	select {
	case p.queue <- msg:
	default:
		p.logger.Warn().
			Str("event", msg.Event).
			Str("to", msg.To).
			Msg("transition queue full, dropping activation event")
	}
}

func (p *TransitionPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.publisher.Publish(context.Background(), msg); err != nil {
			p.logger.Warn().
				Err(err).
				Str("event", msg.Event).
				Str("to", msg.To).
				Msg("failed to publish activation event")
		}
	}
}

// Close publishes what is queued and stops. Call it after the machine is closed.
func (p *TransitionPublisher) Close() {
	p.once.Do(func() { close(p.queue) })
	<-p.done
}
