package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/events"
	"github.com/relaypush/relaypush/internal/resilience"
	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/activation"
	"github.com/relaypush/relaypush/pkg/push/registrations"
)

// Deps overrides the collaborators New would otherwise build from Config.
type Deps struct {
	Logger zerolog.Logger

	// Publisher receives activation changes. When nil, a Pub/Sub publisher is
	// created if Config names a project and topic.
	Publisher events.Publisher

	// HTTPClient replaces the resilient registration API client transport.
	HTTPClient registrations.HTTPDoer

	Metrics *activation.Metrics
}

// Agent owns one activation machine and its collaborators.
type Agent struct {
	cfg      Config
	logger   zerolog.Logger
	machine  *activation.Machine
	delegate *StaticDelegate
	registry *resilience.Registry

	transitions *TransitionPublisher
	closers     []func()
}

// New opens the store and builds a stopped machine.
func New(ctx context.Context, cfg Config, deps Deps) (_ *Agent, err error) {
	a := &Agent{
		cfg:      cfg,
		logger:   deps.Logger,
		registry: resilience.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	kv, closeStore, err := OpenStorage(ctx, cfg.Storage, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	client, err := registrations.NewClient(registrations.Config{
		BaseURL:    cfg.APIURL,
		APIKey:     cfg.APIKey,
		HTTPClient: deps.HTTPClient,
		Registry:   a.registry,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	publisher := deps.Publisher
	if publisher == nil && cfg.PublishesEvents() {
		ps, err := events.NewPubSubPublisher(ctx, events.PubSubConfig{
			ProjectID: cfg.PubSubProject,
			Topic:     cfg.PubSubTopic,
			Logger:    deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating event publisher: %w", err)
		}
		a.closers = append(a.closers, func() { _ = ps.Close() })
		publisher = ps
	}

	a.delegate = NewStaticDelegate(cfg.Recipient, deps.Logger)

	machineCfg := activation.Config{
		Store:         activation.NewKVStore(kv),
		Registrations: client,
		Delegate:      a.delegate,
		ClientID:      cfg.ClientID,
		Platform:      cfg.Platform,
		FormFactor:    cfg.FormFactor,
		CallTimeout:   cfg.CallTimeout,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
		OnUnhandled: func(ev activation.Event, state activation.State) {
			deps.Logger.Debug().Str("event", ev.Name()).Str("state", state.String()).Msg("event ignored in current state")
		},
		OnPersistFailure: func(ev activation.Event, err *push.ErrorInfo) {
			deps.Logger.Error().Str("event", ev.Name()).Err(err).Msg("activation state could not be saved")
		},
	}

	// The machine is assigned before any transition can fire.
	var machine *activation.Machine
	if publisher != nil {
		a.transitions = NewTransitionPublisher(publisher, func() push.DeviceIdentity { return machine.Device() }, deps.Logger)
		machineCfg.OnTransition = a.transitions.OnTransition
	}

	machine, err = activation.New(machineCfg)
	if err != nil {
		return nil, err
	}
	a.machine = machine
	a.delegate.Bind(machine)
	return a, nil
}

// Machine returns the activation machine.
func (a *Agent) Machine() *activation.Machine {
	return a.machine
}

// Handler serves the agent health endpoint.
func (a *Agent) Handler() http.Handler {
	return NewHealthRouter(a.machine, a.registry, a.logger)
}

// UpdateRecipient reports a new push address, e.g. after a token refresh.
func (a *Agent) UpdateRecipient(recipient map[string]string) {
	a.delegate.SetRecipient(recipient)
}

// Run starts the machine and performs the configured action.
// Deactivate returns once the backend answers; activate and resume keep
// running until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.machine.Start()

	switch a.cfg.Action {
	case ActionActivate:
		a.machine.Activate()
		if err := a.await(ctx, OutcomeActivated); err != nil {
			return err
		}
		device := a.machine.Device()
		a.logger.Info().Str("device_id", device.ID).Msg("device activated")

	case ActionDeactivate:
		a.machine.Deactivate()
		return a.await(ctx, OutcomeDeactivated)
	}

	<-ctx.Done()
	return nil
}

// await blocks until the delegate reports kind or ctx ends.
func (a *Agent) await(ctx context.Context, kind string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-a.delegate.Outcomes():
			if out.Kind != kind {
				continue
			}
			if out.Err != nil {
				return fmt.Errorf("%s failed: %w", kind, out.Err)
			}
			return nil
		}
	}
}

// Close stops the machine, flushes queued events and releases the store.
func (a *Agent) Close() {
	if a.machine != nil {
		a.machine.Close()
	}
	if a.transitions != nil {
		a.transitions.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
