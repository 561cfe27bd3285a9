package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaypush/relaypush/pkg/push"
)

// Configuration errors returned by New.
var (
	ErrNoStore         = errors.New("activation: store is required")
	ErrNoDelegate      = errors.New("activation: delegate is required")
	ErrNoRegistrations = errors.New("activation: registrations client is required without custom register and deregister")
)

// Config configures a Machine.
type Config struct {
	// Store persists the record and the device identity. Required.
	Store Store

	// Registrations is the backend registration API. Required unless the
	// delegate implements both CustomRegisterer and CustomDeregisterer.
	Registrations Registrations

	// Delegate supplies push details and receives results. Required.
	Delegate Delegate

	// ClientID, Platform and FormFactor describe the local device.
	// A ClientID that differs from the registered one triggers a resync on Start.
	ClientID   string
	Platform   string
	FormFactor string

	// CallTimeout bounds each backend call. Zero means no timeout.
	CallTimeout time.Duration

	// PersistRetries is the number of retries for a failed commit.
	// Default: 3
	PersistRetries uint64

	// PersistRetryInterval is the initial backoff between commit retries.
	// Default: 50ms
	PersistRetryInterval time.Duration

	Logger  zerolog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer

	// OnEvent is called before an event is processed, with the state it was received in.
	OnEvent func(ev Event, state State)
	// OnTransition is called after a handled event has been committed.
	OnTransition func(ev Event, from, to State)
	// OnUnhandled is called when an event is dropped.
	OnUnhandled func(ev Event, state State)
	// OnPersistFailure is called when a transition was rolled back.
	OnPersistFailure func(ev Event, err *push.ErrorInfo)
}

// queuedEvent is a pending event plus whether it has already been reported as deferred.
type queuedEvent struct {
	event    Event
	deferred bool
}

type eventBox struct {
	event Event
}

// Machine is the push activation state machine. It is safe for concurrent use.
type Machine struct {
	cfg      Config
	store    Store
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	delegate Delegate

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	pending   []queuedEvent
	device    *push.DeviceIdentity
	candidate *push.DeviceIdentity
	started   bool
	closed    bool

	current   atomic.Uint32
	lastEvent atomic.Pointer[eventBox]

	wake    chan struct{}
	done    chan struct{}
	effects sync.WaitGroup
}

// New loads the persisted record and device identity and returns a stopped
// machine. Call Start to begin processing.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Delegate == nil {
		return nil, ErrNoDelegate
	}
	if cfg.Registrations == nil {
		_, customReg := cfg.Delegate.(CustomRegisterer)
		_, customDereg := cfg.Delegate.(CustomDeregisterer)
		if !customReg || !customDereg {
			return nil, ErrNoRegistrations
		}
	}
	if cfg.PersistRetries == 0 {
		cfg.PersistRetries = 3
	}
	if cfg.PersistRetryInterval == 0 {
		cfg.PersistRetryInterval = 50 * time.Millisecond
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}

	logger := cfg.Logger.With().Str("component", "push_activation").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:      cfg,
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		delegate: cfg.Delegate,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := m.load(ctx); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func (m *Machine) load(ctx context.Context) error {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, ErrCorruptRecord) {
		m.logger.Error().Err(err).Msg("discarding unreadable activation record")
		rec = Record{State: NotActivated}
	} else if err != nil {
		return fmt.Errorf("load activation record: %w", err)
	}

	device, err := m.store.LoadDevice(ctx)
	if errors.Is(err, ErrCorruptRecord) {
		m.logger.Error().Err(err).Msg("discarding unreadable device identity")
		device = nil
	} else if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}

	if device == nil {
		device, err = push.NewDeviceIdentity(m.cfg.Platform, m.cfg.FormFactor)
		if err != nil {
			return err
		}
		device.ClientID = m.cfg.ClientID
		if err := m.store.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("save new device identity: %w", err)
		}
		m.logger.Info().Str("device_id", device.ID).Msg("created device identity")
	} else if !rec.State.IsActivated() && m.describeDevice(device) {
		// Nothing is registered yet, so local attributes can change freely.
		if err := m.store.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("save device identity: %w", err)
		}
	}

	switch rec.State {
	case WaitingForDeviceRegistration, WaitingForRegistrationSync:
		if rec.Candidate == nil {
			rec.Candidate = m.stage(device, nil)
		}
	default:
		rec.Candidate = nil
	}

	m.state = rec.State
	m.device = device
	m.candidate = rec.Candidate
	m.pending = make([]queuedEvent, 0, len(rec.PendingEvents))
	for _, ev := range rec.PendingEvents {
		m.pending = append(m.pending, queuedEvent{event: ev})
	}
	m.current.Store(uint32(rec.State))

	m.logger.Debug().
		Str("state", rec.State.String()).
		Int("pending", len(rec.PendingEvents)).
		Str("device_id", device.ID).
		Msg("loaded activation record")
	return nil
}

// describeDevice copies the configured attributes onto device and reports whether anything changed.
func (m *Machine) describeDevice(device *push.DeviceIdentity) bool {
	changed := false
	if m.cfg.ClientID != "" && device.ClientID != m.cfg.ClientID {
		device.ClientID = m.cfg.ClientID
		changed = true
	}
	if m.cfg.Platform != "" && device.Platform != m.cfg.Platform {
		device.Platform = m.cfg.Platform
		changed = true
	}
	if m.cfg.FormFactor != "" && device.FormFactor != m.cfg.FormFactor {
		device.FormFactor = m.cfg.FormFactor
		changed = true
	}
	return changed
}

// stage builds a candidate identity from the committed one.
func (m *Machine) stage(device *push.DeviceIdentity, recipient map[string]string) *push.DeviceIdentity {
	candidate := device.WithRecipient(recipient)
	m.describeDevice(candidate)
	return candidate
}

// Start starts the worker. Pending events are replayed first, and the call
// that was in flight when the previous process stopped is issued again.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true

	var resume []Effect
	if eff := resumeEffect(m.state); eff != nil {
		resume = append(resume, eff)
	}
	if m.state == WaitingForNewPushDeviceDetails && m.cfg.ClientID != "" && m.cfg.ClientID != m.device.ClientID {
		m.logger.Info().
			Str("registered_client_id", m.device.ClientID).
			Str("client_id", m.cfg.ClientID).
			Msg("client id changed, resyncing registration")
		m.pending = append(m.pending, queuedEvent{event: GotNewPushDeviceDetails{}})
		if err := m.store.Save(m.ctx, m.recordLocked()); err != nil {
			m.logger.Error().Err(err).Msg("failed to persist resync event")
		}
	}
	snap := m.snapshotLocked()
	hasPending := len(m.pending) > 0
	m.mu.Unlock()

	go m.run(resume, snap)
	if hasPending {
		m.signal()
	}
}

// SendEvent queues ev for processing and returns without waiting for it.
// The event is persisted before it is queued.
func (m *Machine) SendEvent(ev Event) {
	if ev == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug().Str("event", ev.Name()).Msg("machine closed, dropping event")
		return
	}
	m.pending = append(m.pending, queuedEvent{event: ev})
	err := m.store.Save(m.ctx, m.recordLocked())
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Str("event", ev.Name()).Msg("failed to persist queued event, keeping it in memory")
	}
	m.signal()
}

// Activate asks the machine to activate push on this device.
func (m *Machine) Activate() {
	m.SendEvent(CalledActivate{})
}

// Deactivate asks the machine to deactivate push on this device.
func (m *Machine) Deactivate() {
	m.SendEvent(CalledDeactivate{})
}

// CurrentStateUnsynchronized returns the last committed state.
// It does not wait for queued events, so it is only suitable for tests and telemetry.
func (m *Machine) CurrentStateUnsynchronized() State {
	return State(m.current.Load())
}

// LastEventUnsynchronized returns the event most recently taken off the
// queue, or nil. Like CurrentStateUnsynchronized it is a racy snapshot.
func (m *Machine) LastEventUnsynchronized() Event {
	if box := m.lastEvent.Load(); box != nil {
		return box.event
	}
	return nil
}

// Device returns a copy of the committed device identity.
func (m *Machine) Device() push.DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.device.Clone()
}

// PendingEvents returns the number of queued events.
func (m *Machine) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops the worker and cancels calls in flight. Queued events stay
// persisted and are replayed by the next machine. Close must not be called
// from a hook or delegate callback.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	if started {
		<-m.done
	}
	m.effects.Wait()
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop. Resumed calls are issued before the first event.
func (m *Machine) run(resume []Effect, snap snapshot) {
	defer close(m.done)
	if len(resume) > 0 {
		m.logger.Info().Str("state", snap.state.String()).Msg("resuming interrupted call")
		m.dispatch(resume, snap)
	}
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for m.step() {
		}
	}
}

// snapshot is what effects need from the machine after the mutex is released.
type snapshot struct {
	state     State
	device    *push.DeviceIdentity
	candidate *push.DeviceIdentity
}

func (m *Machine) snapshotLocked() snapshot {
	return snapshot{
		state:     m.state,
		device:    m.device.Clone(),
		candidate: m.candidate.Clone(),
	}
}

func (m *Machine) recordLocked() Record {
	return Record{
		State:         m.state,
		PendingEvents: eventsOf(m.pending),
		Candidate:     m.candidate,
	}
}

func eventsOf(queue []queuedEvent) []Event {
	events := make([]Event, len(queue))
	for i, q := range queue {
		events[i] = q.event
	}
	return events
}

func without(queue []queuedEvent, idx int) []queuedEvent {
	out := make([]queuedEvent, 0, len(queue)-1)
	out = append(out, queue[:idx]...)
	return append(out, queue[idx+1:]...)
}

// step applies the first event that is not deferred in the current state.
// It reports whether an event was taken off the queue.
func (m *Machine) step() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	idx := -1
	var newlyDeferred []Event
	for i := range m.pending {
		if Transition(m.state, m.pending[i].event).Disposition != Deferred {
			idx = i
			break
		}
		if !m.pending[i].deferred {
			m.pending[i].deferred = true
			newlyDeferred = append(newlyDeferred, m.pending[i].event)
		}
	}
	from := m.state
	var ev Event
	if idx >= 0 {
		ev = m.pending[idx].event
	}
	m.mu.Unlock()

	for _, d := range newlyDeferred {
		m.logger.Debug().Str("event", d.Name()).Str("state", from.String()).Msg("deferring event")
		m.metrics.recordDeferred(m.ctx, d, from)
	}
	if ev == nil {
		return false
	}

	m.lastEvent.Store(&eventBox{event: ev})
	m.logger.Debug().Str("event", ev.Name()).Str("state", from.String()).Msg("processing event")
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev, from)
	}

	ctx, span := m.tracer.Start(m.ctx, "push.activation "+ev.Name(),
		trace.WithAttributes(
			attribute.String("push.activation.event", ev.Name()),
			attribute.String("push.activation.from", from.String()),
		),
	)
	defer span.End()

	// Only the worker removes events and changes state, so idx and from still hold.
	out := Transition(from, ev)
	if out.Disposition == Unhandled {
		m.dropUnhandled(ctx, idx, ev, from)
		span.SetAttributes(attribute.String("push.activation.disposition", out.Disposition.String()))
		return true
	}

	m.mu.Lock()
	device, candidate, deviceChanged := m.applyIdentity(out.Effects)
	remaining := without(m.pending, idx)
	rec := Record{State: out.Next, PendingEvents: eventsOf(remaining), Candidate: candidate}

	if err := m.commit(ctx, rec, device, deviceChanged); err != nil {
		// Roll back: state and identity stay as they were, the event is dropped.
		m.pending = remaining
		saveErr := m.store.Save(context.WithoutCancel(ctx), m.recordLocked())
		snap := m.snapshotLocked()
		m.mu.Unlock()

		if saveErr != nil {
			m.logger.Error().Err(saveErr).Str("event", ev.Name()).Msg("failed to persist queue after rollback")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		m.persistFailed(ctx, ev, from, err)

		// The dropped event finished the call of its state; issue it again so
		// the machine does not wait for a completion that will never come.
		if completes(from, ev) {
			eff := resumeEffect(from)
			m.logger.Info().Str("state", from.String()).Msg("reissuing call after rolled back completion")
			m.dispatch([]Effect{eff}, snap)
		}
		return true
	}

	m.state = out.Next
	m.pending = remaining
	m.device = device
	m.candidate = candidate
	m.current.Store(uint32(out.Next))
	snap := m.snapshotLocked()
	m.mu.Unlock()

	span.SetAttributes(attribute.String("push.activation.to", out.Next.String()))
	if from != out.Next {
		m.logger.Info().
			Str("event", ev.Name()).
			Str("from", from.String()).
			Str("to", out.Next.String()).
			Msg("activation state changed")
	}

	m.dispatch(out.Effects, snap)
	m.metrics.recordTransition(ctx, ev, from, out.Next)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(ev, from, out.Next)
	}
	return true
}

func (m *Machine) dropUnhandled(ctx context.Context, idx int, ev Event, state State) {
	m.mu.Lock()
	m.pending = without(m.pending, idx)
	err := m.store.Save(ctx, m.recordLocked())
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Str("event", ev.Name()).Msg("failed to persist queue after dropping event")
	}
	m.logger.Warn().Str("event", ev.Name()).Str("state", state.String()).Msg("event not handled in current state")
	m.metrics.recordUnhandled(ctx, ev, state)
	if m.cfg.OnUnhandled != nil {
		m.cfg.OnUnhandled(ev, state)
	}
}

// applyIdentity computes the device and candidate after the identity effects.
// The committed values are not touched.
func (m *Machine) applyIdentity(effects []Effect) (device, candidate *push.DeviceIdentity, deviceChanged bool) {
	device = m.device
	candidate = m.candidate

	for _, eff := range effects {
		switch e := eff.(type) {
		case StageCandidate:
			candidate = m.stage(device, e.Recipient)
		case CommitCandidate:
			if candidate == nil {
				candidate = device.Clone()
			}
			committed := candidate.Clone()
			if e.IdentityToken != nil {
				tok := *e.IdentityToken
				committed.IdentityToken = &tok
			}
			device = committed
			candidate = nil
			deviceChanged = true
		case DiscardCandidate:
			candidate = nil
		case ClearIdentity:
			cleared := device.Clone()
			cleared.IdentityToken = nil
			cleared.Push = push.DevicePushDetails{}
			device = cleared
			deviceChanged = true
		}
	}
	return device, candidate, deviceChanged
}

// commit writes the identity (if it changed) and then the record, retrying with backoff.
func (m *Machine) commit(ctx context.Context, rec Record, device *push.DeviceIdentity, deviceChanged bool) error {
	// A commit that has started finishes even if Close cancels the machine.
	ctx = context.WithoutCancel(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.PersistRetryInterval
	bo.MaxElapsedTime = 0

	operation := func() error {
		if deviceChanged {
			if err := m.store.SaveDevice(ctx, device); err != nil {
				return err
			}
		}
		return m.store.Save(ctx, rec)
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn().Err(err).Dur("retry_in", wait).Msg("commit failed, retrying")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, m.cfg.PersistRetries), ctx), notify)
}

func (m *Machine) persistFailed(ctx context.Context, ev Event, state State, err error) {
	info := push.NewErrorInfo(push.CodePersistenceFailed, 0, "failed to persist activation state: "+err.Error())

	m.logger.Error().Err(err).Str("event", ev.Name()).Str("state", state.String()).Msg("rolled back transition")
	m.metrics.recordPersistFailure(ctx, ev)

	m.notify(persistFailureEffect(state, ev, info))
	if m.cfg.OnPersistFailure != nil {
		m.cfg.OnPersistFailure(ev, info)
	}
}

// dispatch runs the non-identity effects. Delegate callbacks run inline on
// the worker; backend calls run in their own goroutines and report back
// through SendEvent.
func (m *Machine) dispatch(effects []Effect, snap snapshot) {
	for _, eff := range effects {
		switch eff.(type) {
		case RequestPushDetails:
			m.delegate.RequestPushDeviceDetails(m.ctx)
		case RegisterCandidate:
			m.goCall(func(ctx context.Context) Event { return m.register(ctx, snap) })
		case SyncCandidate:
			m.goCall(func(ctx context.Context) Event { return m.sync(ctx, snap) })
		case Deregister:
			m.goCall(func(ctx context.Context) Event { return m.deregister(ctx, snap) })
		default:
			m.notify(eff)
		}
	}
}

func (m *Machine) notify(eff Effect) {
	switch e := eff.(type) {
	case NotifyActivated:
		m.delegate.DidActivate(e.Err)
	case NotifyDeactivated:
		m.delegate.DidDeactivate(e.Err)
	case NotifyUpdateFailed:
		m.delegate.DidFailUpdate(e.Err)
	}
}

func (m *Machine) goCall(call func(ctx context.Context) Event) {
	m.effects.Add(1)
	go func() {
		defer m.effects.Done()

		ctx := m.ctx
		if m.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
			defer cancel()
		}
		m.SendEvent(call(ctx))
	}()
}

func (m *Machine) register(ctx context.Context, snap snapshot) Event {
	candidate := snap.candidate
	if candidate == nil {
		candidate = snap.device
	}

	var token *push.IdentityTokenDetails
	if custom, ok := m.delegate.(CustomRegisterer); ok {
		tok, err := custom.CustomRegister(ctx, candidate.Details(), true)
		if err != nil {
			return GettingDeviceRegistrationFailed{Reason: push.ErrorInfoFrom(err)}
		}
		token = tok
	} else {
		saved, err := m.cfg.Registrations.Save(ctx, candidate.Details())
		if err != nil {
			return GettingDeviceRegistrationFailed{Reason: push.ErrorInfoFrom(err)}
		}
		token = saved.DeviceIdentityToken
	}

	if token == nil || token.Token == "" {
		return GettingDeviceRegistrationFailed{
			Reason: push.NewErrorInfo(push.CodeInternal, 0, "registration response has no device identity token"),
		}
	}
	return GotDeviceRegistration{IdentityToken: token}
}

func (m *Machine) sync(ctx context.Context, snap snapshot) Event {
	candidate := snap.candidate
	if candidate == nil {
		candidate = snap.device
	}
	ctx = push.ContextWithIdentityToken(ctx, snap.device.IdentityToken)

	var err error
	if custom, ok := m.delegate.(CustomRegisterer); ok {
		_, err = custom.CustomRegister(ctx, candidate.Details(), false)
	} else {
		_, err = m.cfg.Registrations.Save(ctx, candidate.Details())
	}
	if err != nil {
		return SyncRegistrationFailed{Reason: push.ErrorInfoFrom(err)}
	}
	return RegistrationSynced{}
}

func (m *Machine) deregister(ctx context.Context, snap snapshot) Event {
	ctx = push.ContextWithIdentityToken(ctx, snap.device.IdentityToken)

	var err error
	if custom, ok := m.delegate.(CustomDeregisterer); ok {
		err = custom.CustomDeregister(ctx, snap.device.ID)
	} else {
		err = m.cfg.Registrations.Remove(ctx, snap.device.ID)
	}
	if err != nil {
		return DeregistrationFailed{Reason: push.ErrorInfoFrom(err)}
	}
	return Deregistered{}
}
