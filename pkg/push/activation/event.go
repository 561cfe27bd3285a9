package activation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaypush/relaypush/pkg/push"
)

// ErrUnknownEvent is returned when decoding an event type that does not exist.
var ErrUnknownEvent = errors.New("unknown activation event")

// Event is an input to the state machine. The set is closed.
type Event interface {
	// Name returns the stable name used for persistence and logging.
	Name() string
	isEvent()
}

// CalledActivate is sent when the application asks to activate push.
type CalledActivate struct{}

// CalledDeactivate is sent when the application asks to deactivate push.
type CalledDeactivate struct{}

// GotPushDeviceDetails carries the platform push address obtained during activation.
type GotPushDeviceDetails struct {
	Recipient map[string]string `json:"recipient,omitempty"`
}

// GettingPushDeviceDetailsFailed reports that the platform could not provide a push address.
type GettingPushDeviceDetailsFailed struct {
	Reason *push.ErrorInfo `json:"reason,omitempty"`
}

// GotDeviceRegistration carries the identity token issued by the backend.
type GotDeviceRegistration struct {
	IdentityToken *push.IdentityTokenDetails `json:"identityToken,omitempty"`
}

// GettingDeviceRegistrationFailed reports that the backend rejected the registration.
type GettingDeviceRegistrationFailed struct {
	Reason *push.ErrorInfo `json:"reason,omitempty"`
}

// Deregistered reports that the backend removed the registration.
type Deregistered struct{}

// DeregistrationFailed reports that the backend could not remove the registration.
type DeregistrationFailed struct {
	Reason *push.ErrorInfo `json:"reason,omitempty"`
}

// GotNewPushDeviceDetails carries an updated push address, typically an
// unsolicited token refresh from the platform. A nil Recipient keeps the
// current address and only resyncs the registration.
type GotNewPushDeviceDetails struct {
	Recipient map[string]string `json:"recipient,omitempty"`
}

// RegistrationSynced reports that the backend accepted the updated registration.
type RegistrationSynced struct{}

// SyncRegistrationFailed reports that the backend rejected the updated registration.
type SyncRegistrationFailed struct {
	Reason *push.ErrorInfo `json:"reason,omitempty"`
}

func (CalledActivate) Name() string                  { return "CalledActivate" }
func (CalledDeactivate) Name() string                { return "CalledDeactivate" }
func (GotPushDeviceDetails) Name() string            { return "GotPushDeviceDetails" }
func (GettingPushDeviceDetailsFailed) Name() string  { return "GettingPushDeviceDetailsFailed" }
func (GotDeviceRegistration) Name() string           { return "GotDeviceRegistration" }
func (GettingDeviceRegistrationFailed) Name() string { return "GettingDeviceRegistrationFailed" }
func (Deregistered) Name() string                    { return "Deregistered" }
func (DeregistrationFailed) Name() string            { return "DeregistrationFailed" }
func (GotNewPushDeviceDetails) Name() string         { return "GotNewPushDeviceDetails" }
func (RegistrationSynced) Name() string              { return "RegistrationSynced" }
func (SyncRegistrationFailed) Name() string          { return "SyncRegistrationFailed" }

func (CalledActivate) isEvent()                  {}
func (CalledDeactivate) isEvent()                {}
func (GotPushDeviceDetails) isEvent()            {}
func (GettingPushDeviceDetailsFailed) isEvent()  {}
func (GotDeviceRegistration) isEvent()           {}
func (GettingDeviceRegistrationFailed) isEvent() {}
func (Deregistered) isEvent()                    {}
func (DeregistrationFailed) isEvent()            {}
func (GotNewPushDeviceDetails) isEvent()         {}
func (RegistrationSynced) isEvent()              {}
func (SyncRegistrationFailed) isEvent()          {}

// AllEvents returns one zero-valued instance of every event type.
func AllEvents() []Event {
	return []Event{
		CalledActivate{},
		CalledDeactivate{},
		GotPushDeviceDetails{},
		GettingPushDeviceDetailsFailed{},
		GotDeviceRegistration{},
		GettingDeviceRegistrationFailed{},
		Deregistered{},
		DeregistrationFailed{},
		GotNewPushDeviceDetails{},
		RegistrationSynced{},
		SyncRegistrationFailed{},
	}
}

// eventEnvelope is the persisted form of an event.
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type eventDecoder func(data json.RawMessage) (Event, error)

var eventDecoders = map[string]eventDecoder{
	"CalledActivate":                  decodeAs[CalledActivate],
	"CalledDeactivate":                decodeAs[CalledDeactivate],
	"GotPushDeviceDetails":            decodeAs[GotPushDeviceDetails],
	"GettingPushDeviceDetailsFailed":  decodeAs[GettingPushDeviceDetailsFailed],
	"GotDeviceRegistration":           decodeAs[GotDeviceRegistration],
	"GettingDeviceRegistrationFailed": decodeAs[GettingDeviceRegistrationFailed],
	"Deregistered":                    decodeAs[Deregistered],
	"DeregistrationFailed":            decodeAs[DeregistrationFailed],
	"GotNewPushDeviceDetails":         decodeAs[GotNewPushDeviceDetails],
	"RegistrationSynced":              decodeAs[RegistrationSynced],
	"SyncRegistrationFailed":          decodeAs[SyncRegistrationFailed],
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var ev T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// MarshalEvent encodes an event into its persisted envelope.
func MarshalEvent(ev Event) ([]byte, error) {
	env, err := envelopeOf(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEvent decodes an event from its persisted envelope.
func UnmarshalEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return fromEnvelope(env)
}

func envelopeOf(ev Event) (eventEnvelope, error) {
	if ev == nil {
		return eventEnvelope{}, errors.New("nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return eventEnvelope{}, fmt.Errorf("encode %s: %w", ev.Name(), err)
	}
	if string(data) == "{}" {
		data = nil
	}
	return eventEnvelope{Type: ev.Name(), Data: data}, nil
}

func fromEnvelope(env eventEnvelope) (Event, error) {
	decode, ok := eventDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func marshalEvents(events []Event) ([]byte, error) {
	envs := make([]eventEnvelope, 0, len(events))
	for _, ev := range events {
		env, err := envelopeOf(ev)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

func unmarshalEvents(raw []byte) ([]Event, error) {
	var envs []eventEnvelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, fmt.Errorf("decode pending events: %w", err)
	}
	events := make([]Event, 0, len(envs))
	for _, env := range envs {
		ev, err := fromEnvelope(env)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// failureReason extracts the error carried by a failure event, if any.
func failureReason(ev Event) *push.ErrorInfo {
	switch e := ev.(type) {
	case GettingPushDeviceDetailsFailed:
		return e.Reason
	case GettingDeviceRegistrationFailed:
		return e.Reason
	case DeregistrationFailed:
		return e.Reason
	case SyncRegistrationFailed:
		return e.Reason
	}
	return nil
}

// fromApplication reports whether ev originates from the application or the
// platform rather than from a backend completion. Only these may be deferred.
func fromApplication(ev Event) bool {
	switch ev.(type) {
	case CalledActivate, CalledDeactivate, GotPushDeviceDetails, GotNewPushDeviceDetails:
		return true
	}
	return false
}
