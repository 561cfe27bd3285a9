// Package events defines the registration change messages exchanged over Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Message types.
const (
	TypeRegistrationSaved   = "registration_saved"
	TypeRegistrationRemoved = "registration_removed"
	TypeActivationChanged   = "activation_changed"
	TypePruneRegistrations  = "prune_registrations"
)

// ErrUnknownType is returned when decoding a message with an unrecognised type.
var ErrUnknownType = errors.New("unknown message type")

// Message is the JSON payload published for every registration change.
type Message struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"deviceId,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Transport  string    `json:"transportType,omitempty"`
	Created    bool      `json:"created,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Event      string    `json:"event,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Encode serialises the message.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message and checks its type.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	switch m.Type {
	case TypeRegistrationSaved, TypeRegistrationRemoved, TypeActivationChanged, TypePruneRegistrations:
		return m, nil
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Publisher sends messages to subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// NopPublisher discards every message.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Message) error { return nil }

// Recorder keeps published messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// FailWith makes subsequent Publish calls return err. Pass nil to recover.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*Recorder)(nil)
)
