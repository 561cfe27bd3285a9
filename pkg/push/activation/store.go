package activation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaypush/relaypush/pkg/push"
	"github.com/relaypush/relaypush/pkg/push/storage"
)

// Storage keys. They are part of the on-disk format and must not change.
const (
	KeyCurrentState  = "push.activation.currentState"
	KeyPendingEvents = "push.activation.pendingEvents"
	KeyCandidate     = "push.activation.candidate"
	KeyDevice        = "push.device"
)

// ErrCorruptRecord is returned when persisted data cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt activation record")

// Record is the durable state of the machine.
type Record struct {
	State         State
	PendingEvents []Event
	// Candidate is the identity being registered or synced, if any.
	Candidate *push.DeviceIdentity
}

// Store persists the activation record and the committed device identity.
type Store interface {
	// Load returns the stored record, or a NotActivated record with an empty
	// queue if nothing has been stored.
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	// LoadDevice returns nil, nil if no identity has been stored.
	LoadDevice(ctx context.Context) (*push.DeviceIdentity, error)
	SaveDevice(ctx context.Context, device *push.DeviceIdentity) error
}

// KVStore implements Store over a key/value Storage.
type KVStore struct {
	storage storage.Storage
}

// NewKVStore creates a Store backed by s.
func NewKVStore(s storage.Storage) *KVStore {
	return &KVStore{storage: s}
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context) (Record, error) {
	rec := Record{State: NotActivated}

	raw, err := s.get(ctx, KeyCurrentState)
	if err != nil {
		return rec, err
	}
	if raw != nil {
		state, err := ParseState(string(raw))
		if err != nil {
			return Record{State: NotActivated}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		rec.State = state
	}

	raw, err = s.get(ctx, KeyPendingEvents)
	if err != nil {
		return rec, err
	}
	if raw != nil {
		events, err := unmarshalEvents(raw)
		if err != nil {
			return Record{State: NotActivated}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		rec.PendingEvents = events
	}

	raw, err = s.get(ctx, KeyCandidate)
	if err != nil {
		return rec, err
	}
	if raw != nil {
		var candidate push.DeviceIdentity
		if err := json.Unmarshal(raw, &candidate); err != nil {
			return Record{State: NotActivated}, fmt.Errorf("%w: candidate: %w", ErrCorruptRecord, err)
		}
		rec.Candidate = &candidate
	}

	return rec, nil
}

// Save implements Store. The state is written before the queue so that a
// crash between the two writes leaves the applied event queued, never lost.
func (s *KVStore) Save(ctx context.Context, rec Record) error {
	if rec.Candidate != nil {
		raw, err := json.Marshal(rec.Candidate)
		if err != nil {
			return fmt.Errorf("encode candidate: %w", err)
		}
		if err := s.storage.Put(ctx, KeyCandidate, raw); err != nil {
			return fmt.Errorf("save candidate: %w", err)
		}
	} else if err := s.storage.Delete(ctx, KeyCandidate); err != nil {
		return fmt.Errorf("delete candidate: %w", err)
	}

	if err := s.storage.Put(ctx, KeyCurrentState, []byte(rec.State.String())); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	raw, err := marshalEvents(rec.PendingEvents)
	if err != nil {
		return fmt.Errorf("encode pending events: %w", err)
	}
	if err := s.storage.Put(ctx, KeyPendingEvents, raw); err != nil {
		return fmt.Errorf("save pending events: %w", err)
	}
	return nil
}

// LoadDevice implements Store.
func (s *KVStore) LoadDevice(ctx context.Context) (*push.DeviceIdentity, error) {
	raw, err := s.get(ctx, KeyDevice)
	if err != nil || raw == nil {
		return nil, err
	}
	var device push.DeviceIdentity
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, fmt.Errorf("%w: device: %w", ErrCorruptRecord, err)
	}
	return &device, nil
}

// SaveDevice implements Store.
func (s *KVStore) SaveDevice(ctx context.Context, device *push.DeviceIdentity) error {
	raw, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}
	if err := s.storage.Put(ctx, KeyDevice, raw); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// get returns nil, nil for a missing key.
func (s *KVStore) get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return raw, nil
}

var _ Store = (*KVStore)(nil)
