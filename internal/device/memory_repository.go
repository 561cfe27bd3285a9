package device

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing and local runs. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu      sync.RWMutex
	devices map[string]*Registration // keyed by device ID
}

// NewInMemoryRepository creates a new in-memory registration repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		devices: make(map[string]*Registration),
	}
}

// Get retrieves a registration by device ID.
func (r *InMemoryRepository) Get(_ context.Context, deviceID string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return copyRegistration(reg), nil
}

// List retrieves registrations ordered by device ID.
func (r *InMemoryRepository) List(_ context.Context, opts ListOptions) (*ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := EffectiveLimit(opts.Limit)

	ids := slices.Sorted(maps.Keys(r.devices))
	var items []*Registration
	for _, id := range ids {
		if opts.Cursor != "" && id <= opts.Cursor {
			continue
		}
		reg := r.devices[id]
		if !opts.Filter.Matches(reg) {
			continue
		}
		items = append(items, copyRegistration(reg))
		if len(items) > limit {
			break
		}
	}

	result := &ListResult{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		result.NextCursor = items[limit-1].ID
	}
	return result, nil
}

// Upsert creates or replaces a registration, keeping the original creation time.
func (r *InMemoryRepository) Upsert(_ context.Context, reg *Registration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := copyRegistration(reg)
	existing, ok := r.devices[reg.ID]
	if ok {
		stored.CreatedAt = existing.CreatedAt
	}
	r.devices[reg.ID] = stored
	return !ok, nil
}

// Delete deletes a registration.
func (r *InMemoryRepository) Delete(_ context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(r.devices, deviceID)
	return nil
}

// DeleteWhere deletes every registration matching the filter.
func (r *InMemoryRepository) DeleteWhere(_ context.Context, filter Filter) ([]*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Registration
	for _, id := range slices.Sorted(maps.Keys(r.devices)) {
		reg := r.devices[id]
		if filter.Matches(reg) {
			removed = append(removed, reg)
			delete(r.devices, id)
		}
	}
	return removed, nil
}

// Len returns the number of stored registrations.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// copyRegistration creates a deep copy of a registration.
func copyRegistration(reg *Registration) *Registration {
	if reg == nil {
		return nil
	}
	c := *reg
	c.Metadata = maps.Clone(reg.Metadata)
	c.Recipient = maps.Clone(reg.Recipient)
	return &c
}

var _ Repository = (*InMemoryRepository)(nil)
