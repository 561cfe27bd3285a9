package device

import "context"

// Repository defines the interface for registration persistence.
type Repository interface {
	// Get retrieves a registration by device ID.
	Get(ctx context.Context, deviceID string) (*Registration, error)

	// List retrieves registrations ordered by device ID.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Upsert creates or replaces a registration.
	// Returns true if a new registration was created, false if updated.
	Upsert(ctx context.Context, reg *Registration) (created bool, err error)

	// Delete deletes a registration.
	Delete(ctx context.Context, deviceID string) error

	// DeleteWhere deletes every registration matching the filter and returns them.
	DeleteWhere(ctx context.Context, filter Filter) ([]*Registration, error)
}
