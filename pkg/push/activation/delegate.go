package activation

import (
	"context"

	"github.com/relaypush/relaypush/pkg/push"
)

// Registrations is the backend device registration API.
// The machine only calls Save and Remove; the rest serve admin tooling.
type Registrations interface {
	// Save upserts a registration and returns it with a fresh identity token.
	Save(ctx context.Context, device *push.DeviceDetails) (*push.DeviceDetails, error)
	Get(ctx context.Context, deviceID string) (*push.DeviceDetails, error)
	List(ctx context.Context, params map[string]string) (*push.DeviceDetailsPage, error)
	// Remove deletes a registration. Removing a missing registration succeeds.
	Remove(ctx context.Context, deviceID string) error
	RemoveWhere(ctx context.Context, params map[string]string) error
}

// Delegate is the platform-specific side of activation.
// Its methods are called on the machine's worker goroutine and must not block;
// RequestPushDeviceDetails reports its result later through SendEvent with
// GotPushDeviceDetails or GettingPushDeviceDetailsFailed.
type Delegate interface {
	RequestPushDeviceDetails(ctx context.Context)
	DidActivate(err *push.ErrorInfo)
	DidDeactivate(err *push.ErrorInfo)
	DidFailUpdate(err *push.ErrorInfo)
}

// CustomRegisterer lets a delegate register the device through its own
// server instead of the registration API. isNew is false for updates.
// It is called from a separate goroutine and may block.
type CustomRegisterer interface {
	CustomRegister(ctx context.Context, device *push.DeviceDetails, isNew bool) (*push.IdentityTokenDetails, error)
}

// CustomDeregisterer lets a delegate remove the registration through its own server.
// It is called from a separate goroutine and may block.
type CustomDeregisterer interface {
	CustomDeregister(ctx context.Context, deviceID string) error
}
