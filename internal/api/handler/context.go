package handler

import (
	"context"

	"github.com/relaypush/relaypush/internal/api/middleware"
	"github.com/relaypush/relaypush/internal/device"
)

// GetPrincipal retrieves the authenticated caller from the context.
// This is a convenience wrapper around middleware.GetPrincipal.
func GetPrincipal(ctx context.Context) (device.Principal, bool) {
	return middleware.GetPrincipal(ctx)
}
