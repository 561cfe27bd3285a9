package models

import "github.com/relaypush/relaypush/pkg/push"

// PagedRegistrations represents a paginated list of device registrations.
type PagedRegistrations struct {
	Items []*push.DeviceDetails `json:"items"`
	Meta  PagedResponseMeta     `json:"meta"`
}

// RemoveWhereResult is returned by a filtered delete.
type RemoveWhereResult struct {
	Removed int `json:"removed"`
}
