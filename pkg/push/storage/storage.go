// Package storage provides the key/value backends that persist the push
// activation record and the local device identity.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has never been written or was deleted.
var ErrNotFound = errors.New("key not found")

// Storage is a durable byte-oriented key/value store.
// Put must be durable when it returns nil.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
