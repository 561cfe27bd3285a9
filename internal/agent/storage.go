package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaypush/relaypush/internal/database"
	"github.com/relaypush/relaypush/pkg/push/storage"
)

// ErrUnknownStorage is returned for an unrecognised PUSH_STORAGE value.
var ErrUnknownStorage = errors.New("agent: unknown storage")

// OpenStorage opens the store named by spec. The returned close function
// releases any connection and is never nil.
func OpenStorage(ctx context.Context, spec, namespace string) (storage.Storage, func(), error) {
	kind, path, _ := strings.Cut(spec, ":")
	noop := func() {}

	switch kind {
	case "memory":
		return storage.NewMemoryStorage(), noop, nil

	case "file":
		if path == "" {
			return nil, noop, fmt.Errorf("%w: file storage needs a path", ErrUnknownStorage)
		}
		s, err := storage.NewFileStorage(path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case "sqlite":
		if path == "" {
			return nil, noop, fmt.Errorf("%w: sqlite storage needs a path", ErrUnknownStorage)
		}
		s, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		pool, err := database.Connect(ctx, database.ConfigFromEnv())
		if err != nil {
			return nil, noop, err
		}
		s, err := storage.NewPostgresStorage(ctx, pool, namespace)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		return s, pool.Close, nil
	}

	return nil, noop, fmt.Errorf("%w %q, want memory, file:<path>, sqlite:<path> or postgres", ErrUnknownStorage, spec)
}
