package auth

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidAPIKey is returned when a presented key is not configured.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeys is the set of application keys allowed to manage any registration.
type APIKeys struct {
	keys map[string]string // key -> name
}

// ParseAPIKeys parses "name:key,name:key". An entry without a name is named by its position.
func ParseAPIKeys(spec string) (*APIKeys, error) {
	keys := make(map[string]string)
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, key, found := strings.Cut(entry, ":")
		if !found {
			key = name
			name = "key" + strconv.Itoa(i)
		}
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("api key entry has an empty key")
		}
		keys[key] = name
	}
	return &APIKeys{keys: keys}, nil
}

// NewAPIKeys creates a key set from name to key pairs.
func NewAPIKeys(named map[string]string) *APIKeys {
	keys := make(map[string]string, len(named))
	for name, key := range named {
		keys[key] = name
	}
	return &APIKeys{keys: keys}
}

// Len returns the number of configured keys.
func (k *APIKeys) Len() int {
	return len(k.keys)
}

// Authenticate returns the name of the key, or ErrInvalidAPIKey.
func (k *APIKeys) Authenticate(presented string) (string, error) {
	if presented == "" {
		return "", ErrInvalidAPIKey
	}
	for key, name := range k.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return name, nil
		}
	}
	return "", ErrInvalidAPIKey
}
