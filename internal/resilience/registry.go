package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// EndpointHealth is a point-in-time view of one backend endpoint.
type EndpointHealth struct {
	Name          string           `json:"name"`
	CircuitState  gobreaker.State  `json:"-"`
	State         string           `json:"state"`
	Counts        gobreaker.Counts `json:"counts"`
	LastSuccessAt *time.Time       `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time       `json:"lastFailureAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

// Healthy reports whether the breaker is closed.
func (h *EndpointHealth) Healthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// Degraded reports whether the breaker is probing (half-open).
func (h *EndpointHealth) Degraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// Down reports whether the breaker is open.
func (h *EndpointHealth) Down() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks the health of every Client registered with it.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

type endpoint struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*endpoint)}
}

// Register starts tracking client under its name, replacing any previous entry.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[client.Name()] = &endpoint{client: client}
}

// Unregister stops tracking name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[name]; ok {
		now := time.Now()
		e.lastSuccessAt = &now
	}
}

func (r *Registry) recordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[name]; ok {
		now := time.Now()
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

// Health returns the health of name, or nil if it is not registered.
func (r *Registry) Health(name string) *EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.endpoints[name]
	if !ok {
		return nil
	}
	return e.health(name)
}

// Snapshot returns the health of all endpoints sorted by name.
func (r *Registry) Snapshot() []*EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EndpointHealth, 0, len(r.endpoints))
	for name, e := range r.endpoints {
		out = append(out, e.health(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func (e *endpoint) health(name string) *EndpointHealth {
	state := e.client.BreakerState()
	return &EndpointHealth{
		Name:          name,
		CircuitState:  state,
		State:         state.String(),
		Counts:        e.client.BreakerCounts(),
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
		LastError:     e.lastError,
	}
}
