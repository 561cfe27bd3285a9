package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned without calling the backend while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the endpoint for the breaker and the registry.
	Name string

	// Timeout bounds each individual attempt.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Default: 3. Use NoRetries to disable retrying.
	MaxRetries uint64

	// InitialInterval is the first retry delay.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval caps the retry delay.
	// Default: 5 seconds
	MaxInterval time.Duration

	// Breaker configures the circuit breaker. Nil uses DefaultBreakerConfig.
	Breaker *BreakerConfig

	// Registry, if set, tracks this client's health.
	Registry *Registry

	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// NoRetries disables retrying when set as MaxRetries.
const NoRetries = ^uint64(0)

// DefaultClientConfig returns the defaults used for backend calls.
func DefaultClientConfig(name string) ClientConfig {
	breaker := DefaultBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         &breaker,
	}
}

// Client is an http.Client with a circuit breaker and retries on transient failures.
type Client struct {
	name       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	registry   *Registry
	cfg        ClientConfig
}

// NewClient creates a Client and registers it when cfg.Registry is set.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch cfg.MaxRetries {
	case 0:
		cfg.MaxRetries = 3
	case NoRetries:
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	breakerCfg := DefaultBreakerConfig(cfg.Name)
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
		if breakerCfg.Name == "" {
			breakerCfg.Name = cfg.Name
		}
	}

	c := &Client{
		name: cfg.Name,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		breaker:  NewBreaker[*http.Response](breakerCfg), //nolint:bodyclose // type param, not response
		registry: cfg.Registry,
		cfg:      cfg,
	}
	if c.registry != nil {
		c.registry.Register(c)
	}
	return c
}

// Name returns the endpoint name.
func (c *Client) Name() string {
	return c.name
}

// Do sends req, retrying network errors and 5xx responses with exponential
// backoff. A 4xx response is returned as is. If every attempt got a 5xx the
// last response is returned with a nil error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	var last *http.Response

	attempt := func() error {
		if last != nil {
			last.Body.Close()
			last = nil
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // closed by caller or next attempt
			attemptReq, err := rewind(ctx, req)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r, err := c.httpClient.Do(attemptReq)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		if resp != nil {
			last = resp
		}
		return err
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil {
		c.recordFailure(err)
		var serverErr *ServerError
		if last != nil && errors.As(err, &serverErr) {
			return last, nil
		}
		if last != nil {
			last.Body.Close()
		}
		return nil, err
	}

	c.recordSuccess()
	return last, nil
}

// rewind clones req for another attempt, resetting its body.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func (c *Client) recordSuccess() {
	if c.registry != nil {
		c.registry.recordSuccess(c.name)
	}
}

func (c *Client) recordFailure(err error) {
	if c.registry != nil {
		c.registry.recordFailure(c.name, err)
	}
}

// ServerError is a 5xx response seen by the breaker.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// BreakerState returns the breaker's current state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// BreakerCounts returns the breaker's current counts.
func (c *Client) BreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}
