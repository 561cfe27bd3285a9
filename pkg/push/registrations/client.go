// Package registrations is the HTTP client for the push device registration API.
package registrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypush/relaypush/internal/resilience"
	"github.com/relaypush/relaypush/pkg/push"
)

const (
	// EndpointName identifies the registration API in health reports.
	EndpointName = "push-registrations"

	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 10 * time.Second

	// DeviceTokenHeader carries the device identity token.
	DeviceTokenHeader = "X-Device-Token"

	registrationsPath = "/push/deviceRegistrations"
)

// HTTPDoer executes HTTP requests. Both *http.Client and *resilience.Client satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root including the version prefix, e.g. https://push.example.com/v1.
	BaseURL string

	// APIKey authenticates calls that carry no device identity token.
	APIKey string

	// HTTPClient overrides the default resilient client.
	HTTPClient HTTPDoer

	// Timeout bounds each attempt of the default client.
	Timeout time.Duration

	// Registry tracks the health of the default client.
	Registry *resilience.Registry

	Logger zerolog.Logger
}

// Client talks to the device registration API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPDoer
	logger     zerolog.Logger
}

// NewClient creates a registration API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("registrations: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("registrations: invalid base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(EndpointName)
		if cfg.Timeout > 0 {
			clientCfg.Timeout = cfg.Timeout
		}
		clientCfg.Registry = cfg.Registry
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}, nil
}

// listResponse is the body of a list call.
type listResponse struct {
	Items []*push.DeviceDetails `json:"items"`
	Meta  struct {
		Limit      int    `json:"limit"`
		NextCursor string `json:"nextCursor,omitempty"`
	} `json:"meta"`
}

// problem is the subset of an RFC 7807 body the client reads.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

// Save upserts device and returns the stored registration with a fresh identity token.
func (c *Client) Save(ctx context.Context, device *push.DeviceDetails) (*push.DeviceDetails, error) {
	if err := device.Validate(); err != nil {
		return nil, push.ErrorInfoFrom(err)
	}

	body, err := json.Marshal(device)
	if err != nil {
		return nil, fmt.Errorf("encoding device: %w", err)
	}

	var saved push.DeviceDetails
	if err := c.do(ctx, http.MethodPut, devicePath(device.ID), nil, body, &saved); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("device_id", device.ID).Msg("saved device registration")
	return &saved, nil
}

// Get returns one registration.
func (c *Client) Get(ctx context.Context, deviceID string) (*push.DeviceDetails, error) {
	var details push.DeviceDetails
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID), nil, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// List returns the first page of registrations matching params
// (clientId, deviceId, limit).
func (c *Client) List(ctx context.Context, params map[string]string) (*push.DeviceDetailsPage, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return c.listPage(ctx, query)
}

func (c *Client) listPage(ctx context.Context, query url.Values) (*push.DeviceDetailsPage, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, registrationsPath, query, nil, &resp); err != nil {
		return nil, err
	}

	next := func(ctx context.Context, cursor string) (*push.DeviceDetailsPage, error) {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("cursor", cursor)
		return c.listPage(ctx, q)
	}
	return push.NewDeviceDetailsPage(resp.Items, resp.Meta.NextCursor, next), nil
}

// Remove deletes a registration. A missing registration is not an error.
func (c *Client) Remove(ctx context.Context, deviceID string) error {
	err := c.do(ctx, http.MethodDelete, devicePath(deviceID), nil, nil, nil)
	var info *push.ErrorInfo
	if errors.As(err, &info) && info.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// RemoveWhere deletes every registration matching params (clientId or deviceId).
func (c *Client) RemoveWhere(ctx context.Context, params map[string]string) error {
	if len(params) == 0 {
		return push.NewErrorInfo(push.CodeBadRequest, http.StatusBadRequest, "removeWhere requires at least one filter")
	}
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return c.do(ctx, http.MethodDelete, registrationsPath, query, nil, nil)
}

func devicePath(deviceID string) string {
	return registrationsPath + "/" + url.PathEscape(deviceID)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := push.IdentityTokenFromContext(ctx); token != "" {
		req.Header.Set(DeviceTokenHeader, token)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return push.NewErrorInfo(push.CodeUnreachable, 0, "push registration API unavailable: circuit open")
		}
		return push.ErrorInfoFrom(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return push.ErrorInfoFrom(fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode >= 300 {
		return c.errorFromResponse(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return push.NewErrorInfo(push.CodeInternal, resp.StatusCode, "decoding response: "+err.Error())
	}
	return nil
}

func (c *Client) errorFromResponse(status int, body []byte) *push.ErrorInfo {
	var p problem
	_ = json.Unmarshal(body, &p)

	message := p.Detail
	if message == "" {
		message = p.Title
	}
	if message == "" {
		message = http.StatusText(status)
	}

	code := p.Code
	if code == 0 {
		code = push.CodeForStatus(status)
	}

	c.logger.Warn().
		Int("status", status).
		Int("code", code).
		Str("message", message).
		Msg("registration API returned an error")
	return push.NewErrorInfo(code, status, message)
}
