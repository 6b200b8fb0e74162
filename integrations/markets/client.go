package markets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

var errEndpointRequired = errors.New("markets: endpoint required")

// Client is the shared HTTP plumbing for the market-facing adapters. Every
// call is a JSON POST against a single base URL with an optional bearer
// token.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	timeout   time.Duration
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// NewClient constructs the shared client for a service base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errEndpointRequired
	}
	client := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// remoteError is the error body market services respond with.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) postJSON(path string, payload, result interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("markets: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("markets: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("markets: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("markets: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var remote remoteError
		if json.Unmarshal(data, &remote) == nil && remote.Code != "" {
			return &ServiceError{Status: resp.StatusCode, Code: remote.Code, Message: remote.Message}
		}
		return &ServiceError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("markets: decode response: %w", err)
	}
	return nil
}

// ServiceError is a non-200 reply from a market service.
type ServiceError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("markets: service error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("markets: service error %d: %s", e.Status, e.Message)
}
