package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the production Casambi REST endpoint.
const DefaultBaseURL = "https://door.casambi.com/v1"

// Client issues authenticated requests against the Casambi REST API.
// It performs no retries; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a Casambi API client with the given API key.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		logger:     logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSessionID sets the session id sent in the X-Casambi-Session header.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// SessionID returns the current session id, empty before login.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Request performs one API call. body, when non-nil, is JSON-encoded; out,
// when non-nil, receives the decoded JSON response body. Non-2xx statuses
// are returned as *Error mapped onto the sentinel taxonomy.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body for %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-type", "application/json")
	req.Header.Set("X-Casambi-Key", c.apiKey)
	if sid := c.SessionID(); sid != "" {
		req.Header.Set("X-Casambi-Session", sid)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	c.logger.Debug("api request", "method", method, "path", path, "status", res.StatusCode)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body)
		return statusError(res.StatusCode, path)
	}

	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
