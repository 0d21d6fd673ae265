package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Timeout defaults
const (
	// DefaultControlTimeout bounds registration, challenge, presign,
	// and completion calls.
	DefaultControlTimeout = 10 * time.Second

	// baseResourceTimeout is the floor for presigned object PUTs.
	baseResourceTimeout = 60 * time.Second

	// resourceTimeoutPerChunk extends the PUT deadline by one second
	// per 128KiB of payload.
	resourceTimeoutChunk = 128 * 1024
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether the token was rejected (401).
func (e *HTTPError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRejected reports whether the credential itself was refused (403/404).
func (e *HTTPError) IsRejected() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound
}

// IsServerError reports whether the backend failed (5xx).
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// Config contains transport client configuration
type Config struct {
	ControlTimeout  time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ControlTimeout:  DefaultControlTimeout,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "rejourney-go/1.0",
	}
}

// Client issues backend control calls and presigned object uploads
type Client struct {
	baseURL string
	client  *http.Client
	config  *Config
}

// NewClient creates a transport client for the given API base URL
func NewClient(baseURL string, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ControlTimeout == 0 {
		config.ControlTimeout = DefaultControlTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = "rejourney-go/1.0"
	}

	transport := &http.Transport{
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Per-request deadlines come from context; the client-level
		// timeout stays 0 so object PUTs can outlive control calls.
		client: &http.Client{Transport: transport},
		config: config,
	}
}

// PostJSON sends a JSON control call and decodes the JSON response into out.
// An empty bearer sends an unauthenticated request. out may be nil when the
// response body is irrelevant.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any, bearer string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ControlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// PutObject uploads raw bytes to a presigned object-storage URL.
func (c *Client) PutObject(ctx context.Context, url string, payload []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, ResourceTimeout(len(payload)))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.ContentLength = int64(len(payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	return nil
}

// ResourceTimeout returns the PUT deadline for a payload of the given size.
func ResourceTimeout(payloadSize int) time.Duration {
	extra := time.Duration(payloadSize/resourceTimeoutChunk) * time.Second
	return baseResourceTimeout + extra
}

func truncateBody(body []byte) string {
	const maxLen = 512
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
