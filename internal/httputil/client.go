// Package httputil provides HTTP client utilities for service-to-service communication.
package httputil

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daygent/daygent/internal/serviceauth"
)

// ServiceClient calls sibling Daygent processes with a service credential
// attached. The end-user identity, when present in ctx, travels in
// X-User-ID so the callee can act on the user's behalf.
type ServiceClient struct {
	http        *http.Client
	tokens      *serviceauth.ServiceTokenGenerator
	staticToken string
	baseURL     string
	maxRetries  int
}

// ServiceClientConfig configures the service client. When PrivateKey is set
// the client signs a fresh RS256 token per request; otherwise StaticToken is
// sent as a bearer credential.
type ServiceClientConfig struct {
	PrivateKey  *rsa.PrivateKey
	ServiceID   string
	StaticToken string
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
}

// NewServiceClient creates a new authenticated service client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	c := &ServiceClient{
		staticToken: cfg.StaticToken,
		baseURL:     cfg.BaseURL,
		maxRetries:  cfg.MaxRetries,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 2
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c.http = &http.Client{Timeout: timeout}

	if cfg.PrivateKey != nil && cfg.ServiceID != "" {
		c.tokens = serviceauth.NewServiceTokenGenerator(cfg.PrivateKey, cfg.ServiceID, time.Hour)
	}
	return c
}

// Do executes a request against the configured base URL. A 401 or 403
// answer is retried with a freshly minted token up to MaxRetries times,
// which rides out callee key rotation.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if authRejected(resp.StatusCode) && attempt < c.maxRetries {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func authRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// newRequest builds one attempt's request. The body reader is fresh per
// attempt so retries never send a drained reader.
func (c *ServiceClient) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch {
	case c.tokens != nil:
		token, err := c.tokens.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate service token: %w", err)
		}
		req.Header.Set(serviceauth.ServiceTokenHeader, token)
	case c.staticToken != "":
		req.Header.Set("Authorization", "Bearer "+c.staticToken)
	}

	if userID := serviceauth.GetUserID(ctx); userID != "" {
		req.Header.Set(serviceauth.UserIDHeader, userID)
	}
	return req, nil
}

// Get issues a GET to path.
func (c *ServiceClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST with a JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT with a JSON body.
func (c *ServiceClient) Put(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE to path.
func (c *ServiceClient) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

const (
	// maxResponseBytes caps how much of a callee's JSON body is read.
	maxResponseBytes = 8 << 20
	// maxErrorBytes caps how much of an error body is echoed into errors.
	maxErrorBytes = 64 << 10
)

// DecodeResponse decodes a JSON response into target, or summarises the
// error body when the callee answered 4xx/5xx. It always closes the body.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if target == nil {
		_, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return err
	}

	body, err := ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError summarises a non-2xx response for the caller's error chain.
func statusError(resp *http.Response) error {
	body, truncated, err := ReadAllWithLimit(resp.Body, maxErrorBytes)
	if err != nil {
		return fmt.Errorf("read error response body: %w", err)
	}
	msg := strings.TrimSpace(string(body))
	if truncated {
		msg += "...(truncated)"
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
