// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quarry-pm/quarry/pkg/pkgname"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultTimeout     = 30 * time.Second
)

type (
	// Config carries the client configuration for a registry. It is an
	// explicit value passed into NewHTTPClient — never process-global
	// state — so tests can substitute fakes without setup/teardown.
	Config struct {
		// BaseURL is the registry API root, e.g. "https://registry.example.com".
		BaseURL string
		// AuthToken, if set, is sent as a bearer token.
		AuthToken string
		// MaxAttempts bounds transfer attempts for transient failures.
		MaxAttempts int
		// Backoff is the base delay between attempts (doubled each retry).
		Backoff time.Duration
		// HTTPClient overrides the transport; nil uses a default with a
		// request timeout.
		HTTPClient *http.Client
	}

	// HTTPClient talks to a registry over its v1 HTTP API.
	HTTPClient struct {
		base        *url.URL
		token       string
		maxAttempts int
		backoff     time.Duration
		http        *http.Client
	}
)

// NewHTTPClient builds a Client for the registry described by cfg.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid registry URL %q: scheme and host are required", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	return &HTTPClient{
		base:        base,
		token:       cfg.AuthToken,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		http:        httpClient,
	}, nil
}

// Metadata implements Client.
func (c *HTTPClient) Metadata(ctx context.Context, name pkgname.Name) ([]VersionMetadata, error) {
	endpoint := c.endpoint("v1", "package-metadata", name.Scope, name.Name)

	var payload struct {
		Versions []VersionMetadata `json:"versions"`
	}
	err := RetryWithBackoff(ctx, c.maxAttempts, c.backoff, func() error {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		defer body.Close()
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}

	return payload.Versions, nil
}

// Contents implements Client. The archive is buffered fully before being
// returned so a retryable mid-stream failure is retried here rather than
// surfacing a broken reader to the caller.
func (c *HTTPClient) Contents(ctx context.Context, name pkgname.Name, version string) (io.ReadCloser, error) {
	endpoint := c.endpoint("v1", "package-contents", name.Scope, name.Name, version)

	var buf bytes.Buffer
	err := RetryWithBackoff(ctx, c.maxAttempts, c.backoff, func() error {
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		defer body.Close()
		buf.Reset()
		if _, err := io.Copy(&buf, body); err != nil {
			return Retryable(fmt.Errorf("%w: %v", ErrNetwork, err))
		}
		return nil
	})
	if err != nil {
		return nil, &FetchError{Name: name, Version: version, Err: err}
	}

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

func (c *HTTPClient) endpoint(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

func (c *HTTPClient) get(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("%w: %v", ErrNetwork, err))
	}

	if err := checkStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// checkStatus maps response codes onto the error taxonomy: 404 is a
// permanent not-found, 5xx is transient, anything else non-200 is a
// permanent transport failure.
func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return Retryable(fmt.Errorf("%w: status %d", ErrNetwork, code))
	default:
		return fmt.Errorf("%w: status %d", ErrNetwork, code)
	}
}
