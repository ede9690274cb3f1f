package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport performs a single request and returns the response body.
// Implementations report failures as *TransportError; a 404 wraps ErrNotFound.
type Transport interface {
	Fetch(ctx context.Context, url, method string, headers map[string]string) ([]byte, error)
}

// ContentSource opens the payload of one chunk file
type ContentSource interface {
	Open(ctx context.Context, origin ContentOrigin, file FileEntry) (io.ReadCloser, error)
}

// HTTPOptions configures the HTTP collaborators
type HTTPOptions struct {
	// Timeout for a whole request, including reading the body. Zero disables it.
	Timeout time.Duration
	// MaxConnections per host. Default: 128
	MaxConnections int
	// UserAgent is sent when the caller does not set one
	UserAgent string
}

const (
	DefaultMaxConnections = 128
	DefaultUserAgent      = "X-UnrealEngine-Agent"
)

// NewHTTPClient creates an http.Client with per-host connection limits
func NewHTTPClient(opts HTTPOptions) *http.Client {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: opts.MaxConnections,
			MaxConnsPerHost:     opts.MaxConnections,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
		Timeout: opts.Timeout,
	}
}

// HTTPTransport is the net/http Transport
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates a transport with its own connection pool
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	return NewHTTPTransportWithClient(NewHTTPClient(opts), opts.UserAgent)
}

// NewHTTPTransportWithClient wraps an existing client
func NewHTTPTransportWithClient(client *http.Client, userAgent string) *HTTPTransport {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Fetch implements Transport
func (t *HTTPTransport) Fetch(ctx context.Context, url, method string, headers map[string]string) ([]byte, error) {
	resp, err := t.do(ctx, url, method, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Retryable: ctx.Err() == nil, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}

func (t *HTTPTransport) do(ctx context.Context, url, method string, headers map[string]string) (*http.Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", t.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// A cancelled caller is not a transient failure
		return nil, &TransportError{URL: url, Retryable: ctx.Err() == nil, Err: err}
	}
	if err := checkStatusCode(url, resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// checkStatusCode maps a non-2xx status to a *TransportError. Server errors and
// throttling are retryable; other client errors are not.
func checkStatusCode(url string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return &TransportError{URL: url, StatusCode: code, Err: ErrNotFound}
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &TransportError{URL: url, StatusCode: code, Retryable: true, Err: errors.New(http.StatusText(code))}
	default:
		return &TransportError{URL: url, StatusCode: code, Err: fmt.Errorf("unexpected status code: %d", code)}
	}
}

// HTTPContentSource fetches chunk files from the origin's base URL, falling back
// to the alternate base URL when the primary request fails.
type HTTPContentSource struct {
	transport *HTTPTransport
}

// NewHTTPContentSource shares the given transport's connection pool
func NewHTTPContentSource(transport *HTTPTransport) *HTTPContentSource {
	return &HTTPContentSource{transport: transport}
}

// FileURL joins a base URL and a relative file path
func FileURL(baseURL, relativePath string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(relativePath, "/")
}

// Open implements ContentSource
func (s *HTTPContentSource) Open(ctx context.Context, origin ContentOrigin, file FileEntry) (io.ReadCloser, error) {
	if origin.BaseURL == "" {
		return nil, &TransportError{URL: file.RelativePath, Err: errors.New("content origin has no base url")}
	}

	resp, err := s.transport.do(ctx, FileURL(origin.BaseURL, file.RelativePath), http.MethodGet, nil)
	if err == nil {
		return resp.Body, nil
	}
	if origin.AltBaseURL == "" || ctx.Err() != nil {
		return nil, err
	}

	PushLogDebug(s, fmt.Sprintf("Primary origin failed for %s, trying alternate: %v", file.RelativePath, err))
	resp, altErr := s.transport.do(ctx, FileURL(origin.AltBaseURL, file.RelativePath), http.MethodGet, nil)
	if altErr != nil {
		return nil, altErr
	}
	return resp.Body, nil
}
