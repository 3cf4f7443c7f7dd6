// Package fetch retrieves rendered mind-map artifacts over HTTP and
// classifies failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrEmptyContent is returned when the artifact body is blank after trimming.
var ErrEmptyContent = errors.New("empty mindmap content received")

// ErrInvalidURL is returned for blank or non-absolute URLs.
var ErrInvalidURL = errors.New("mindmap url must be an absolute http(s) url")

// HTTPError reports a response outside the 2xx range.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// NetworkError wraps a transport failure (DNS, connection, timeout, read).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TooLargeError reports a body over the configured cap. The artifact is
// rejected rather than truncated into broken HTML.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("mindmap content exceeds %d bytes", e.Limit)
}

// Fetcher is the contract the delivery controller depends on.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

const DefaultMaxBytes int64 = 8 << 20

// Client is an HTTP Fetcher. It never retries; retry policy belongs to the
// caller.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout, Transport: c.httpClient.Transport}
		}
	}
}

// WithMaxBytes caps the body size; larger bodies fail with *TooLargeError.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxBytes:   DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	if int64(len(body)) > c.maxBytes {
		return "", &TooLargeError{Limit: c.maxBytes}
	}
	content := string(body)
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidURL
	}
	return nil
}

// Reason renders a fetch error as the short text shown in the error panel.
func Reason(err error) string {
	var httpErr *HTTPError
	var netErr *NetworkError
	var tooLarge *TooLargeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &httpErr):
		return httpErr.Error()
	case errors.As(err, &tooLarge):
		return tooLarge.Error()
	case errors.Is(err, ErrEmptyContent):
		return ErrEmptyContent.Error()
	case errors.As(err, &netErr):
		return netErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "failed to load mindmap: " + err.Error()
	}
}

// IsRetryable reports whether a later attempt may succeed: artifacts that are
// missing or still empty may appear once storage catches up.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusNotFound || httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}
	var netErr *NetworkError
	return errors.Is(err, ErrEmptyContent) || errors.As(err, &netErr)
}
