// Package bgremove is a client for an HTTP background-removal service that
// accepts an image upload and answers with a transparent PNG.
package bgremove

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnavailable is returned when no removal service is configured
var ErrUnavailable = errors.New("background removal unavailable")

// Config contains client configuration
type Config struct {
	URL       string // Endpoint receiving a multipart "file" upload; empty disables removal
	FieldName string
	Timeout   time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		FieldName: "file",
		Timeout:   30 * time.Second,
	}
}

// Client removes image backgrounds through a remote service
type Client struct {
	config     Config
	httpClient *resty.Client
}

// New creates a new Client
func New(config Config) *Client {
	if config.FieldName == "" {
		config.FieldName = "file"
	}
	return &Client{
		config: config,
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(config.Timeout).
			SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
			SetHeader("Accept", "image/png"),
	}
}

// Remove uploads image bytes and returns the transparent-background rendering
func (c *Client) Remove(ctx context.Context, data []byte) ([]byte, error) {
	if c == nil || c.config.URL == "" {
		return nil, ErrUnavailable
	}

	res, err := handleError(c.httpClient.R().
		SetContext(ctx).
		SetFileReader(c.config.FieldName, "image", bytes.NewReader(data)).
		Post(c.config.URL))
	if err != nil {
		return nil, fmt.Errorf("background removal failed: %w", err)
	}

	body := res.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("background removal returned an empty body")
	}
	return body, nil
}

// handleError turns failing responses (>399 status code) into errors
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}
