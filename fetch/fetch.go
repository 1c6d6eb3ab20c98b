// Package fetch downloads pages and images with fixed timeouts and byte caps.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrTooLarge is returned when a response body exceeds the configured cap
var ErrTooLarge = errors.New("response exceeds size limit")

const defaultUserAgent = "Mozilla/5.0 (compatible; Autofill/1.0)"

// Config contains fetcher configuration
type Config struct {
	Timeout       time.Duration // Per-request timeout for pages and images
	MaxPageBytes  int64         // Page bodies are truncated at this size
	MaxImageBytes int64         // Larger images are rejected
	UserAgent     string
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxPageBytes:  300000,
		MaxImageBytes: 3500000,
		UserAgent:     defaultUserAgent,
	}
}

// Fetcher performs bounded HTTP GETs. It never retries.
type Fetcher struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a new Fetcher whose transport propagates trace context
func New(config Config, logger zerolog.Logger) *Fetcher {
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &Fetcher{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "fetch").Logger(),
	}
}

// Page returns up to MaxPageBytes of the body at pageURL, or "" on any failure.
func (f *Fetcher) Page(ctx context.Context, pageURL string) string {
	resp, err := f.get(ctx, pageURL)
	if err != nil {
		f.logger.Debug().Err(err).Str("url", pageURL).Msg("page fetch failed")
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxPageBytes))
	if err != nil {
		f.logger.Debug().Err(err).Str("url", pageURL).Msg("page read failed")
		return ""
	}
	return string(body)
}

// Image downloads the image at imageURL. Bodies over MaxImageBytes yield ErrTooLarge.
func (f *Fetcher) Image(ctx context.Context, imageURL string) ([]byte, error) {
	return f.Bytes(ctx, imageURL, f.config.MaxImageBytes)
}

// Bytes downloads rawURL, failing with ErrTooLarge past max bytes
func (f *Fetcher) Bytes(ctx context.Context, rawURL string, max int64) ([]byte, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Check content length if available
	if max > 0 && resp.ContentLength > max {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrTooLarge, resp.ContentLength, max)
	}

	reader := io.Reader(resp.Body)
	if max > 0 {
		reader = io.LimitReader(resp.Body, max+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if max > 0 && int64(len(data)) > max {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, max)
	}

	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}
