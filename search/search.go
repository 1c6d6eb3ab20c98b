// Package search queries Google Custom Search and Bing Image Search.
// Results are untrusted; callers re-validate every one.
package search

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	GoogleBaseURL = "https://www.googleapis.com/customsearch/v1"
	BingBaseURL   = "https://api.bing.microsoft.com/v7.0/images/search"
)

// Result is one search hit: the content URL and the page it was found on
type Result struct {
	ContentURL string
	ContextURL string
}

// ImageSearcher returns image hits for a query
type ImageSearcher interface {
	SearchImages(ctx context.Context, query string) []Result
}

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json")
}

// newLimiter returns a limiter allowing perSecond requests; zero or less means unlimited
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
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

// GoogleConfig contains Custom Search configuration
type GoogleConfig struct {
	Key          string
	CX           string
	BaseURL      string
	ImagePages   int
	ImagePerPage int
	WebResults   int
	Timeout      time.Duration
	RateLimit    float64 // Requests per second; the free quota is 100 per minute
	Burst        int
}

// DefaultGoogleConfig returns default Custom Search configuration
func DefaultGoogleConfig() GoogleConfig {
	return GoogleConfig{
		BaseURL:      GoogleBaseURL,
		ImagePages:   3,
		ImagePerPage: 10,
		WebResults:   8,
		Timeout:      20 * time.Second,
		RateLimit:    1.5,
		Burst:        5,
	}
}

// Google is a Custom Search JSON API client
type Google struct {
	config     GoogleConfig
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewGoogle creates a Custom Search client. Without key and cx every search returns nothing.
func NewGoogle(config GoogleConfig, logger zerolog.Logger) *Google {
	if config.BaseURL == "" {
		config.BaseURL = GoogleBaseURL
	}
	return &Google{
		config:     config,
		httpClient: newHTTPClient(config.BaseURL, config.Timeout),
		limiter:    newLimiter(config.RateLimit, config.Burst),
		logger:     logger.With().Str("component", "google").Logger(),
	}
}

// Enabled reports whether credentials are configured
func (g *Google) Enabled() bool {
	return g != nil && g.config.Key != "" && g.config.CX != ""
}

type googleResponse struct {
	Items []struct {
		Link  string `json:"link"`
		Image struct {
			ContextLink string `json:"contextLink"`
		} `json:"image"`
	} `json:"items"`
}

// SearchImages pages through image results. A failing page ends the search
// and the results gathered so far are returned.
func (g *Google) SearchImages(ctx context.Context, query string) []Result {
	if !g.Enabled() {
		return nil
	}

	var out []Result
	for page := 0; page < g.config.ImagePages; page++ {
		if err := g.limiter.Wait(ctx); err != nil {
			break
		}
		result := &googleResponse{}
		_, err := handleError(g.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"key":        g.config.Key,
				"cx":         g.config.CX,
				"q":          query,
				"searchType": "image",
				"num":        strconv.Itoa(g.config.ImagePerPage),
				"start":      strconv.Itoa(1 + page*g.config.ImagePerPage),
				"safe":       "active",
				"imgType":    "photo",
			}).
			SetResult(result).
			Get(""))
		if err != nil {
			g.logger.Warn().Err(err).Str("query", query).Int("page", page).Msg("image search failed")
			break
		}
		for _, item := range result.Items {
			if item.Link == "" {
				continue
			}
			out = append(out, Result{ContentURL: item.Link, ContextURL: item.Image.ContextLink})
		}
	}
	return out
}

// SearchWeb returns web page hits; ContentURL and ContextURL are both the page link
func (g *Google) SearchWeb(ctx context.Context, query string) []Result {
	if !g.Enabled() {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil
	}

	result := &googleResponse{}
	_, err := handleError(g.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":  g.config.Key,
			"cx":   g.config.CX,
			"q":    query,
			"num":  strconv.Itoa(g.config.WebResults),
			"safe": "active",
		}).
		SetResult(result).
		Get(""))
	if err != nil {
		g.logger.Warn().Err(err).Str("query", query).Msg("web search failed")
		return nil
	}

	var out []Result
	for _, item := range result.Items {
		if item.Link != "" {
			out = append(out, Result{ContentURL: item.Link, ContextURL: item.Link})
		}
	}
	return out
}

// BingConfig contains Bing Image Search configuration
type BingConfig struct {
	Key       string
	BaseURL   string
	Count     int
	Pages     int
	Timeout   time.Duration
	RateLimit float64 // Requests per second
	Burst     int
}

// DefaultBingConfig returns default Bing configuration
func DefaultBingConfig() BingConfig {
	return BingConfig{
		BaseURL:   BingBaseURL,
		Count:     50,
		Pages:     2,
		Timeout:   20 * time.Second,
		RateLimit: 3,
		Burst:     3,
	}
}

// Bing is a Bing Image Search client
type Bing struct {
	config     BingConfig
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewBing creates a Bing client. Without a key every search returns nothing.
func NewBing(config BingConfig, logger zerolog.Logger) *Bing {
	if config.BaseURL == "" {
		config.BaseURL = BingBaseURL
	}
	return &Bing{
		config:     config,
		httpClient: newHTTPClient(config.BaseURL, config.Timeout).SetHeader("Ocp-Apim-Subscription-Key", config.Key),
		limiter:    newLimiter(config.RateLimit, config.Burst),
		logger:     logger.With().Str("component", "bing").Logger(),
	}
}

// Enabled reports whether a key is configured
func (b *Bing) Enabled() bool {
	return b != nil && b.config.Key != ""
}

type bingResponse struct {
	Value []struct {
		ContentURL  string `json:"contentUrl"`
		HostPageURL string `json:"hostPageUrl"`
	} `json:"value"`
}

// SearchImages pages through product photo results
func (b *Bing) SearchImages(ctx context.Context, query string) []Result {
	if !b.Enabled() {
		return nil
	}

	var out []Result
	for page := 0; page < b.config.Pages; page++ {
		if err := b.limiter.Wait(ctx); err != nil {
			break
		}
		result := &bingResponse{}
		_, err := handleError(b.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"q":            query,
				"safeSearch":   "Strict",
				"count":        strconv.Itoa(b.config.Count),
				"offset":       strconv.Itoa(page * b.config.Count),
				"imageType":    "Photo",
				"imageContent": "Product",
				"license":      "Any",
			}).
			SetResult(result).
			Get(""))
		if err != nil {
			b.logger.Warn().Err(err).Str("query", query).Int("page", page).Msg("image search failed")
			break
		}
		for _, item := range result.Value {
			if item.ContentURL == "" {
				continue
			}
			out = append(out, Result{ContentURL: item.ContentURL, ContextURL: item.HostPageURL})
		}
	}
	return out
}

// Combined queries each searcher in order and concatenates their results
type Combined []ImageSearcher

// SearchImages implements ImageSearcher
func (c Combined) SearchImages(ctx context.Context, query string) []Result {
	var out []Result
	for _, s := range c {
		out = append(out, s.SearchImages(ctx, query)...)
	}
	return out
}
