// Package autofill enriches draft catalog products: it picks one trusted
// source page per product, curates a gallery from that page and writes an
// Italian description sourced from web evidence.
package autofill

import (
	"context"

	"github.com/docutag/autofill/search"
	"github.com/docutag/autofill/tracing"
)

var tracer = tracing.Tracer("github.com/docutag/autofill")

// PageFetcher retrieves pages and images. Page returns "" on any failure.
type PageFetcher interface {
	Page(ctx context.Context, pageURL string) string
	Image(ctx context.Context, imageURL string) ([]byte, error)
}

// WebSearcher returns web page hits for a query
type WebSearcher interface {
	SearchWeb(ctx context.Context, query string) []search.Result
}
