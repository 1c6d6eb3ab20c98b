package autofill

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/docutag/autofill/confidence"
	"github.com/docutag/autofill/evidence"
	"github.com/docutag/autofill/fetch"
	"github.com/docutag/autofill/imagefilter"
	"github.com/docutag/autofill/metrics"
	"github.com/docutag/autofill/models"
	"github.com/docutag/autofill/search"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Rejection reasons assigned before an image reaches the filter
const (
	ReasonBlacklisted     = "blacklisted domain"
	ReasonLifestyle       = "lifestyle keyword"
	ReasonNegativeKeyword = "negative keyword"
	ReasonDownload        = "download failed"
	ReasonDownloadTooBig  = "download too large"
	ReasonLowConfidence   = "low confidence"
	ReasonColorMismatch   = "color mismatch"
)

// MaxGalleryImages is the hard upper bound on images per product
const MaxGalleryImages = 5

// CuratorConfig contains gallery and description sourcing configuration
type CuratorConfig struct {
	MaxImages                int
	ImageConfidenceThreshold float64
	DescConfidenceThreshold  float64
	MinFieldsForDesc         int
	RequireColorMatch        bool
	RejectLifestyle          bool
	LifestyleKeywords        []string
	NegativeKeywords         []string
	MaxPageCandidates        int // Page fetches allowed while selecting a source; 0 means no limit
}

// DefaultCuratorConfig returns default curator configuration
func DefaultCuratorConfig() CuratorConfig {
	return CuratorConfig{
		MaxImages:                MaxGalleryImages,
		ImageConfidenceThreshold: 0.90,
		DescConfidenceThreshold:  0.90,
		MinFieldsForDesc:         1,
		RequireColorMatch:        true,
		RejectLifestyle:          true,
		LifestyleKeywords:        []string{"lookbook", "campaign", "street", "editorial", "model", "runway", "backstage", "outfit"},
		NegativeKeywords:         []string{"logo", "icon", "placeholder", "packaging", "graphic", "sprite"},
	}
}

// Curator selects source pages and builds galleries and descriptions
type Curator struct {
	config    CuratorConfig
	scorer    *confidence.Scorer
	extractor *evidence.Extractor
	filter    *imagefilter.Filter
	fetcher   PageFetcher
	images    search.ImageSearcher
	web       WebSearcher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// CuratorDeps groups the collaborators of a Curator. Images and Web may be
// nil, in which case the corresponding searches yield nothing.
type CuratorDeps struct {
	Scorer    *confidence.Scorer
	Extractor *evidence.Extractor
	Filter    *imagefilter.Filter
	Fetcher   PageFetcher
	Images    search.ImageSearcher
	Web       WebSearcher
	Metrics   *metrics.Metrics
}

// NewCurator creates a new Curator
func NewCurator(config CuratorConfig, deps CuratorDeps, logger zerolog.Logger) *Curator {
	if config.MaxImages <= 0 || config.MaxImages > MaxGalleryImages {
		config.MaxImages = MaxGalleryImages
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Curator{
		config:    config,
		scorer:    deps.Scorer,
		extractor: deps.Extractor,
		filter:    deps.Filter,
		fetcher:   deps.Fetcher,
		images:    deps.Images,
		web:       deps.Web,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "curator").Logger(),
	}
}

// ImageQueries returns the image search queries for q. Without a search
// code there is nothing specific enough to search for.
func (c *Curator) ImageQueries(q models.ProductQuery) []string {
	code := strings.TrimSpace(q.SearchCode)
	if code == "" {
		return nil
	}
	color := strings.TrimSpace(q.ColorPreference)

	var out []string
	if color != "" {
		out = append(out,
			joinWords(quote(code), quote(color), "packshot"),
			joinWords(q.Vendor, code, quote(color), "studio"),
			joinWords(q.Title, code, quote(color), "background"),
		)
	}
	for _, d := range c.scorer.TrustedDomains() {
		out = append(out, joinWords("site:"+d, code, color))
	}
	return out
}

// candidates runs every query, drops blacklisted and repeated content URLs
// and orders the rest by desirability. The sort is stable so provider order
// breaks ties.
func (c *Curator) candidates(ctx context.Context, queries []string, vendor string) []search.Result {
	if c.images == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []search.Result
	for _, query := range queries {
		c.metrics.SearchQueries.WithLabelValues("image").Inc()
		for _, r := range c.images.SearchImages(ctx, query) {
			if r.ContentURL == "" || seen[r.ContentURL] {
				continue
			}
			if c.scorer.Blacklisted(evidence.Domain(r.ContentURL)) {
				continue
			}
			seen[r.ContentURL] = true
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return c.scorer.Desirability(out[i].ContentURL, vendor) < c.scorer.Desirability(out[j].ContentURL, vendor)
	})
	return out
}

// selectPage returns the first candidate page that is trusted and whose
// image-level confidence clears the threshold.
func (c *Curator) selectPage(ctx context.Context, q models.ProductQuery, candidates []search.Result) (*models.EvidencePage, *models.ConfidenceScore) {
	ctx, span := tracer.Start(ctx, "curator.selectPage", trace.WithAttributes(attribute.Int("candidates", len(candidates))))
	defer span.End()

	fetched := make(map[string]bool)
	for _, cand := range candidates {
		pageURL := cand.ContextURL
		if pageURL == "" {
			pageURL = cand.ContentURL
		}
		if fetched[pageURL] {
			continue
		}
		if c.config.MaxPageCandidates > 0 && len(fetched) >= c.config.MaxPageCandidates {
			break
		}
		fetched[pageURL] = true

		body := c.fetcher.Page(ctx, pageURL)
		if body == "" {
			c.metrics.PageFetches.WithLabelValues("empty").Inc()
			continue
		}
		c.metrics.PageFetches.WithLabelValues("ok").Inc()

		page := c.extractor.Extract(body, pageURL)
		score := c.scorer.ScoreImage(q, q.SearchCode, cand.ContentURL, pageURL, page)
		c.metrics.PageConfidence.Observe(score.Value)

		c.logger.Debug().
			Str("page", pageURL).
			Float64("confidence", score.Value).
			Str("failed_gate", score.FailedGate).
			Msg("candidate page scored")

		if score.Value >= c.config.ImageConfidenceThreshold && c.scorer.Trusted(page.Domain) {
			span.SetAttributes(attribute.String("page", pageURL))
			return page, &score
		}
	}
	return nil, nil
}

// BuildGallery picks one trusted source page for q and reduces the images
// on that page to a bounded, deduplicated, validated set. All images come
// from the returned SourceURL. The result may be empty but is never nil.
func (c *Curator) BuildGallery(ctx context.Context, q models.ProductQuery) *models.GalleryResult {
	ctx, span := tracer.Start(ctx, "curator.BuildGallery", trace.WithAttributes(
		attribute.Int64("product_id", q.ProductID),
		attribute.String("code", q.SearchCode),
	))
	defer span.End()

	result := &models.GalleryResult{Images: []models.FinalImage{}}

	page, score := c.selectPage(ctx, q, c.candidates(ctx, c.ImageQueries(q), q.Vendor))
	if page == nil {
		c.logger.Info().Int64("product_id", q.ProductID).Msg("no trusted gallery page found")
		return result
	}
	result.SourceURL = page.SourceURL
	result.PageScore = score

	session := c.filter.NewSession()
	for _, imageURL := range page.EmbeddedImageURLs {
		if len(result.Images) >= c.config.MaxImages {
			break
		}
		// Cross-domain embeds are ads or widgets
		if evidence.Domain(imageURL) != page.Domain {
			continue
		}

		final, reason := c.processImage(ctx, session, q, page, imageURL)
		if final == nil {
			c.metrics.ImagesRejected.WithLabelValues(reason).Inc()
			result.Rejections = append(result.Rejections, models.Rejection{URL: imageURL, Reason: reason})
			continue
		}
		result.Images = append(result.Images, *final)
	}

	span.SetAttributes(attribute.Int("images", len(result.Images)))
	c.logger.Info().
		Int64("product_id", q.ProductID).
		Str("source", result.SourceURL).
		Int("accepted", len(result.Images)).
		Int("rejected", len(result.Rejections)).
		Msg("gallery built")
	return result
}

// processImage runs the URL, download, confidence and color checks and then
// the image filter. It returns the finalized image or a rejection reason.
func (c *Curator) processImage(ctx context.Context, session *imagefilter.Session, q models.ProductQuery, page *models.EvidencePage, imageURL string) (*models.FinalImage, string) {
	cand := &models.CandidateImage{URL: imageURL, Stage: models.StageDiscovered}
	lowerURL := strings.ToLower(imageURL)

	if c.scorer.Blacklisted(evidence.Domain(imageURL)) {
		return nil, ReasonBlacklisted
	}
	if c.config.RejectLifestyle && containsAny(lowerURL, c.config.LifestyleKeywords) {
		return nil, ReasonLifestyle
	}
	if containsAny(lowerURL, c.config.NegativeKeywords) {
		return nil, ReasonNegativeKeyword
	}

	data, err := c.fetcher.Image(ctx, imageURL)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", imageURL).Msg("image download failed")
		if errors.Is(err, fetch.ErrTooLarge) {
			return nil, ReasonDownloadTooBig
		}
		return nil, ReasonDownload
	}
	cand.Data = data
	cand.Stage = models.StageDownloaded

	score := c.scorer.ScoreImage(q, q.SearchCode, imageURL, page.SourceURL, page)
	if score.Value < c.config.ImageConfidenceThreshold {
		return nil, ReasonLowConfidence
	}

	if c.config.RequireColorMatch && !colorMatches(q.ColorPreference, page, imageURL) {
		return nil, ReasonColorMismatch
	}

	final := session.Process(ctx, cand)
	if final == nil {
		return nil, cand.RejectReason
	}
	return final, ""
}

// colorMatches reports whether the preferred color appears in the page
// evidence or the image URL. No preference always matches.
func colorMatches(preference string, page *models.EvidencePage, imageURL string) bool {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" {
		return true
	}
	for _, s := range []string{page.Color, page.ColorHint, page.RawText, imageURL} {
		if strings.Contains(strings.ToLower(s), pref) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func quote(s string) string {
	return `"` + s + `"`
}

// joinWords joins the non-blank words with single spaces
func joinWords(words ...string) string {
	var parts []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			parts = append(parts, w)
		}
	}
	return strings.Join(parts, " ")
}
