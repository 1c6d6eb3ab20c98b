package autofill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docutag/autofill/catalog"
	"github.com/docutag/autofill/describe"
	"github.com/docutag/autofill/metrics"
	"github.com/docutag/autofill/models"
	"github.com/docutag/autofill/skucode"
	"github.com/docutag/autofill/slug"
	"github.com/docutag/autofill/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Catalog is the storefront admin API used by the Runner
type Catalog interface {
	FindProducts(ctx context.Context, terms []string) ([]catalog.Product, error)
	AddImageAttachment(ctx context.Context, productID int64, data []byte, filename, alt string) (int64, error)
	UpdateDescription(ctx context.Context, productID int64, bodyHTML string) error
	SetMetafield(ctx context.Context, productID int64, namespace, key, value string) error
}

// Enricher builds galleries and descriptions for one product
type Enricher interface {
	BuildGallery(ctx context.Context, q models.ProductQuery) *models.GalleryResult
	SourceDescription(ctx context.Context, q models.ProductQuery) *models.DescriptionResult
}

// RunStore persists run summaries
type RunStore interface {
	SaveRun(ctx context.Context, run *models.RunSummary) error
}

// RunnerConfig contains batch configuration
type RunnerConfig struct {
	MaxProducts          int // Processed plus skipped products per run
	ColorOptionNames     []string
	WriteMagicPrompt     bool
	MagicPromptNamespace string
	MagicPromptKey       string
	DryRun               bool // Skip every catalog write
}

// DefaultRunnerConfig returns default batch configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxProducts:          25,
		ColorOptionNames:     []string{"color", "colore", "colour"},
		WriteMagicPrompt:     true,
		MagicPromptNamespace: "custom",
		MagicPromptKey:       "magic_prompt_it",
	}
}

// Runner processes one batch of products sequentially
type Runner struct {
	config     RunnerConfig
	normalizer *skucode.Normalizer
	catalog    Catalog
	enricher   Enricher
	archive    storage.Store
	runs       RunStore
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// RunnerDeps groups the collaborators of a Runner. Archive and Runs are optional.
type RunnerDeps struct {
	Normalizer *skucode.Normalizer
	Catalog    Catalog
	Enricher   Enricher
	Archive    storage.Store
	Runs       RunStore
	Metrics    *metrics.Metrics
}

// NewRunner creates a new Runner
func NewRunner(config RunnerConfig, deps RunnerDeps, logger zerolog.Logger) *Runner {
	if deps.Normalizer == nil {
		deps.Normalizer = skucode.New(skucode.DefaultConfig())
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Runner{
		config:     config,
		normalizer: deps.Normalizer,
		catalog:    deps.Catalog,
		enricher:   deps.Enricher,
		archive:    deps.Archive,
		runs:       deps.Runs,
		metrics:    deps.Metrics,
		logger:     logger.With().Str("component", "runner").Logger(),
		now:        time.Now,
	}
}

// Run enriches the draft products matching skus. A failure on one product
// is recorded in its row and never stops the batch; only a failing product
// lookup returns an error.
func (r *Runner) Run(ctx context.Context, skus []string) (*models.RunSummary, error) {
	run := &models.RunSummary{
		RunID:     uuid.New().String(),
		StartedAt: r.now(),
		Rows:      []models.ReportRow{},
	}

	ctx, span := tracer.Start(ctx, "runner.Run", trace.WithAttributes(attribute.String("run_id", run.RunID)))
	defer span.End()

	logger := r.logger.With().Str("run_id", run.RunID).Logger()

	terms := r.normalizer.ExpandSearchTerms(skus)
	if len(terms) == 0 {
		logger.Info().Msg("no SKUs configured")
		r.finish(ctx, run)
		return run, nil
	}
	logger.Debug().Strs("terms", terms).Msg("expanded search terms")

	products, err := r.catalog.FindProducts(ctx, terms)
	if errors.Is(err, catalog.ErrNotFound) {
		logger.Info().Msg("no draft products match the configured SKUs")
		r.finish(ctx, run)
		return run, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "product lookup failed")
		r.finish(ctx, run)
		return run, fmt.Errorf("failed to find products: %w", err)
	}

	for _, p := range products {
		if r.config.MaxProducts > 0 && run.Updated+run.Skipped >= r.config.MaxProducts {
			logger.Info().Int("max_products", r.config.MaxProducts).Msg("product limit reached")
			break
		}
		run.Scanned++

		start := r.now()
		row, err := r.processSafely(ctx, run.RunID, p, terms)
		r.metrics.ProductDuration.Observe(r.now().Sub(start).Seconds())

		switch {
		case err != nil:
			logger.Error().Err(err).Int64("product_id", p.ID).Msg("product failed")
			row.Notes = "product error: " + err.Error()
			row.Failed = true
			run.Skipped++
			r.metrics.Products.WithLabelValues("failed").Inc()
		case row.DescriptionUpdated || row.ImagesUploaded > 0:
			run.Updated++
			r.metrics.Products.WithLabelValues("updated").Inc()
		default:
			run.Skipped++
			r.metrics.Products.WithLabelValues("skipped").Inc()
		}
		run.Rows = append(run.Rows, row)
	}

	r.finish(ctx, run)
	logger.Info().
		Int("scanned", run.Scanned).
		Int("updated", run.Updated).
		Int("skipped", run.Skipped).
		Msg("run finished")
	return run, nil
}

func (r *Runner) finish(ctx context.Context, run *models.RunSummary) {
	run.FinishedAt = r.now()
	r.metrics.LastRunTimestamp.Set(float64(run.FinishedAt.Unix()))
	if r.runs == nil {
		return
	}
	if err := r.runs.SaveRun(ctx, run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to persist run")
	}
}

// processSafely converts a panic while processing p into an error
func (r *Runner) processSafely(ctx context.Context, runID string, p catalog.Product, terms []string) (row models.ReportRow, err error) {
	row = models.ReportRow{
		ProductID: strconv.FormatInt(p.ID, 10),
		Title:     p.Title,
		Vendor:    p.Vendor,
		ImageRefs: []string{},
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	err = r.process(ctx, runID, p, terms, &row)
	return row, err
}

func (r *Runner) process(ctx context.Context, runID string, p catalog.Product, terms []string, row *models.ReportRow) error {
	ctx, span := tracer.Start(ctx, "runner.process", trace.WithAttributes(attribute.Int64("product_id", p.ID)))
	defer span.End()

	logger := r.logger.With().Str("run_id", runID).Int64("product_id", p.ID).Logger()

	if !p.IsDraft() {
		row.Notes = "skip: not draft"
		logger.Info().Str("title", p.Title).Msg("skip: not draft")
		return nil
	}
	var why []string
	if p.HasImages {
		why = append(why, "has images")
	}
	if p.HasDescription() {
		why = append(why, "has description")
	}
	if len(why) > 0 {
		row.Notes = "skip: " + strings.Join(why, ", ")
		logger.Info().Str("title", p.Title).Msg(row.Notes)
		return nil
	}

	sku := p.ChooseSKU(terms)
	q := models.ProductQuery{
		ProductID:       p.ID,
		Title:           p.Title,
		Vendor:          p.Vendor,
		ProductType:     p.ProductType,
		StockCode:       sku,
		ColorPreference: p.ColorPreference(r.config.ColorOptionNames),
	}
	if sku != "" {
		q.SearchCode = r.normalizer.SearchCode(sku)
	}
	row.Code = q.SearchCode
	logger.Info().
		Str("title", p.Title).
		Str("sku", sku).
		Str("code", q.SearchCode).
		Str("color", q.ColorPreference).
		Msg("processing product")

	var notes []string
	if r.config.DryRun {
		notes = append(notes, "dry run")
	}

	if r.config.WriteMagicPrompt && sku != "" && !r.config.DryRun {
		err := r.catalog.SetMetafield(ctx, p.ID, r.config.MagicPromptNamespace, r.config.MagicPromptKey, describe.MagicPrompt(sku))
		if err != nil {
			logger.Warn().Err(err).Msg("failed to write magic prompt metafield")
			notes = append(notes, "metafield failed")
		}
	}

	var descSource string
	if q.SearchCode != "" {
		desc := r.enricher.SourceDescription(ctx, q)
		if desc.HTML != "" {
			if !r.config.DryRun {
				if err := r.catalog.UpdateDescription(ctx, p.ID, desc.HTML); err != nil {
					return err
				}
			}
			row.DescriptionUpdated = true
			descSource = desc.SourceURL
			r.metrics.Descriptions.Inc()
			logger.Info().Float64("confidence", desc.Confidence).Str("source", desc.SourceURL).Msg("description updated")
		} else {
			logger.Info().Msg("no confident description source")
		}
	}

	gallery := r.enricher.BuildGallery(ctx, q)
	alt := strings.TrimSpace(p.Vendor + " " + p.Title)
	stem := sku
	if stem == "" {
		stem = strconv.FormatInt(p.ID, 10)
	}
	for _, img := range gallery.Images {
		// Numbered at upload time so a failed upload leaves no gap
		filename := slug.ImageFilename(stem, row.ImagesUploaded+1)

		var archived string
		if r.archive != nil {
			key, err := r.archive.SaveImage(ctx, runID, p.ID, filename, img.Data)
			if err != nil {
				logger.Warn().Err(err).Str("file", filename).Msg("failed to archive image")
			}
			archived = key
		}
		if !r.config.DryRun {
			id, err := r.catalog.AddImageAttachment(ctx, p.ID, img.Data, filename, alt)
			if err != nil {
				logger.Warn().Err(err).Str("file", filename).Msg("image upload failed")
				r.discardArchived(ctx, archived)
				continue
			}
			logger.Info().Int64("image_id", id).Str("file", filename).Msg("image uploaded")
		}
		row.ImagesUploaded++
		row.ImageRefs = append(row.ImageRefs, filename)
		r.metrics.ImagesUploaded.Inc()
	}

	switch {
	case row.ImagesUploaded > 0:
		row.ContextURL = gallery.SourceURL
	case descSource != "":
		row.ContextURL = descSource
	}
	row.Notes = strings.Join(notes, "; ")
	return nil
}

// discardArchived removes an archived image whose upload failed, keeping
// the archive in step with the catalog
func (r *Runner) discardArchived(ctx context.Context, key string) {
	if r.archive == nil || key == "" {
		return
	}
	if err := r.archive.DeleteImage(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to remove archived image")
	}
}
