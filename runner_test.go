package autofill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docutag/autofill/catalog"
	"github.com/docutag/autofill/describe"
	"github.com/docutag/autofill/metrics"
	"github.com/docutag/autofill/models"
	"github.com/docutag/autofill/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metafieldWrite struct {
	productID             int64
	namespace, key, value string
}

type upload struct {
	productID int64
	filename  string
	alt       string
}

type stubCatalog struct {
	mu          sync.Mutex
	products    []catalog.Product
	findErr     error
	uploadErr   error
	failUpload  map[int]bool // 1-based upload attempts that fail
	attempts    int
	descErr     error
	terms       []string
	metafields  []metafieldWrite
	uploads     []upload
	description map[int64]string
}

func (s *stubCatalog) FindProducts(ctx context.Context, terms []string) ([]catalog.Product, error) {
	s.terms = terms
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.products, nil
}

func (s *stubCatalog) AddImageAttachment(ctx context.Context, productID int64, data []byte, filename, alt string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.uploadErr != nil {
		return 0, s.uploadErr
	}
	if s.failUpload[s.attempts] {
		return 0, fmt.Errorf("upload %d rejected", s.attempts)
	}
	s.uploads = append(s.uploads, upload{productID, filename, alt})
	return int64(len(s.uploads)), nil
}

func (s *stubCatalog) UpdateDescription(ctx context.Context, productID int64, bodyHTML string) error {
	if s.descErr != nil {
		return s.descErr
	}
	if s.description == nil {
		s.description = map[int64]string{}
	}
	s.description[productID] = bodyHTML
	return nil
}

func (s *stubCatalog) SetMetafield(ctx context.Context, productID int64, namespace, key, value string) error {
	s.metafields = append(s.metafields, metafieldWrite{productID, namespace, key, value})
	return nil
}

// stubEnricher returns canned results per product id
type stubEnricher struct {
	galleries    map[int64]*models.GalleryResult
	descriptions map[int64]*models.DescriptionResult
	queries      []models.ProductQuery
	panicOn      int64
}

func (s *stubEnricher) BuildGallery(ctx context.Context, q models.ProductQuery) *models.GalleryResult {
	if q.ProductID == s.panicOn {
		panic("boom")
	}
	if g, ok := s.galleries[q.ProductID]; ok {
		return g
	}
	return &models.GalleryResult{Images: []models.FinalImage{}}
}

func (s *stubEnricher) SourceDescription(ctx context.Context, q models.ProductQuery) *models.DescriptionResult {
	s.queries = append(s.queries, q)
	if d, ok := s.descriptions[q.ProductID]; ok {
		return d
	}
	return &models.DescriptionResult{}
}

type stubRuns struct {
	saved []*models.RunSummary
	err   error
}

func (s *stubRuns) SaveRun(ctx context.Context, run *models.RunSummary) error {
	s.saved = append(s.saved, run)
	return s.err
}

func draft(id int64, sku string) catalog.Product {
	return catalog.Product{
		ID:          id,
		Title:       fmt.Sprintf("T-shirt %d", id),
		Vendor:      "Acme",
		ProductType: "T-shirt",
		Status:      "DRAFT",
		Variants: []catalog.Variant{{
			SKU:     sku,
			Options: []catalog.Option{{Name: "Colore", Value: "Bianco"}},
		}},
	}
}

// gallery returns a result whose images carry the given payloads
func gallery(source string, payloads ...string) *models.GalleryResult {
	g := &models.GalleryResult{SourceURL: source, Images: []models.FinalImage{}}
	for _, p := range payloads {
		g.Images = append(g.Images, models.FinalImage{SourceURL: source + "/" + p, Data: []byte("jpeg:" + p)})
	}
	return g
}

func newTestRunner(config RunnerConfig, cat Catalog, enricher Enricher, deps RunnerDeps) *Runner {
	deps.Catalog = cat
	deps.Enricher = enricher
	r := NewRunner(config, deps, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	return r
}

func TestRunUpdatesAndSkips(t *testing.T) {
	active := draft(2, "INT001ZZZ999")
	active.Status = "ACTIVE"
	withImages := draft(3, "INT001YYY888")
	withImages.HasImages = true
	withImages.BodyHTML = "<p>già descritto</p>"

	cat := &stubCatalog{products: []catalog.Product{
		draft(1, "INT001ABC123_M"),
		active,
		withImages,
		draft(4, "INT001DEF456"),
	}}
	enricher := &stubEnricher{
		galleries: map[int64]*models.GalleryResult{
			1: gallery("https://www.zalando.it/p/1", "front", "back"),
		},
		descriptions: map[int64]*models.DescriptionResult{
			1: {HTML: "<p>uno</p>", SourceURL: "https://www.zalando.it/p/1", Confidence: 1},
			4: {HTML: "<p>quattro</p>", SourceURL: "https://www.asos.com/p/4", Confidence: 0.95},
		},
	}
	archive, err := storage.New(storage.Config{BasePath: t.TempDir()})
	require.NoError(t, err)
	runs := &stubRuns{}
	m := metrics.New()

	r := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{Archive: archive, Runs: runs, Metrics: m})
	run, err := r.Run(context.Background(), []string{"INT001ABC123_M"})
	require.NoError(t, err)

	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, []string{"INT001ABC123_M", "INT001ABC123", "ABC123_M", "ABC123"}, cat.terms)
	assert.Equal(t, 4, run.Scanned)
	assert.Equal(t, 2, run.Updated)
	assert.Equal(t, 2, run.Skipped)
	require.Len(t, run.Rows, 4)

	first := run.Rows[0]
	assert.Equal(t, "1", first.ProductID)
	assert.Equal(t, "ABC123", first.Code)
	assert.Equal(t, 2, first.ImagesUploaded)
	assert.True(t, first.DescriptionUpdated)
	assert.Equal(t, "https://www.zalando.it/p/1", first.ContextURL)
	assert.Equal(t, []string{"INT001ABC123_M_1.jpg", "INT001ABC123_M_2.jpg"}, first.ImageRefs)
	assert.Empty(t, first.Notes)

	assert.Equal(t, "skip: not draft", run.Rows[1].Notes)
	assert.Equal(t, "skip: has images, has description", run.Rows[2].Notes)

	fourth := run.Rows[3]
	assert.Equal(t, "DEF456", fourth.Code)
	assert.Zero(t, fourth.ImagesUploaded)
	assert.True(t, fourth.DescriptionUpdated)
	assert.Equal(t, "https://www.asos.com/p/4", fourth.ContextURL, "description source is used without images")

	assert.Equal(t, []upload{
		{1, "INT001ABC123_M_1.jpg", "Acme T-shirt 1"},
		{1, "INT001ABC123_M_2.jpg", "Acme T-shirt 1"},
	}, cat.uploads)
	assert.Equal(t, "<p>uno</p>", cat.description[1])
	assert.Equal(t, []metafieldWrite{
		{1, "custom", "magic_prompt_it", describe.MagicPrompt("INT001ABC123_M")},
		{4, "custom", "magic_prompt_it", describe.MagicPrompt("INT001DEF456")},
	}, cat.metafields)

	require.Len(t, enricher.queries, 2)
	assert.Equal(t, "Bianco", enricher.queries[0].ColorPreference)
	assert.Equal(t, "INT001ABC123_M", enricher.queries[0].StockCode)

	data, err := archive.ReadImage(context.Background(), storage.ImageKey(run.RunID, 1, "INT001ABC123_M_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg:front", string(data))

	require.Len(t, runs.saved, 1)
	assert.Same(t, run, runs.saved[0])
	assert.False(t, run.FinishedAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Products.WithLabelValues("updated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImagesUploaded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Descriptions))
}

func TestRunHonorsMaxProducts(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "A1"), draft(2, "A2"), draft(3, "A3")}}
	config := DefaultRunnerConfig()
	config.MaxProducts = 2

	run, err := newTestRunner(config, cat, &stubEnricher{}, RunnerDeps{}).Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Scanned)
	assert.Len(t, run.Rows, 2)
}

func TestRunNoProducts(t *testing.T) {
	cat := &stubCatalog{findErr: catalog.ErrNotFound}
	runs := &stubRuns{}

	run, err := newTestRunner(DefaultRunnerConfig(), cat, &stubEnricher{}, RunnerDeps{Runs: runs}).Run(context.Background(), []string{"NOPE"})
	require.NoError(t, err)
	assert.Zero(t, run.Scanned)
	assert.NotNil(t, run.Rows)
	assert.Len(t, runs.saved, 1)

	run, err = newTestRunner(DefaultRunnerConfig(), cat, &stubEnricher{}, RunnerDeps{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, run.Scanned)
}

func TestRunLookupFailure(t *testing.T) {
	cat := &stubCatalog{findErr: errors.New("unauthorized")}
	run, err := newTestRunner(DefaultRunnerConfig(), cat, &stubEnricher{}, RunnerDeps{}).Run(context.Background(), []string{"A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	require.NotNil(t, run)
	assert.Zero(t, run.Scanned)
}

func TestRunIsolatesProductFailures(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "A1"), draft(2, "A2"), draft(3, "A3")}}
	enricher := &stubEnricher{
		panicOn: 1,
		descriptions: map[int64]*models.DescriptionResult{
			2: {HTML: "<p>due</p>"},
			3: {HTML: "<p>tre</p>"},
		},
	}
	m := metrics.New()

	r := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{Metrics: m})
	run, err := r.Run(context.Background(), []string{"A"})
	require.NoError(t, err)

	require.Len(t, run.Rows, 3)
	assert.True(t, run.Rows[0].Failed)
	assert.Equal(t, "product error: panic: boom", run.Rows[0].Notes)
	assert.True(t, run.Rows[1].DescriptionUpdated)
	assert.True(t, run.Rows[2].DescriptionUpdated)
	assert.Equal(t, 2, run.Updated)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Products.WithLabelValues("failed")))
}

func TestRunDescriptionWriteFailure(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "A1")}, descErr: errors.New("forbidden")}
	enricher := &stubEnricher{descriptions: map[int64]*models.DescriptionResult{1: {HTML: "<p>x</p>"}}}

	run, err := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{}).Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	require.Len(t, run.Rows, 1)
	assert.True(t, run.Rows[0].Failed)
	assert.Equal(t, "product error: forbidden", run.Rows[0].Notes)
}

func TestRunUploadFailureIsNotCounted(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "A1")}, uploadErr: errors.New("too many requests")}
	enricher := &stubEnricher{galleries: map[int64]*models.GalleryResult{1: gallery("https://www.zalando.it/p/1", "front")}}

	run, err := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{}).Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Zero(t, run.Rows[0].ImagesUploaded)
	assert.Empty(t, run.Rows[0].ContextURL)
	assert.Equal(t, 1, run.Skipped)
}

func TestRunNumbersFilesAfterFailedUpload(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "ABC123")}, failUpload: map[int]bool{2: true}}
	enricher := &stubEnricher{galleries: map[int64]*models.GalleryResult{
		1: gallery("https://www.zalando.it/p/1", "front", "back", "side"),
	}}
	dir := t.TempDir()
	archive, err := storage.New(storage.Config{BasePath: dir})
	require.NoError(t, err)

	run, err := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{Archive: archive}).Run(context.Background(), []string{"ABC123"})
	require.NoError(t, err)

	row := run.Rows[0]
	assert.Equal(t, 2, row.ImagesUploaded)
	assert.Equal(t, []string{"ABC123_1.jpg", "ABC123_2.jpg"}, row.ImageRefs)
	assert.Equal(t, []upload{
		{1, "ABC123_1.jpg", "Acme T-shirt 1"},
		{1, "ABC123_2.jpg", "Acme T-shirt 1"},
	}, cat.uploads)

	// The archive mirrors what reached the catalog
	data, err := archive.ReadImage(context.Background(), storage.ImageKey(run.RunID, 1, "ABC123_2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg:side", string(data))
	_, err = archive.ReadImage(context.Background(), storage.ImageKey(run.RunID, 1, "ABC123_3.jpg"))
	assert.Error(t, err)
}

func TestRunUploadFailureRemovesArchivedImage(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "A1")}, uploadErr: errors.New("too many requests")}
	enricher := &stubEnricher{galleries: map[int64]*models.GalleryResult{1: gallery("https://www.zalando.it/p/1", "front")}}
	dir := t.TempDir()
	archive, err := storage.New(storage.Config{BasePath: dir})
	require.NoError(t, err)

	run, err := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{Archive: archive}).Run(context.Background(), []string{"A"})
	require.NoError(t, err)

	_, err = archive.ReadImage(context.Background(), storage.ImageKey(run.RunID, 1, "A1_1.jpg"))
	assert.Error(t, err)
}

func TestRunDryRun(t *testing.T) {
	cat := &stubCatalog{products: []catalog.Product{draft(1, "INT001ABC123")}}
	enricher := &stubEnricher{
		galleries:    map[int64]*models.GalleryResult{1: gallery("https://www.zalando.it/p/1", "front")},
		descriptions: map[int64]*models.DescriptionResult{1: {HTML: "<p>x</p>", SourceURL: "https://www.zalando.it/p/1"}},
	}
	config := DefaultRunnerConfig()
	config.DryRun = true

	run, err := newTestRunner(config, cat, enricher, RunnerDeps{}).Run(context.Background(), []string{"INT001ABC123"})
	require.NoError(t, err)

	row := run.Rows[0]
	assert.Equal(t, 1, row.ImagesUploaded)
	assert.True(t, row.DescriptionUpdated)
	assert.Equal(t, "dry run", row.Notes)
	assert.Empty(t, cat.uploads)
	assert.Empty(t, cat.description)
	assert.Empty(t, cat.metafields)
}

func TestRunWithoutSKUSkipsDescription(t *testing.T) {
	p := draft(1, "")
	cat := &stubCatalog{products: []catalog.Product{p}}
	enricher := &stubEnricher{}

	run, err := newTestRunner(DefaultRunnerConfig(), cat, enricher, RunnerDeps{}).Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, enricher.queries)
	assert.Empty(t, cat.metafields)
	assert.Empty(t, run.Rows[0].Code)
}
