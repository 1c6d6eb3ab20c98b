package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docutag/autofill"
	"github.com/docutag/autofill/bgremove"
	"github.com/docutag/autofill/catalog"
	"github.com/docutag/autofill/confidence"
	"github.com/docutag/autofill/config"
	"github.com/docutag/autofill/db"
	"github.com/docutag/autofill/evidence"
	"github.com/docutag/autofill/fetch"
	"github.com/docutag/autofill/imagefilter"
	"github.com/docutag/autofill/imagefilter/face"
	"github.com/docutag/autofill/metrics"
	"github.com/docutag/autofill/report"
	"github.com/docutag/autofill/search"
	"github.com/docutag/autofill/skucode"
	"github.com/docutag/autofill/storage"
	"github.com/docutag/autofill/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	skus := flag.String("skus", "", "Comma separated SKUs (overrides PRODUCT_SKUS)")
	dryRun := flag.Bool("dry-run", false, "Build galleries and descriptions without writing to the catalog")
	reportDir := flag.String("report-dir", "", "Directory for the CSV report (overrides REPORT_DIR)")
	dbCmd := flag.String("db", "", "Database maintenance instead of a run: status or rollback")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *skus != "" {
		cfg.SKUs = splitList(*skus)
	}
	if *dryRun {
		cfg.Run.DryRun = true
	}
	if *reportDir != "" {
		cfg.ReportDir = *reportDir
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dbCmd != "" {
		if err := dbCommand(ctx, cfg.Database, *dbCmd, log.Logger); err != nil {
			log.Error().Err(err).Str("command", *dbCmd).Msg("database command failed")
			stop()
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Error().Err(err).Msg("autofill run failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if len(cfg.SKUs) == 0 {
		logger.Warn().Msg("no SKUs configured (set PRODUCT_SKUS or -skus); nothing to do")
		return nil
	}

	tp, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize tracer, continuing without tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("error shutting down tracer")
			}
		}()
	}

	m := metrics.New()
	fetcher := fetch.New(cfg.Fetch, logger)

	var detector imagefilter.FaceDetector = face.Unavailable{}
	if cfg.Filter.EnableFaceDetection {
		detector = loadFaceDetector(ctx, cfg.Face, fetcher, logger)
	}

	filter := imagefilter.New(cfg.Filter, detector, bgremove.New(cfg.BgRemoval), logger)

	google := search.NewGoogle(cfg.Google, logger)
	bing := search.NewBing(cfg.Bing, logger)
	if !google.Enabled() && !bing.Enabled() {
		logger.Warn().Msg("no image search provider configured; galleries will be empty")
	}

	curator := autofill.NewCurator(cfg.Curator, autofill.CuratorDeps{
		Scorer:    confidence.New(cfg.Scoring),
		Extractor: evidence.New(cfg.Evidence),
		Filter:    filter,
		Fetcher:   fetcher,
		Images:    search.Combined{google, bing},
		Web:       google,
		Metrics:   m,
	}, logger)

	archive, err := openArchive(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	deps := autofill.RunnerDeps{
		Normalizer: skucode.New(cfg.Normalizer),
		Catalog:    catalog.New(cfg.Shopify, logger),
		Enricher:   curator,
		Archive:    archive,
		Metrics:    m,
	}
	if cfg.Database.DSN != "" {
		database, err := db.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		deps.Runs = database
	}

	logger.Info().
		Strs("skus", cfg.SKUs).
		Bool("dry_run", cfg.Run.DryRun).
		Int("max_products", cfg.Run.MaxProducts).
		Str("store", cfg.Shopify.StoreDomain).
		Msg("autofill starting")

	runner := autofill.NewRunner(cfg.Run, deps, logger)
	summary, runErr := runner.Run(ctx, cfg.SKUs)

	path, err := report.WriteFile(cfg.ReportDir, summary)
	if err != nil {
		logger.Error().Err(err).Msg("failed to write report")
	} else {
		logger.Info().Str("path", path).Msg("report written")
		if archive != nil {
			archiveReport(ctx, archive, path, logger)
		}
	}

	if err := m.Push(ctx, cfg.Metrics.PushURL, cfg.Metrics.Job, summary.RunID); err != nil {
		logger.Warn().Err(err).Msg("failed to push metrics")
	}

	logger.Info().Str("run_id", summary.RunID).Msg(report.Summary(summary))
	return runErr
}

// dbCommand runs a maintenance command against the run database:
// "status" lists migrations and recent runs, "rollback" reverts the last migration.
func dbCommand(ctx context.Context, cfg db.Config, command string, logger zerolog.Logger) error {
	if command != "status" && command != "rollback" {
		return fmt.Errorf("unknown database command %q (want status or rollback)", command)
	}
	if cfg.DSN == "" {
		return errors.New("DATABASE_URL is not set")
	}

	database, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if command == "rollback" {
		if err := db.Rollback(database.DB()); err != nil {
			return fmt.Errorf("failed to roll back: %w", err)
		}
		logger.Info().Msg("last migration rolled back")
		return nil
	}

	status, err := db.GetMigrationStatus(database.DB())
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	pending := false
	for _, m := range status {
		logger.Info().Int("version", m.Version).Str("name", m.Name).Bool("applied", m.Applied).Msg("migration")
		pending = pending || !m.Applied
	}
	if pending {
		// Run tables may be missing
		return nil
	}

	runs, err := database.ListRuns(ctx, 10, 0)
	if err != nil {
		return err
	}
	for _, r := range runs {
		logger.Info().
			Str("run_id", r.RunID).
			Time("started_at", r.StartedAt).
			Int("scanned", r.Scanned).
			Int("updated", r.Updated).
			Int("skipped", r.Skipped).
			Msg("run")
	}
	return nil
}

// loadFaceDetector returns a pigo detector, or an unavailable detector when
// the cascade cannot be loaded. Images are then rejected as if faces were present.
func loadFaceDetector(ctx context.Context, cfg config.FaceConfig, dl face.Downloader, logger zerolog.Logger) imagefilter.FaceDetector {
	cascade, err := face.LoadCascade(ctx, cfg.CascadePath, cfg.CascadeURL, dl)
	if err != nil {
		logger.Warn().Err(err).Msg("face detector unavailable")
		return face.Unavailable{}
	}
	detector, err := face.New(cascade, cfg.Detector)
	if err != nil {
		logger.Warn().Err(err).Msg("face detector unavailable")
		return face.Unavailable{}
	}
	return detector
}

func openArchive(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		s, err := storage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to open local archive: %w", err)
		}
		return s, nil
	case config.StorageS3:
		s, err := storage.NewS3Storage(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to open S3 archive: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

func archiveReport(ctx context.Context, archive storage.Store, path string, logger zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read report for archiving")
		return
	}
	key, err := archive.SaveReport(ctx, filepath.Base(path), data)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to archive report")
		return
	}
	logger.Info().Str("key", key).Msg("report archived")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
