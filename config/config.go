// Package config loads the autofill configuration from the environment, an
// optional .env file and an optional autofill.yaml file.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docutag/autofill"
	"github.com/docutag/autofill/bgremove"
	"github.com/docutag/autofill/catalog"
	"github.com/docutag/autofill/confidence"
	"github.com/docutag/autofill/db"
	"github.com/docutag/autofill/evidence"
	"github.com/docutag/autofill/fetch"
	"github.com/docutag/autofill/imagefilter"
	"github.com/docutag/autofill/imagefilter/face"
	"github.com/docutag/autofill/search"
	"github.com/docutag/autofill/skucode"
	"github.com/docutag/autofill/storage"
	"github.com/docutag/autofill/tracing"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds all configuration for one run
type Config struct {
	SKUs      []string
	LogLevel  string
	ReportDir string

	Normalizer skucode.Config
	Evidence   evidence.Config
	Scoring    confidence.Config
	Filter     imagefilter.Config
	Face       FaceConfig
	BgRemoval  bgremove.Config
	Fetch      fetch.Config
	Curator    autofill.CuratorConfig
	Run        autofill.RunnerConfig
	Shopify    catalog.Config
	Google     search.GoogleConfig
	Bing       search.BingConfig
	Storage    StorageConfig
	Database   db.Config // Empty DSN disables persistence
	Metrics    MetricsConfig
	Tracing    tracing.Config
}

// FaceConfig holds the face detector configuration
type FaceConfig struct {
	CascadePath string
	CascadeURL  string // Used when CascadePath is missing; empty disables the download
	Detector    face.Config
}

// StorageConfig selects and configures the archive backend
type StorageConfig struct {
	Backend string
	Local   storage.Config
	S3      storage.S3Config
}

// MetricsConfig holds Pushgateway configuration
type MetricsConfig struct {
	PushURL string // Empty disables pushing
	Job     string
}

// Load reads envFile (if present) into the process environment and builds
// the configuration. Environment variables win over autofill.yaml, which
// wins over defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine; variables may come from the environment
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	v.SetConfigName("autofill")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config, err := build(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	scoring := confidence.DefaultConfig()
	filter := imagefilter.DefaultConfig()
	curator := autofill.DefaultCuratorConfig()
	run := autofill.DefaultRunnerConfig()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)
	v.SetDefault("REPORT_DIR", ".")
	v.SetDefault("PRODUCT_SKUS", []string{})

	// Shopify
	v.SetDefault("SHOPIFY_API_VERSION", "2025-01")
	v.SetDefault("SHOPIFY_SCAN_PAGES", 6)

	// Search quotas
	v.SetDefault("GOOGLE_CSE_QPS", search.DefaultGoogleConfig().RateLimit)
	v.SetDefault("BING_QPS", search.DefaultBingConfig().RateLimit)

	// Identifier normalization
	v.SetDefault("SUPPLIER_CODE_OFFSET", skucode.DefaultOffset)
	v.SetDefault("SUPPLIER_CODE_REGEX", "")

	// Trust and gates
	v.SetDefault("BRAND_DOMAINS_WHITELIST", []string{})
	v.SetDefault("TRUSTED_RETAILER_DOMAINS", scoring.RetailerDomains)
	v.SetDefault("REQUIRE_BRAND_MATCH", true)
	v.SetDefault("REQUIRE_CODE_IN_URL_OR_CTX", true)
	v.SetDefault("REQUIRE_TRUSTED_DOMAIN_IMG", true)
	v.SetDefault("REQUIRE_COLOR_MATCH_IMG", true)
	v.SetDefault("DESC_CONFIDENCE_THRESHOLD", curator.DescConfidenceThreshold)
	v.SetDefault("IMG_CONFIDENCE_THRESHOLD", curator.ImageConfidenceThreshold)
	v.SetDefault("MIN_FIELDS_FOR_DESC", curator.MinFieldsForDesc)
	v.SetDefault("REJECT_LIFESTYLE_HINTS", true)
	v.SetDefault("LIFESTYLE_HINT_WORDS", curator.LifestyleKeywords)
	v.SetDefault("NEGATIVE_KEYWORDS_IMG", curator.NegativeKeywords)
	v.SetDefault("COLOR_OPTION_NAMES", []string{"Color", "Colore", "Colour", "COLORE", "COLOUR"})

	// Limits
	v.SetDefault("MAX_IMAGES_PER_PRODUCT", autofill.MaxGalleryImages)
	v.SetDefault("MAX_PRODUCTS", run.MaxProducts)
	v.SetDefault("DOWNLOAD_TIMEOUT_SEC", 10)
	v.SetDefault("MAX_DOWNLOAD_BYTES", 3500000)
	v.SetDefault("CONTEXT_FETCH_MAX", 300000)

	// Background
	v.SetDefault("IMAGE_MIN_SIDE", filter.MinSide)
	v.SetDefault("IMAGE_MAX_PIXELS", filter.MaxPixels)
	v.SetDefault("WHITE_BG_BORDER_PCT", filter.BorderPct)
	v.SetDefault("WHITE_BG_THRESHOLD", int(filter.WhiteThreshold))
	v.SetDefault("WHITE_BG_MIN_RATIO", filter.WhiteMinRatio)
	v.SetDefault("ALLOW_COLORED_BG", filter.AllowColored)
	v.SetDefault("PLAIN_BG_COLOR_DIST", filter.PlainColorDistance)
	v.SetDefault("PLAIN_BG_MIN_RATIO", filter.PlainMinRatio)
	v.SetDefault("ENABLE_BG_REMOVAL", filter.EnableBgRemoval)
	v.SetDefault("ENFORCE_BG_REMOVAL", filter.EnforceBgRemoval)
	v.SetDefault("ACCEPT_COLORED_IF_REMOVE_FAIL", filter.AcceptColoredIfRemovalFails)
	v.SetDefault("BG_REMOVAL_URL", "")

	// Faces
	v.SetDefault("ENFORCE_FACE_DETECTION", filter.EnableFaceDetection)
	v.SetDefault("FACE_CASCADE_PATH", "./facefinder")
	v.SetDefault("FACE_CASCADE_URL", face.DefaultCascadeURL)
	v.SetDefault("FACE_MIN_SIDE", face.DefaultConfig().MinSize)
	v.SetDefault("MAX_FACES_ALLOWED", filter.MaxFacesAllowed)

	// Magic prompt
	v.SetDefault("WRITE_MAGIC_PROMPT_METAFIELD", run.WriteMagicPrompt)
	v.SetDefault("MAGIC_PROMPT_NAMESPACE", run.MagicPromptNamespace)
	v.SetDefault("MAGIC_PROMPT_KEY", run.MagicPromptKey)
	v.SetDefault("DRY_RUN", false)

	// Archive, persistence and telemetry
	v.SetDefault("STORAGE_BACKEND", StorageNone)
	v.SetDefault("STORAGE_PATH", storage.DefaultConfig().BasePath)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_PATH_STYLE", false)
	v.SetDefault("METRICS_JOB", "autofill")
	v.SetDefault("OTEL_SERVICE_NAME", tracing.DefaultConfig().ServiceName)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)
}

// build maps the flat keys onto component configurations
func build(v *viper.Viper) (*Config, error) {
	c := &Config{
		SKUs:      list(v, "PRODUCT_SKUS", false),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		ReportDir: v.GetString("REPORT_DIR"),
	}
	if v.GetBool("DEBUG") {
		c.LogLevel = "debug"
	}

	c.Normalizer = skucode.Config{Offset: v.GetInt("SUPPLIER_CODE_OFFSET")}
	if expr := strings.TrimSpace(v.GetString("SUPPLIER_CODE_REGEX")); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid SUPPLIER_CODE_REGEX: %w", err)
		}
		c.Normalizer.Regex = re
	}

	c.Evidence = evidence.DefaultConfig()

	c.Scoring = confidence.DefaultConfig()
	c.Scoring.BrandDomains = list(v, "BRAND_DOMAINS_WHITELIST", true)
	c.Scoring.RetailerDomains = list(v, "TRUSTED_RETAILER_DOMAINS", true)
	c.Scoring.RequireBrandMatch = v.GetBool("REQUIRE_BRAND_MATCH")
	c.Scoring.RequireCodeEvidence = v.GetBool("REQUIRE_CODE_IN_URL_OR_CTX")
	c.Scoring.RequireTrustedDomain = v.GetBool("REQUIRE_TRUSTED_DOMAIN_IMG")

	c.Filter = imagefilter.DefaultConfig()
	c.Filter.MinSide = v.GetInt("IMAGE_MIN_SIDE")
	c.Filter.MaxPixels = v.GetInt("IMAGE_MAX_PIXELS")
	c.Filter.BorderPct = v.GetFloat64("WHITE_BG_BORDER_PCT")
	c.Filter.WhiteMinRatio = v.GetFloat64("WHITE_BG_MIN_RATIO")
	c.Filter.AllowColored = v.GetBool("ALLOW_COLORED_BG")
	c.Filter.PlainColorDistance = v.GetFloat64("PLAIN_BG_COLOR_DIST")
	c.Filter.PlainMinRatio = v.GetFloat64("PLAIN_BG_MIN_RATIO")
	c.Filter.EnableBgRemoval = v.GetBool("ENABLE_BG_REMOVAL")
	c.Filter.EnforceBgRemoval = v.GetBool("ENFORCE_BG_REMOVAL")
	c.Filter.AcceptColoredIfRemovalFails = v.GetBool("ACCEPT_COLORED_IF_REMOVE_FAIL")
	c.Filter.EnableFaceDetection = v.GetBool("ENFORCE_FACE_DETECTION")
	c.Filter.MaxFacesAllowed = v.GetInt("MAX_FACES_ALLOWED")
	threshold := v.GetInt("WHITE_BG_THRESHOLD")
	if threshold < 0 || threshold > 255 {
		return nil, fmt.Errorf("WHITE_BG_THRESHOLD must be within [0,255], got %d", threshold)
	}
	c.Filter.WhiteThreshold = uint8(threshold)

	c.Face = FaceConfig{
		CascadePath: v.GetString("FACE_CASCADE_PATH"),
		CascadeURL:  v.GetString("FACE_CASCADE_URL"),
		Detector:    face.DefaultConfig(),
	}
	c.Face.Detector.MinSize = v.GetInt("FACE_MIN_SIDE")

	c.BgRemoval = bgremove.DefaultConfig()
	c.BgRemoval.URL = v.GetString("BG_REMOVAL_URL")

	c.Fetch = fetch.DefaultConfig()
	c.Fetch.Timeout = time.Duration(v.GetInt("DOWNLOAD_TIMEOUT_SEC")) * time.Second
	c.Fetch.MaxImageBytes = v.GetInt64("MAX_DOWNLOAD_BYTES")
	c.Fetch.MaxPageBytes = v.GetInt64("CONTEXT_FETCH_MAX")

	c.Curator = autofill.DefaultCuratorConfig()
	c.Curator.MaxImages = v.GetInt("MAX_IMAGES_PER_PRODUCT")
	if c.Curator.MaxImages > autofill.MaxGalleryImages {
		c.Curator.MaxImages = autofill.MaxGalleryImages
	}
	c.Curator.ImageConfidenceThreshold = v.GetFloat64("IMG_CONFIDENCE_THRESHOLD")
	c.Curator.DescConfidenceThreshold = v.GetFloat64("DESC_CONFIDENCE_THRESHOLD")
	c.Curator.MinFieldsForDesc = v.GetInt("MIN_FIELDS_FOR_DESC")
	c.Curator.RequireColorMatch = v.GetBool("REQUIRE_COLOR_MATCH_IMG")
	c.Curator.RejectLifestyle = v.GetBool("REJECT_LIFESTYLE_HINTS")
	c.Curator.LifestyleKeywords = list(v, "LIFESTYLE_HINT_WORDS", true)
	c.Curator.NegativeKeywords = list(v, "NEGATIVE_KEYWORDS_IMG", true)

	c.Run = autofill.RunnerConfig{
		MaxProducts:          v.GetInt("MAX_PRODUCTS"),
		ColorOptionNames:     list(v, "COLOR_OPTION_NAMES", true),
		WriteMagicPrompt:     v.GetBool("WRITE_MAGIC_PROMPT_METAFIELD"),
		MagicPromptNamespace: v.GetString("MAGIC_PROMPT_NAMESPACE"),
		MagicPromptKey:       v.GetString("MAGIC_PROMPT_KEY"),
		DryRun:               v.GetBool("DRY_RUN"),
	}

	c.Shopify = catalog.DefaultConfig()
	c.Shopify.StoreDomain = v.GetString("SHOPIFY_STORE_DOMAIN")
	c.Shopify.APIVersion = v.GetString("SHOPIFY_API_VERSION")
	c.Shopify.AdminToken = v.GetString("SHOPIFY_ADMIN_TOKEN")
	c.Shopify.ScanPages = v.GetInt("SHOPIFY_SCAN_PAGES")

	c.Google = search.DefaultGoogleConfig()
	c.Google.Key = v.GetString("GOOGLE_CSE_KEY")
	c.Google.CX = v.GetString("GOOGLE_CSE_CX")
	c.Google.RateLimit = v.GetFloat64("GOOGLE_CSE_QPS")

	c.Bing = search.DefaultBingConfig()
	c.Bing.Key = v.GetString("BING_IMAGE_KEY")
	c.Bing.RateLimit = v.GetFloat64("BING_QPS")

	c.Storage = StorageConfig{
		Backend: strings.ToLower(v.GetString("STORAGE_BACKEND")),
		Local:   storage.Config{BasePath: v.GetString("STORAGE_PATH")},
		S3: storage.S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			Bucket:          v.GetString("S3_BUCKET"),
			Prefix:          v.GetString("S3_PREFIX"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			UsePathStyle:    v.GetBool("S3_USE_PATH_STYLE"),
		},
	}

	c.Database = db.Config{DSN: v.GetString("DATABASE_URL")}

	c.Metrics = MetricsConfig{
		PushURL: v.GetString("PUSHGATEWAY_URL"),
		Job:     v.GetString("METRICS_JOB"),
	}

	c.Tracing = tracing.Config{
		ServiceName: v.GetString("OTEL_SERVICE_NAME"),
		Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		SampleRatio: v.GetFloat64("TRACE_SAMPLE_RATIO"),
	}

	return c, nil
}

// list reads a comma separated environment value or a YAML sequence.
// Blank entries are dropped.
func list(v *viper.Viper, key string, lower bool) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}

	out := []string{}
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if lower {
			s = strings.ToLower(s)
		}
		out = append(out, s)
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Shopify.StoreDomain == "" {
		return fmt.Errorf("Shopify store domain is required (set SHOPIFY_STORE_DOMAIN)")
	}
	if c.Shopify.AdminToken == "" {
		return fmt.Errorf("Shopify admin token is required (set SHOPIFY_ADMIN_TOKEN)")
	}

	if re := c.Normalizer.Regex; re != nil && re.SubexpIndex("code") < 0 {
		return fmt.Errorf("SUPPLIER_CODE_REGEX must contain a named group \"code\"")
	}
	if c.Normalizer.Offset < 0 {
		return fmt.Errorf("SUPPLIER_CODE_OFFSET must not be negative, got %d", c.Normalizer.Offset)
	}

	ratios := []struct {
		name  string
		value float64
	}{
		{"WHITE_BG_BORDER_PCT", c.Filter.BorderPct},
		{"WHITE_BG_MIN_RATIO", c.Filter.WhiteMinRatio},
		{"PLAIN_BG_MIN_RATIO", c.Filter.PlainMinRatio},
		{"IMG_CONFIDENCE_THRESHOLD", c.Curator.ImageConfidenceThreshold},
		{"DESC_CONFIDENCE_THRESHOLD", c.Curator.DescConfidenceThreshold},
		{"TRACE_SAMPLE_RATIO", c.Tracing.SampleRatio},
	}
	for _, r := range ratios {
		if r.value < 0 || r.value > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", r.name, r.value)
		}
	}
	if c.Filter.BorderPct >= 0.5 {
		return fmt.Errorf("WHITE_BG_BORDER_PCT must be below 0.5, got %v", c.Filter.BorderPct)
	}

	counts := []struct {
		name  string
		value int
	}{
		{"MAX_IMAGES_PER_PRODUCT", c.Curator.MaxImages},
		{"MAX_PRODUCTS", c.Run.MaxProducts},
		{"MIN_FIELDS_FOR_DESC", c.Curator.MinFieldsForDesc},
		{"IMAGE_MIN_SIDE", c.Filter.MinSide},
		{"IMAGE_MAX_PIXELS", c.Filter.MaxPixels},
		{"MAX_FACES_ALLOWED", c.Filter.MaxFacesAllowed},
		{"FACE_MIN_SIDE", c.Face.Detector.MinSize},
	}
	for _, n := range counts {
		if n.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", n.name, n.value)
		}
	}
	if c.Curator.MaxImages > autofill.MaxGalleryImages {
		return fmt.Errorf("MAX_IMAGES_PER_PRODUCT must not exceed %d", autofill.MaxGalleryImages)
	}
	if c.Filter.PlainColorDistance < 0 {
		return fmt.Errorf("PLAIN_BG_COLOR_DIST must not be negative, got %v", c.Filter.PlainColorDistance)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT_SEC must be positive")
	}
	if c.Fetch.MaxImageBytes <= 0 || c.Fetch.MaxPageBytes <= 0 {
		return fmt.Errorf("MAX_DOWNLOAD_BYTES and CONTEXT_FETCH_MAX must be positive")
	}

	switch c.Storage.Backend {
	case StorageNone, StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when STORAGE_BACKEND is 's3'")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'none', 'local' or 's3', got: %s", c.Storage.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got: %s", c.LogLevel)
	}

	return nil
}
