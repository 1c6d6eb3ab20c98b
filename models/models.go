package models

import (
	"strings"
	"time"
)

// ProductQuery is the immutable description of one catalog product to enrich
type ProductQuery struct {
	ProductID       int64  `json:"product_id"`
	Title           string `json:"title"`
	Vendor          string `json:"vendor"` // Brand name as stored in the catalog
	ProductType     string `json:"product_type"`
	StockCode       string `json:"stock_code"` // Variant SKU chosen for this product
	ColorPreference string `json:"color_preference,omitempty"`
	SearchCode      string `json:"search_code"` // Normalized supplier code used for searching and matching
}

// EvidencePage contains the product facts extracted from one fetched HTML page
type EvidencePage struct {
	SourceURL         string   `json:"source_url"`
	Domain            string   `json:"domain"`
	StructuredTitle   string   `json:"structured_title,omitempty"`
	StructuredBrand   string   `json:"structured_brand,omitempty"`
	StructuredCodes   []string `json:"structured_codes,omitempty"` // sku, mpn and gtin values
	Color             string   `json:"color,omitempty"`
	Material          string   `json:"material,omitempty"`
	ColorHint         string   `json:"color_hint,omitempty"`    // First text line mentioning a color keyword
	MaterialHint      string   `json:"material_hint,omitempty"` // First text line mentioning a material keyword
	SleeveHint        string   `json:"sleeve_hint,omitempty"`
	RawText           string   `json:"raw_text,omitempty"` // Visible page text, bounded
	EmbeddedImageURLs []string `json:"embedded_image_urls,omitempty"`
	Diagnostics       []string `json:"diagnostics,omitempty"` // Non-fatal extraction problems
}

// HasCode reports whether code equals one of the structured codes (case-insensitive)
func (p *EvidencePage) HasCode(code string) bool {
	if p == nil || code == "" {
		return false
	}
	for _, c := range p.StructuredCodes {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// EffectiveColor returns the structured color, falling back to the color hint
func (p *EvidencePage) EffectiveColor() (string, bool) {
	if p == nil {
		return "", false
	}
	if p.Color != "" {
		return p.Color, true
	}
	if p.ColorHint != "" {
		return p.ColorHint, true
	}
	return "", false
}

// EffectiveMaterial returns the structured material, falling back to the material hint
func (p *EvidencePage) EffectiveMaterial() (string, bool) {
	if p == nil {
		return "", false
	}
	if p.Material != "" {
		return p.Material, true
	}
	if p.MaterialHint != "" {
		return p.MaterialHint, true
	}
	return "", false
}

// Signals records which weighted confidence signals fired
type Signals struct {
	CodeInURL      bool `json:"code_in_url"`
	CodeInStruct   bool `json:"code_in_struct"`
	CodeInText     bool `json:"code_in_text"`
	BrandMatch     bool `json:"brand_match"`
	BrandInDomain  bool `json:"brand_in_domain"`
	BrandDomain    bool `json:"brand_domain"`    // Domain is on the brand-owned whitelist
	RetailerDomain bool `json:"retailer_domain"` // Domain is on the trusted retailer list
}

// ConfidenceScore is the outcome of scoring one piece of evidence against a product
type ConfidenceScore struct {
	Value       float64 `json:"value"`                 // Always within [0,1]
	GatesPassed bool    `json:"gates_passed"`          // False forces Value to exactly 0
	FailedGate  string  `json:"failed_gate,omitempty"` // Name of the first failing hard gate
	Signals     Signals `json:"signals"`
}

// Background classifies the border band of an image
type Background string

const (
	BackgroundUnknown Background = ""
	BackgroundWhite   Background = "white"
	BackgroundPlain   Background = "plain"
	BackgroundComplex Background = "complex"
)

// ImageStage is the lifecycle position of a CandidateImage
type ImageStage string

const (
	StageDiscovered ImageStage = "discovered"
	StageDownloaded ImageStage = "downloaded"
	StageClassified ImageStage = "classified"
	StageAccepted   ImageStage = "accepted"
	StageRejected   ImageStage = "rejected"
	StageFinalized  ImageStage = "finalized"
)

// CandidateImage tracks one image URL through the gallery pipeline
type CandidateImage struct {
	URL          string     `json:"url"`
	Stage        ImageStage `json:"stage"`
	Data         []byte     `json:"-"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Background   Background `json:"background,omitempty"`
	HasFace      bool       `json:"has_face"`
	Cropped      bool       `json:"cropped"`
	BgRemoved    bool       `json:"bg_removed"`
	Hash         uint64     `json:"hash,omitempty"` // 8x8 average hash
	RejectReason string     `json:"reject_reason,omitempty"`
}

// Reject moves the candidate to the rejected stage with a reason
func (c *CandidateImage) Reject(reason string) {
	c.Stage = StageRejected
	c.RejectReason = reason
}

// FinalImage is an accepted, re-encoded gallery image
type FinalImage struct {
	SourceURL string `json:"source_url"` // Original image URL
	Data      []byte `json:"-"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Hash      uint64 `json:"hash"`
}

// Rejection explains why one candidate was not used
type Rejection struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// GalleryResult is the curated image set for one product
type GalleryResult struct {
	SourceURL  string           `json:"source_url,omitempty"` // The single page every image came from
	Images     []FinalImage     `json:"images"`
	Rejections []Rejection      `json:"rejections,omitempty"`
	PageScore  *ConfidenceScore `json:"page_score,omitempty"`
}

// DescriptionResult is the outcome of description sourcing
type DescriptionResult struct {
	HTML       string        `json:"html"`
	SourceURL  string        `json:"source_url,omitempty"`
	Confidence float64       `json:"confidence"`
	Evidence   *EvidencePage `json:"evidence,omitempty"`
}

// ReportRow is one line of the run report
type ReportRow struct {
	ProductID          string   `json:"product_id"`
	Title              string   `json:"title"`
	Vendor             string   `json:"vendor"`
	Code               string   `json:"code"`
	ImagesUploaded     int      `json:"images_uploaded"`
	DescriptionUpdated bool     `json:"description_updated"`
	Notes              string   `json:"notes"`
	ContextURL         string   `json:"context_url"`
	ImageRefs          []string `json:"image_refs"`
	Failed             bool     `json:"failed"`
}

// RunSummary aggregates the outcome of one batch run
type RunSummary struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Scanned    int         `json:"scanned"`
	Updated    int         `json:"updated"`
	Skipped    int         `json:"skipped"`
	Rows       []ReportRow `json:"rows"`
}
