// Package confidence scores how strongly a fetched page or image is evidence for a product.
package confidence

import (
	"regexp"
	"strings"

	"github.com/docutag/autofill/evidence"
	"github.com/docutag/autofill/models"
	"github.com/docutag/autofill/slug"
)

// Gate names reported in ConfidenceScore.FailedGate
const (
	GateTrustedDomain = "trusted_domain"
	GateBrandMatch    = "brand_match"
	GateCodeEvidence  = "code_evidence"
)

// Weights are the additive contributions of each signal
type Weights struct {
	CodeInURL      float64
	CodeInStruct   float64
	CodeInText     float64
	BrandMatch     float64
	BrandInDomain  float64
	BrandDomain    float64 // Domain on the brand-owned whitelist
	RetailerDomain float64 // Domain on the retailer list, only when not brand-owned
}

// PageWeights are used for description sourcing
var PageWeights = Weights{
	CodeInStruct:  0.5,
	CodeInText:    0.3,
	BrandMatch:    0.3,
	BrandInDomain: 0.2,
}

// ImageWeights are used for gallery curation
var ImageWeights = Weights{
	CodeInURL:      0.35,
	CodeInStruct:   0.35,
	CodeInText:     0.20,
	BrandMatch:     0.25,
	BrandInDomain:  0.20,
	BrandDomain:    0.25,
	RetailerDomain: 0.15,
}

// Config contains scorer configuration
type Config struct {
	BrandDomains            []string // Brand-owned domains, matched as substrings of the host
	RetailerDomains         []string // Trusted retailer domains, matched as substrings of the host
	BlacklistDomains        []string
	SafeDomainHints         []string // CDN-like host fragments
	WhiteBackgroundKeywords []string // URL fragments hinting at a packshot

	RequireBrandMatch    bool
	RequireCodeEvidence  bool
	RequireTrustedDomain bool // Image-level only

	PageWeights  Weights
	ImageWeights Weights
}

// DefaultConfig returns default scorer configuration
func DefaultConfig() Config {
	return Config{
		RetailerDomains: []string{
			"zalando.", "aboutyou.", "farfetch.", "yoox.", "ssense.", "endclothing.",
			"footlocker.", "jdsports.", "luisaviaroma.", "zappos.", "asos.",
			"cdn.shopify.com", "shopifycdn.com", "wardow.", "modivo.", "answear.",
			"pavidas.", "scuderistore.", "gullivermoda.", "giglio.", "negozipelizzari.",
			"miriade.", "sorelleramonda.",
		},
		BlacklistDomains: []string{
			"ebay.", "aliexpress.", "pinterest.", "facebook.", "tumblr.", "wordpress.",
			"blogspot.", "vk.", "tiktok.", "twitter.", "x.com", "instagram.",
		},
		SafeDomainHints:         []string{"cdn", "images", "media", "static", "assets", "content", "img", "cloudfront", "akamaized"},
		WhiteBackgroundKeywords: []string{"white", "bianco", "packshot", "studio", "product", "plain", "ghost", "sfondo-bianco"},
		RequireBrandMatch:       true,
		RequireCodeEvidence:     true,
		RequireTrustedDomain:    true,
		PageWeights:             PageWeights,
		ImageWeights:            ImageWeights,
	}
}

// Scorer computes ConfidenceScore values. It holds no state beyond its
// configuration, so every score is a pure function of its inputs.
type Scorer struct {
	config Config
}

// New creates a new Scorer
func New(config Config) *Scorer {
	return &Scorer{config: config}
}

// ScorePage scores a fetched page as a description source for product.
func (s *Scorer) ScorePage(product models.ProductQuery, code string, page *models.EvidencePage) models.ConfidenceScore {
	domain := ""
	if page != nil {
		domain = page.Domain
	}

	sig := s.signals(product, code, "", domain, page)
	w := s.config.PageWeights
	score := models.ConfidenceScore{Signals: sig}

	if s.config.RequireBrandMatch && !(sig.BrandMatch || sig.BrandInDomain) {
		score.FailedGate = GateBrandMatch
		return score
	}
	if s.config.RequireCodeEvidence && !(sig.CodeInStruct || sig.CodeInText) {
		score.FailedGate = GateCodeEvidence
		return score
	}

	score.GatesPassed = true
	score.Value = weigh(sig, w)
	return score
}

// ScoreImage scores one image URL found through pageURL, using the evidence
// extracted from that page. An empty pageURL falls back to the image host.
func (s *Scorer) ScoreImage(product models.ProductQuery, code, imageURL, pageURL string, page *models.EvidencePage) models.ConfidenceScore {
	domain := evidence.Domain(pageURL)
	if domain == "" {
		domain = evidence.Domain(imageURL)
	}

	sig := s.signals(product, code, imageURL, domain, page)
	w := s.config.ImageWeights
	score := models.ConfidenceScore{Signals: sig}

	if s.config.RequireTrustedDomain && !(sig.BrandDomain || sig.RetailerDomain) {
		score.FailedGate = GateTrustedDomain
		return score
	}
	if s.config.RequireBrandMatch && !(sig.BrandMatch || sig.BrandInDomain) {
		score.FailedGate = GateBrandMatch
		return score
	}
	if s.config.RequireCodeEvidence && !(sig.CodeInURL || sig.CodeInStruct || sig.CodeInText) {
		score.FailedGate = GateCodeEvidence
		return score
	}

	score.GatesPassed = true
	score.Value = weigh(sig, w)
	return score
}

func (s *Scorer) signals(product models.ProductQuery, code, imageURL, domain string, page *models.EvidencePage) models.Signals {
	vendor := slug.Brand(product.Vendor)

	var sig models.Signals
	if code != "" && imageURL != "" {
		sig.CodeInURL = strings.Contains(strings.ToLower(imageURL), strings.ToLower(code))
	}
	if page != nil {
		sig.CodeInStruct = page.HasCode(code)
		sig.CodeInText = CodeInText(page.RawText, code)
		if brand := slug.Brand(page.StructuredBrand); brand != "" {
			sig.BrandMatch = brand == vendor
		}
	}
	sig.BrandInDomain = BrandInDomain(product.Vendor, domain)
	sig.BrandDomain = matchesAny(domain, s.config.BrandDomains)
	sig.RetailerDomain = matchesAny(domain, s.config.RetailerDomains)
	return sig
}

func weigh(sig models.Signals, w Weights) float64 {
	total := 0.0
	add := func(on bool, weight float64) {
		if on {
			total += weight
		}
	}
	add(sig.CodeInURL, w.CodeInURL)
	add(sig.CodeInStruct, w.CodeInStruct)
	add(sig.CodeInText, w.CodeInText)
	add(sig.BrandMatch, w.BrandMatch)
	add(sig.BrandInDomain, w.BrandInDomain)
	if sig.BrandDomain {
		total += w.BrandDomain
	} else if sig.RetailerDomain {
		total += w.RetailerDomain
	}

	if total > 1 {
		return 1
	}
	if total < 0 {
		return 0
	}
	return total
}

// CodeInText reports whether code occurs in text as a whole token, i.e.
// bounded by non-alphanumeric characters or the ends of text. Case-insensitive.
func CodeInText(text, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" || text == "" {
		return false
	}
	re := regexp.MustCompile(`(?i)(^|[^A-Za-z0-9])` + regexp.QuoteMeta(code) + `([^A-Za-z0-9]|$)`)
	return re.MatchString(text)
}

// BrandInDomain reports whether the normalized vendor occurs in the host with its dots removed
func BrandInDomain(vendor, domain string) bool {
	brand := slug.Brand(vendor)
	if brand == "" || domain == "" {
		return false
	}
	return strings.Contains(strings.ReplaceAll(strings.ToLower(domain), ".", ""), brand)
}

// Trusted reports whether domain is brand-owned or a trusted retailer
func (s *Scorer) Trusted(domain string) bool {
	return matchesAny(domain, s.config.BrandDomains) || matchesAny(domain, s.config.RetailerDomains)
}

// Blacklisted reports whether domain is on the blacklist
func (s *Scorer) Blacklisted(domain string) bool {
	return matchesAny(domain, s.config.BlacklistDomains)
}

// TrustedDomains returns brand-owned followed by retailer domains
func (s *Scorer) TrustedDomains() []string {
	out := make([]string, 0, len(s.config.BrandDomains)+len(s.config.RetailerDomains))
	out = append(out, s.config.BrandDomains...)
	return append(out, s.config.RetailerDomains...)
}

// Desirability ranks a candidate image URL before any fetch. Lower is better:
// brand-owned, then retailer, then brand-in-host, CDN-hinted and
// packshot-keyword URLs; blacklisted hosts sink to the bottom.
func (s *Scorer) Desirability(imageURL, vendor string) int {
	domain := evidence.Domain(imageURL)
	lowerURL := strings.ToLower(imageURL)

	score := 0
	if matchesAny(domain, s.config.BrandDomains) {
		score -= 8
	}
	if matchesAny(domain, s.config.RetailerDomains) {
		score -= 5
	}
	if BrandInDomain(vendor, domain) {
		score -= 3
	}
	if matchesAny(domain, s.config.SafeDomainHints) {
		score--
	}
	if matchesAny(lowerURL, s.config.WhiteBackgroundKeywords) {
		score--
	}
	if matchesAny(domain, s.config.BlacklistDomains) {
		score += 10
	}
	return score
}

func matchesAny(s string, fragments []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, f := range fragments {
		if f != "" && strings.Contains(s, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
