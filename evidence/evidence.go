// Package evidence parses fetched product pages into structured EvidencePage values.
package evidence

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/docutag/autofill/models"
	"golang.org/x/net/html"
)

// Config contains extractor configuration
type Config struct {
	MaxTextLength int      // Maximum length of EvidencePage.RawText
	MaxHintLength int      // Longer text blocks are not considered as color/material hints
	URLBlacklist  []string // Image URLs containing any of these substrings are dropped
}

// DefaultConfig returns default extractor configuration
func DefaultConfig() Config {
	return Config{
		MaxTextLength: 200000,
		MaxHintLength: 300,
		URLBlacklist:  []string{"sprite", "icon", "logo", "placeholder", "thumb"},
	}
}

var (
	materialKeywords = []string{"composizione", "material"}
	colorKeywords    = []string{"colore", "color"}
	sleeveKeywords   = []string{"maniche", "sleeve"}

	hintElements = map[string]bool{"th": true, "td": true, "li": true, "p": true, "span": true, "div": true}

	// Attributes that may carry an image reference, in lookup order
	imageAttributes = []string{"src", "data-src", "data-original", "data-zoom-image", "data-large_image", "srcset", "data-srcset"}

	codeFields = []string{"sku", "mpn", "gtin13", "gtin", "gtin8", "gtin12", "gtin14", "isbn"}
)

// Extractor turns HTML documents into EvidencePage values
type Extractor struct {
	config Config
}

// New creates a new Extractor
func New(config Config) *Extractor {
	return &Extractor{config: config}
}

// Extract parses htmlText fetched from pageURL. It never fails: problems are
// recorded in Diagnostics and the fields that could be read are returned.
func (e *Extractor) Extract(htmlText, pageURL string) *models.EvidencePage {
	page := &models.EvidencePage{
		SourceURL: pageURL,
		Domain:    Domain(pageURL),
	}

	baseURL, err := url.Parse(pageURL)
	if err != nil {
		page.Diagnostics = append(page.Diagnostics, fmt.Sprintf("invalid page URL: %v", err))
		baseURL = &url.URL{}
	}

	if strings.TrimSpace(htmlText) == "" {
		page.Diagnostics = append(page.Diagnostics, "empty document")
		return page
	}

	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		page.Diagnostics = append(page.Diagnostics, fmt.Sprintf("failed to parse HTML: %v", err))
		return page
	}

	product, diags := extractStructuredProduct(doc)
	page.Diagnostics = append(page.Diagnostics, diags...)
	applyStructuredProduct(page, product)

	if page.StructuredTitle == "" {
		page.StructuredTitle = extractTitle(doc)
	}

	e.extractHints(doc, page)

	page.RawText = truncate(extractText(doc), e.config.MaxTextLength)
	page.EmbeddedImageURLs = e.extractImageURLs(doc, baseURL)

	return page
}

// extractStructuredProduct merges every JSON-LD Product object found in the
// document. Later blocks overwrite earlier ones key by key.
func extractStructuredProduct(n *html.Node) (map[string]any, []string) {
	product := map[string]any{}
	var diags []string

	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && strings.EqualFold(attr(n, "type"), "application/ld+json") {
			raw := strings.TrimSpace(nodeText(n))
			if raw == "" {
				return
			}
			var data any
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				diags = append(diags, fmt.Sprintf("invalid JSON-LD block: %v", err))
				return
			}
			for _, obj := range productObjects(data) {
				for k, v := range obj {
					product[k] = v
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)

	return product, diags
}

// productObjects returns the Product typed objects in a decoded JSON-LD value,
// looking through top-level arrays and @graph containers.
func productObjects(data any) []map[string]any {
	var out []map[string]any
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			out = append(out, productObjects(item)...)
		}
	case map[string]any:
		if isProductType(v["@type"]) {
			out = append(out, v)
		}
		if graph, ok := v["@graph"]; ok {
			out = append(out, productObjects(graph)...)
		}
	}
	return out
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product"
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func applyStructuredProduct(page *models.EvidencePage, product map[string]any) {
	if len(product) == 0 {
		return
	}

	if name, ok := stringField(product["name"]); ok {
		page.StructuredTitle = name
	}
	if brand, ok := brandField(product["brand"]); ok {
		page.StructuredBrand = brand
	}
	if color, ok := stringField(product["color"]); ok {
		page.Color = color
	}
	if material, ok := stringField(product["material"]); ok {
		page.Material = material
	}

	seen := map[string]bool{}
	for _, key := range codeFields {
		code, ok := stringField(product[key])
		if !ok {
			continue
		}
		lower := strings.ToLower(code)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		page.StructuredCodes = append(page.StructuredCodes, code)
	}
}

// stringField reads a JSON-LD scalar, accepting strings, numbers and the first
// element of a list. Absent or empty values report false.
func stringField(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case []any:
		for _, item := range val {
			if s, ok := stringField(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

// brandField reads a brand given either as a string or as an object with a name
func brandField(v any) (string, bool) {
	switch val := v.(type) {
	case map[string]any:
		return stringField(val["name"])
	case []any:
		for _, item := range val {
			if s, ok := brandField(item); ok {
				return s, true
			}
		}
		return "", false
	default:
		return stringField(v)
	}
}

// extractTitle extracts the page title from the HTML
// Priority: og:title > twitter:title > h1 > title tag
func extractTitle(n *html.Node) string {
	var ogTitle, twitterTitle, h1Title, htmlTitle string

	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				property := strings.ToLower(attr(n, "property"))
				name := strings.ToLower(attr(n, "name"))
				content := attr(n, "content")
				if property == "og:title" && ogTitle == "" {
					ogTitle = content
				} else if name == "twitter:title" && twitterTitle == "" {
					twitterTitle = content
				}
			case "h1":
				if h1Title == "" {
					h1Title = nodeText(n)
				}
			case "title":
				if htmlTitle == "" && n.FirstChild != nil {
					htmlTitle = n.FirstChild.Data
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)

	for _, t := range []string{ogTitle, twitterTitle, h1Title, htmlTitle} {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

const (
	hintMaterial = 1 << iota
	hintColor
	hintSleeve
)

// extractHints records, per keyword category, the first short text block
// mentioning it. Only the innermost matching element counts, so a list
// container never shadows its own lines.
func (e *Extractor) extractHints(n *html.Node, page *models.EvidencePage) {
	var f func(*html.Node) int
	f = func(n *html.Node) int {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return 0
		}

		var inner int
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			inner |= f(c)
		}
		if n.Type != html.ElementNode || !hintElements[n.Data] {
			return inner
		}

		text := strings.ToLower(nodeText(n))
		if text == "" || len(text) > e.config.MaxHintLength {
			return inner
		}

		var own int
		if containsAny(text, materialKeywords) {
			own |= hintMaterial
		}
		if containsAny(text, colorKeywords) {
			own |= hintColor
		}
		if containsAny(text, sleeveKeywords) {
			own |= hintSleeve
		}

		fresh := own &^ inner
		if fresh&hintMaterial != 0 && page.MaterialHint == "" {
			page.MaterialHint = text
		}
		if fresh&hintColor != 0 && page.ColorHint == "" {
			page.ColorHint = text
		}
		if fresh&hintSleeve != 0 && page.SleeveHint == "" {
			page.SleeveHint = text
		}
		return inner | own
	}
	f(n)
}

// extractImageURLs collects image references from img/source elements and
// og:image meta tags in document order, resolved and de-duplicated.
func (e *Extractor) extractImageURLs(n *html.Node, baseURL *url.URL) []string {
	var raw []string

	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				if strings.EqualFold(attr(n, "property"), "og:image") {
					if content := strings.TrimSpace(attr(n, "content")); content != "" {
						raw = append(raw, content)
					}
				}
			case "img", "source":
				for _, key := range imageAttributes {
					val := strings.TrimSpace(attr(n, key))
					if val == "" {
						continue
					}
					if strings.HasSuffix(key, "srcset") {
						val = bestSrcsetCandidate(val)
					}
					if val != "" {
						raw = append(raw, val)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)

	seen := make(map[string]bool)
	out := []string{}
	for _, ref := range raw {
		abs, ok := AbsoluteURL(baseURL, ref)
		if !ok {
			continue
		}
		if containsAny(strings.ToLower(abs), e.config.URLBlacklist) {
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// bestSrcsetCandidate returns the URL of the last (highest density) srcset entry
func bestSrcsetCandidate(srcset string) string {
	parts := strings.Split(srcset, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		fields := strings.Fields(parts[i])
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// AbsoluteURL resolves ref against base. Protocol-relative references get an
// https scheme; data URIs and unparsable references are rejected.
func AbsoluteURL(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "data:") {
		return "", false
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if parsed.IsAbs() {
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return "", false
		}
		return parsed.String(), true
	}
	if base == nil || !base.IsAbs() {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}

// Domain returns the lower-cased host of rawURL, or "" when it cannot be parsed
func Domain(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// extractText extracts all visible text content from the HTML
func extractText(n *html.Node) string {
	var buf strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				buf.WriteString(text)
				buf.WriteString(" ")
			}
		}
		// Skip script and style tags
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.TrimSpace(buf.String())
}

// nodeText joins the trimmed text of a node and its children with spaces
func nodeText(n *html.Node) string {
	var parts []string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.Join(parts, " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most max bytes without splitting a rune
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
