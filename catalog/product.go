package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docutag/autofill/skucode"
)

// Product is a catalog product with the fields the autofill run consumes
type Product struct {
	ID          int64
	GID         string
	Title       string
	Vendor      string
	ProductType string
	Handle      string
	Status      string
	BodyHTML    string
	Tags        []string
	HasImages   bool
	Variants    []Variant
}

// Variant is one product variant
type Variant struct {
	ID      string
	SKU     string
	Barcode string
	Title   string
	Options []Option
}

// Option is a selected variant option such as Color=Nero
type Option struct {
	Name  string
	Value string
}

// IsDraft reports whether the product is still a draft
func (p Product) IsDraft() bool {
	return strings.EqualFold(strings.TrimSpace(p.Status), "draft")
}

// HasDescription reports whether the product already has body HTML
func (p Product) HasDescription() bool {
	return strings.TrimSpace(p.BodyHTML) != ""
}

// ChooseSKU returns the first variant SKU matching one of terms, else the
// first variant's SKU.
func (p Product) ChooseSKU(terms []string) string {
	for _, v := range p.Variants {
		if skucode.Matches(v.SKU, terms) {
			return strings.TrimSpace(v.SKU)
		}
	}
	if len(p.Variants) > 0 {
		return strings.TrimSpace(p.Variants[0].SKU)
	}
	return ""
}

var (
	colorWords = []string{
		"bianco", "nero", "blu", "rosso", "verde", "giallo", "beige", "grigio", "marrone", "rosa", "antico", "navy",
		"white", "black", "red", "green", "yellow", "brown", "pink", "grey", "gray", "blue",
	}
	titleColor = regexp.MustCompile(`(?i)\b(bianco( antico)?|nero|blu|rosso|verde|giallo|beige|grigio|marrone|rosa|navy|white|black|red|green|yellow|brown|pink|grey|gray|blue)\b`)
)

// ColorPreference returns the product color: a variant option whose name is
// in optionNames, else a tag containing a color word, else a color word in
// the title. Empty when none is found.
func (p Product) ColorPreference(optionNames []string) string {
	names := make(map[string]bool, len(optionNames))
	for _, n := range optionNames {
		names[strings.ToLower(strings.TrimSpace(n))] = true
	}

	for _, v := range p.Variants {
		for _, o := range v.Options {
			value := strings.TrimSpace(o.Value)
			if value != "" && names[strings.ToLower(strings.TrimSpace(o.Name))] {
				return value
			}
		}
	}

	for _, tag := range p.Tags {
		tag = strings.TrimSpace(tag)
		lower := strings.ToLower(tag)
		for _, w := range colorWords {
			if strings.Contains(lower, w) {
				return tag
			}
		}
	}

	return titleColor.FindString(p.Title)
}

// ProductIDFromGID parses the numeric id from a gid://shopify/Product/123 string
func ProductIDFromGID(gid string) (int64, error) {
	i := strings.LastIndex(gid, "/")
	id, err := strconv.ParseInt(gid[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid product gid %q: %w", gid, err)
	}
	return id, nil
}
