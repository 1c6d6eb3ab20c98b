// Package skucode derives search-friendly product codes from supplier-formatted stock codes.
package skucode

import (
	"regexp"
	"strings"
)

// DefaultOffset is the number of internal prefix characters stripped from a stock code
const DefaultOffset = 6

// Config contains normalizer configuration
type Config struct {
	Offset int            // Fixed prefix length removed when no regex matches
	Regex  *regexp.Regexp // Optional pattern with a named capture group "code"
}

// DefaultConfig returns default normalizer configuration
func DefaultConfig() Config {
	return Config{Offset: DefaultOffset}
}

// Normalizer turns stock codes into supplier codes and search terms
type Normalizer struct {
	config Config
}

// New creates a new Normalizer
func New(config Config) *Normalizer {
	if config.Offset < 0 {
		config.Offset = 0
	}
	return &Normalizer{config: config}
}

// Root returns the part of code before the first "_" or "-" separator.
// "_" is checked before "-", so "AB-1_M" yields "AB-1".
func Root(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	for _, sep := range []string{"_", "-"} {
		if i := strings.Index(code, sep); i >= 0 {
			return code[:i]
		}
	}
	return code
}

// SupplierCode extracts the supplier portion of a stock code.
// A configured regex with a non-empty "code" group wins; otherwise the fixed
// offset prefix is removed. Codes not longer than the offset are returned whole.
func (n *Normalizer) SupplierCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}

	if re := n.config.Regex; re != nil {
		if m := re.FindStringSubmatch(code); m != nil {
			if idx := re.SubexpIndex("code"); idx >= 0 && idx < len(m) {
				if c := strings.TrimSpace(m[idx]); c != "" {
					return c
				}
			}
		}
	}

	if len(code) > n.config.Offset {
		return code[n.config.Offset:]
	}
	return code
}

// SearchCode returns the code used for web searches: the root of the supplier
// code, or the supplier code itself when its root is empty.
func (n *Normalizer) SearchCode(stockCode string) string {
	supplier := n.SupplierCode(stockCode)
	if root := Root(supplier); root != "" {
		return root
	}
	return supplier
}

// ExpandSearchTerms returns every code together with its root, its supplier
// code and the root of its supplier code, de-duplicated case-insensitively in
// first-seen order.
func (n *Normalizer) ExpandSearchTerms(codes []string) []string {
	seen := make(map[string]bool)
	out := []string{}

	add := func(term string) {
		if term == "" {
			return
		}
		key := strings.ToLower(term)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, term)
	}

	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		supplier := n.SupplierCode(code)
		add(code)
		add(Root(code))
		add(supplier)
		add(Root(supplier))
	}

	return out
}

// Matches reports whether a catalog SKU corresponds to any of the terms:
// equal, prefixed by the term, or sharing the term as its root.
func Matches(sku string, terms []string) bool {
	sku = strings.ToLower(strings.TrimSpace(sku))
	if sku == "" {
		return false
	}
	root := Root(sku)
	for _, t := range terms {
		t = strings.ToLower(t)
		if t == "" {
			continue
		}
		if sku == t || strings.HasPrefix(sku, t) || root == t {
			return true
		}
	}
	return false
}
