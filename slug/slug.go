package slug

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonCodeChars = regexp.MustCompile("[^A-Za-z0-9_-]+")
	nonAlnum     = regexp.MustCompile("[^a-z0-9]+")
)

// Fold strips accents and diacritics, e.g. "Liu·Jo Café" -> "Liu·Jo Cafe"
func Fold(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// isMn checks if a rune is a nonspacing mark (accents, diacritics)
func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

// Brand normalizes a brand or vendor name for comparison: accents folded,
// lower-cased, every non-alphanumeric character removed.
func Brand(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(Fold(s)), "")
}

// ImageFilename returns the upload filename for the n-th image of a product,
// e.g. "VENDORABC123_M_1.jpg". Characters unsafe in filenames are dropped.
func ImageFilename(stockCode string, n int) string {
	code := nonCodeChars.ReplaceAllString(Fold(strings.TrimSpace(stockCode)), "")
	if code == "" {
		code = "image"
	}
	return fmt.Sprintf("%s_%d.jpg", code, n)
}
