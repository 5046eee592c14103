// Package normalize holds the pure text, date, and dedup helpers applied to
// scraped records before staging.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
)

// CleanText collapses runs of whitespace (spaces, tabs, newlines) into single
// spaces and trims the result. Empty input yields "".
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// CleanTextPtr is CleanText for optional values; nil yields "".
func CleanTextPtr(s *string) string {
	if s == nil {
		return ""
	}
	return CleanText(*s)
}

// NormalizeText lowercases s, strips diacritics and punctuation, and collapses
// whitespace. The result is for comparison only and is never stored.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(stripDiacritics(s))
	s = punctuationRe.ReplaceAllString(s, " ")
	return CleanText(s)
}

// SlugKey is NormalizeText with all spaces removed, so "Red Rocks" and
// "redrocks" share a key.
func SlugKey(s string) string {
	return strings.ReplaceAll(NormalizeText(s), " ", "")
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// StringSimilarity scores how alike a and b are after normalization:
// 1.0 for an exact match, 0.0 if either is empty, 0.8 if one contains the
// other, otherwise the share of a's words (longer than two runes) found in b,
// over the larger word count. It is not symmetric.
func StringSimilarity(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}

	wordsA := significantWords(na)
	wordsB := significantWords(nb)
	denom := max(len(wordsA), len(wordsB))
	if denom == 0 {
		return 0
	}

	inB := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		inB[w] = struct{}{}
	}
	var common int
	for _, w := range wordsA {
		if _, ok := inB[w]; ok {
			common++
		}
	}
	return float64(common) / float64(denom)
}

func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if len([]rune(w)) > 2 {
			out = append(out, w)
		}
	}
	return out
}
