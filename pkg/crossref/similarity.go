package crossref

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// corporateSuffixes are legal-form tokens dropped before comparison so that
// "Acme Holdings LLC" and "Acme Holdings, Inc." compare on the business name
// itself.
var corporateSuffixes = map[string]bool{
	"llc":          true,
	"inc":          true,
	"incorporated": true,
	"corp":         true,
	"corporation":  true,
	"ltd":          true,
	"limited":      true,
	"co":           true,
	"company":      true,
	"lp":           true,
	"llp":          true,
	"pllc":         true,
	"pc":           true,
	"pa":           true,
	"plc":          true,
	"gmbh":         true,
	"sa":           true,
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName prepares a name for trigram comparison: lowercase, accents
// folded, punctuation collapsed to spaces, corporate suffix tokens dropped.
func NormalizeName(name string) string {
	folded, _, err := transform.String(accentFolder, name)
	if err != nil {
		folded = name
	}
	lowered := strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if len(words) > 1 && corporateSuffixes[w] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// trigramSet builds the padded per-word trigram set of an already normalized
// string, the way pg_trgm does: each word is prefixed with two spaces and
// suffixed with one before windows of three are taken.
func trigramSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(normalized) {
		padded := "  " + word + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			set[string(runes[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity computes the Jaccard similarity of the trigram sets of two
// normalized names. Result is in [0, 1].
func Similarity(a, b string) float64 {
	return jaccard(trigramSet(a), trigramSet(b))
}
