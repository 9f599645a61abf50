package helpers

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonNameChars = regexp.MustCompile(`[^\pL\pN]+`)

// Folds a display name down to a comparison key: lower-case, accents removed, and only letters and digits kept. For example "Hämmy_B." becomes "hammyb".
func FoldName(name string) string {
	// transformers are stateful, so one is built per call
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(normFunc, name)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		folded = name
	}
	return strings.ToLower(nonNameChars.ReplaceAllString(folded, ""))
}
