package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var yearPattern = regexp.MustCompile(`\b\d{4}\b`)

// foldAccents strips combining marks: "Habitabilité" -> "Habitabilite".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeLabel turns a field caption into a JSON key: accents folded,
// trimmed, spaces replaced by underscores, apostrophes removed.
func NormalizeLabel(label string) string {
	label = strings.TrimSpace(foldAccents(label))
	label = strings.ReplaceAll(label, "\u2019", "")
	label = strings.ReplaceAll(label, "'", "")
	return strings.Join(strings.Fields(label), "_")
}

// squash collapses runs of whitespace (including non-breaking spaces).
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func text(s *goquery.Selection) string {
	return squash(s.Text())
}

func yearOf(label string) string {
	return yearPattern.FindString(label)
}
