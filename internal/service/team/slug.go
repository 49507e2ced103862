package team

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxNameRunes = 64
	maxSlugLen   = 48
)

// NormalizeName collapses internal whitespace and validates the length.
func NormalizeName(name string) (string, bool) {
	name = strings.Join(strings.Fields(name), " ")
	n := utf8.RuneCountInString(name)
	return name, n > 0 && n <= maxNameRunes
}

// Slugify derives the URL slug for a team name: diacritics are folded away,
// letters lower-cased and every other run of characters becomes one dash.
func Slugify(name string) string {
	// transform.Chain keeps state, so build one per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// normalizeSlug canonicalises a slug supplied by a caller for lookups.
func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
