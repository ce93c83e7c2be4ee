// Package identity normalizes person names so that external enrollment
// events referring to the same person compare equal regardless of casing,
// diacritics or separator choice.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics strips diacritical marks from a string (e.g. "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeName normalizes a display name for comparison: lowercase, no
// diacritics, dashes treated as spaces.
func NormalizeName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return strings.Join(strings.Fields(name), " ")
}

// PersonID derives a stable identifier from a display name, used when an
// enrollment event does not carry an explicit id.
func PersonID(name string) string {
	return strings.ReplaceAll(NormalizeName(name), " ", "_")
}
