package command

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Zero-width characters stripped outright during normalization.
var zeroWidth = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\ufeff': true, // byte order mark
}

// Normalize maps a raw command string onto its canonical form:
// NFC-normalize, replace every Unicode whitespace with ASCII SP, strip
// zero-width characters, collapse runs of SP, and lowercase-fold the CLI verb
// and the two tokens after it (service and action) while leaving arguments
// untouched.
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	s := norm.NFC.String(raw)

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if zeroWidth[r] {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	out := strings.Trim(b.String(), " ")
	return foldLeadingTokens(out)
}

// foldLeadingTokens lowercases the CLI verb plus the first two tokens after
// it (service and action); arguments keep their case.
func foldLeadingTokens(s string) string {
	tokens := strings.Split(s, " ")
	for i := 0; i < len(tokens) && i < 3; i++ {
		tokens[i] = strings.ToLower(tokens[i])
	}
	return strings.Join(tokens, " ")
}
