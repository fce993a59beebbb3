// Package grant manages grant sessions: caller-requested, human-approved
// bundles of specific commands executable within a TTL. Authorized entries
// are exact normalized strings or bounded patterns.
package grant

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern compile guards. They bound the compiled regex so a hostile grant
// request cannot construct a pathological matcher.
const (
	maxPatternLength = 256
	maxWildcards     = 10
)

// placeholderFragments maps known placeholder names onto regex fragments.
// Unknown names fall back to a non-whitespace sequence.
var placeholderFragments = map[string]string{
	"uuid":   `[0-9a-f][0-9a-f\-]{10,34}[0-9a-f]`,
	"date":   `\d{4}-\d{2}-\d{2}`,
	"any":    `\S+`,
	"bucket": `\S+`,
	"key":    `\S+`,
	"name":   `\S+`,
}

const defaultPlaceholderFragment = `\S+`

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// IsPattern reports whether an authorized entry uses pattern syntax.
func IsPattern(s string) bool {
	return strings.Contains(s, "*") || (strings.Contains(s, "{") && strings.Contains(s, "}"))
}

// CompilePattern turns a grant pattern into an anchored regexp.
// Supported syntax: {placeholder} matches a non-whitespace token (with typed
// fragments for uuid and date), ** matches any run including spaces, and *
// matches a non-whitespace run. Guards reject overlong patterns, more than
// ten wildcards outside placeholders, and any three consecutive stars.
func CompilePattern(pattern string) (re *regexp.Regexp, err error) {
	defer func() {
		if r := recover(); r != nil {
			re, err = nil, fmt.Errorf("pattern compile failed: %v", r)
		}
	}()

	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("pattern exceeds %d characters (%d)", maxPatternLength, len(pattern))
	}
	if strings.Contains(pattern, "***") {
		return nil, fmt.Errorf("pattern contains consecutive wildcards (***)")
	}
	noPlaceholders := placeholderRe.ReplaceAllString(pattern, "")
	if n := strings.Count(noPlaceholders, "*"); n > maxWildcards {
		return nil, fmt.Errorf("pattern contains too many wildcards (%d, limit %d)", n, maxWildcards)
	}

	var parts []string
	lastEnd := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(pattern, -1) {
		parts = append(parts, globToRegex(pattern[lastEnd:m[0]]))
		name := strings.ToLower(pattern[m[2]:m[3]])
		frag, ok := placeholderFragments[name]
		if !ok {
			frag = defaultPlaceholderFragment
		}
		parts = append(parts, "(?:"+frag+")")
		lastEnd = m[1]
	}
	parts = append(parts, globToRegex(pattern[lastEnd:]))

	compiled, err := regexp.Compile("(?i)^" + strings.Join(parts, "") + "$")
	if err != nil {
		return nil, fmt.Errorf("pattern compile failed: %w", err)
	}
	return compiled, nil
}

// globToRegex escapes a literal fragment, then rewrites the escaped glob
// wildcards: ** matches anything, * matches a non-whitespace run.
func globToRegex(text string) string {
	if text == "" {
		return ""
	}
	escaped := regexp.QuoteMeta(text)
	escaped = strings.ReplaceAll(escaped, `\*\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\*`, `\S*`)
	return escaped
}

// MatchPattern reports whether a normalized command matches an authorized
// entry. Entries without pattern syntax degrade to exact comparison; a
// compile failure never matches.
func MatchPattern(entry, normalized string) bool {
	if !IsPattern(entry) {
		return entry == normalized
	}
	re, err := CompilePattern(entry)
	if err != nil {
		return false
	}
	return re.MatchString(normalized)
}
