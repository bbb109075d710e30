package learning

import (
	"regexp"
	"strings"
)

var (
	pathPattern = regexp.MustCompile(`(?:[a-z]:)?(?:[\w.\-~]*[\\/])+[\w.\-]+`)
	filePattern = regexp.MustCompile(`[\w\-]+\.(?:ps1|psm1|psd1|go|js|ts|py|json|ya?ml|sh|bat|cmd|txt|md|cs|java|rs|cpp|c|h|lua|log)\b`)
	hexPattern  = regexp.MustCompile(`0x[0-9a-f]+|[0-9a-f]{8,}`)
	numPattern  = regexp.MustCompile(`[0-9]+`)
	space       = regexp.MustCompile(`\s+`)
)

// Normalize folds an issue type or method name into its generalized form.
// Underscores and whitespace both separate words. File paths become <path>,
// hex identifiers <hex> and standalone numbers <n>; the result is lowercased
// with separator runs replaced by a single underscore.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", " ")
	// Each rewrite removes at least one slash, dot or digit, so this
	// reaches a fixed point.
	for {
		next := normalizePass(s)
		if next == s {
			break
		}
		s = next
	}
	return space.ReplaceAllString(s, "_")
}

func normalizePass(s string) string {
	s = pathPattern.ReplaceAllString(s, "<path>")
	s = filePattern.ReplaceAllString(s, "<path>")
	s = replaceStandalone(s, hexPattern, "<hex>", func(m string) bool {
		return strings.HasPrefix(m, "0x") || strings.ContainsAny(m, "0123456789")
	})
	return replaceStandalone(s, numPattern, "<n>", nil)
}

// replaceStandalone replaces matches not embedded in a longer alphanumeric run.
func replaceStandalone(s string, re *regexp.Regexp, repl string, accept func(string) bool) string {
	idx := re.FindAllStringIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range idx {
		start, end := loc[0], loc[1]
		if start > 0 && isAlnum(s[start-1]) || end < len(s) && isAlnum(s[end]) {
			continue
		}
		if accept != nil && !accept(s[start:end]) {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(repl)
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
