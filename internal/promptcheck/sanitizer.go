package promptcheck

import (
	"regexp"
	"strings"
)

// PII redaction patterns. SSN runs before credit card and phone so its
// 3-2-4 digit shape is not swallowed by the broader patterns.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	phonePattern = regexp.MustCompile(`\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}`)
)

// zeroWidthRunes are invisible characters used to smuggle text past
// reviewers.
var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // BOM
}

// Sanitize rewrites a prompt for safe downstream use: invisible and
// control characters are stripped, PII is replaced with labeled
// placeholders, and shell-significant characters are escaped.
func Sanitize(prompt string) string {
	out := stripInvisible(prompt)
	out = redactPII(out)
	return escapeShellChars(out)
}

// stripInvisible removes zero-width unicode and C0/C1 control characters,
// keeping newline and tab.
func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if zeroWidthRunes[r] {
			continue
		}
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// redactPII replaces emails, SSNs, credit card numbers, and phone numbers
// with labeled placeholders.
func redactPII(s string) string {
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = ssnPattern.ReplaceAllString(s, "[SSN]")
	s = cardPattern.ReplaceAllString(s, "[CREDIT_CARD]")
	return phonePattern.ReplaceAllString(s, "[PHONE]")
}

var shellEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`$`, `\$`,
)

// escapeShellChars escapes backslash, backtick, and dollar so prompt text
// cannot expand inside shell or template contexts.
func escapeShellChars(s string) string {
	return shellEscaper.Replace(s)
}
