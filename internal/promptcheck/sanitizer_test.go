package promptcheck

import (
	"strings"
	"testing"
)

func TestEscapeShellChars(t *testing.T) {
	got := Sanitize("run `ls` for $HOME with C:\\temp")
	for _, want := range []string{"\\`ls\\`", `\$HOME`, `C:\\temp`} {
		if !strings.Contains(got, want) {
			t.Errorf("%q missing %q", got, want)
		}
	}
}

func TestRedaction(t *testing.T) {
	cases := []struct{ in, placeholder string }{
		{"mail me at dev@example.com please", "[EMAIL]"},
		{"ssn is 123-45-6789 ok", "[SSN]"},
		{"card 4111 1111 1111 1111 on file", "[CREDIT_CARD]"},
		{"call 555-867-5309 today", "[PHONE]"},
		{"call (555) 867-5309 today", "[PHONE]"},
	}
	for _, tc := range cases {
		got := Sanitize(tc.in)
		if !strings.Contains(got, tc.placeholder) {
			t.Errorf("Sanitize(%q) = %q, want %s", tc.in, got, tc.placeholder)
		}
	}

	// SSN shape must not be mistaken for a phone number.
	if got := Sanitize("123-45-6789"); !strings.Contains(got, "[SSN]") {
		t.Errorf("ssn redacted as %q", got)
	}
}

func TestStripControlCharacters(t *testing.T) {
	got := Sanitize("a\x00b\x07c\x1bd\u0085e")
	if got != "abcde" {
		t.Errorf("got %q", got)
	}
	// Newline and tab survive.
	if got := Sanitize("a\nb\tc"); got != "a\nb\tc" {
		t.Errorf("got %q", got)
	}
}

func TestStripZeroWidth(t *testing.T) {
	got := Sanitize("dr\u200bop ta\u200dble\ufeff")
	if got != "drop table" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeIdempotentOnCleanText(t *testing.T) {
	clean := "Task: fix the parser in file a.go"
	if got := Sanitize(clean); got != clean {
		t.Errorf("clean text changed: %q", got)
	}
}
