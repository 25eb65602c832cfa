package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeCorrupt, "checksum mismatch")
	if CodeOf(err) != CodeCorrupt {
		t.Errorf("CodeOf = %q, want CORRUPT", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors should carry no code")
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := Newf(CodeSaveFailed, "disk full writing %s", "wave-1")
	wrapped := fmt.Errorf("scheduler: %w", inner)
	if !HasCode(wrapped, CodeSaveFailed) {
		t.Error("code lost through fmt.Errorf wrapping")
	}
	if HasCode(wrapped, CodeLoadFailed) {
		t.Error("wrong code matched")
	}
}

func TestCauseUnwraps(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(CodeLoadFailed, cause, "reading checkpoint")
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable via errors.Is")
	}
}

func TestContextRendering(t *testing.T) {
	err := New(CodeCorrupt, "checksum mismatch").
		With("name", "wave-1").
		With("expected", uint32(42))
	msg := err.Error()
	if !strings.Contains(msg, "CORRUPT") || !strings.Contains(msg, "name=wave-1") {
		t.Errorf("unexpected rendering: %s", msg)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeCancelled, "story A")
	b := New(CodeCancelled, "story B")
	if !errors.Is(a, b) {
		t.Error("same-code errors should match")
	}
	c := New(CodeTimeout, "story C")
	if errors.Is(a, c) {
		t.Error("different-code errors should not match")
	}
}
