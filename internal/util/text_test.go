package util

import (
	"strings"
	"testing"
)

func TestSanitizePostgresText(t *testing.T) {
	in := "valid\x00text\xffhere"
	out := SanitizePostgresText(in)
	if strings.Contains(out, "\x00") {
		t.Fatal("expected NUL bytes to be removed")
	}
	if out != "validtexthere" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSanitizePostgresText_Empty(t *testing.T) {
	if out := SanitizePostgresText(""); out != "" {
		t.Fatalf("expected empty string, got %q", out)
	}
}

func TestTruncate_UnderBudget(t *testing.T) {
	out, truncated := Truncate("short", 10, "[...]")
	if truncated {
		t.Fatal("expected no truncation")
	}
	if out != "short" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTruncate_OverBudget(t *testing.T) {
	out, truncated := Truncate("abcdefghij", 4, "[...]")
	if !truncated {
		t.Fatal("expected truncation")
	}
	if out != "abcd[...]" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTruncate_ExactBudget(t *testing.T) {
	out, truncated := Truncate("abcd", 4, "[...]")
	if truncated {
		t.Fatal("expected no truncation at exact budget")
	}
	if out != "abcd" {
		t.Fatalf("unexpected output: %q", out)
	}
}
