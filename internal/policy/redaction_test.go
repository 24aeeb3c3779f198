package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("ek_68af1234567890"); got != "ek_6****(17)" {
		t.Fatalf("MaskSecret = %q", got)
	}
	if got := MaskSecret("short"); got != "****" {
		t.Fatalf("MaskSecret(short) = %q", got)
	}
	if got := MaskSecret(""); got != "" {
		t.Fatalf("MaskSecret(empty) = %q", got)
	}
}

func TestLogPreview(t *testing.T) {
	got := LogPreview("寄到 amy@example.com 謝謝你的幫忙", 12)
	if !strings.HasPrefix(got, "寄到 [REDACTED") || !strings.HasSuffix(got, "...") {
		t.Fatalf("LogPreview = %q", got)
	}
}
