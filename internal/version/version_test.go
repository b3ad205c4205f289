package version

import (
	"strings"
	"testing"
)

func TestStringWithInjectedValues(t *testing.T) {
	got := String("v0.3.0", "deadbeef", "2026-08-01T00:00:00Z")
	if got != "v0.3.0 (deadbeef) 2026-08-01T00:00:00Z" {
		t.Fatalf("got %q", got)
	}
}

func TestStringOmitsPlaceholders(t *testing.T) {
	got := String("v0.3.0", "unknown", "unknown")
	if strings.Contains(got, "unknown") {
		t.Fatalf("placeholder leaked: %q", got)
	}
	if !strings.HasPrefix(got, "v0.3.0") {
		t.Fatalf("got %q", got)
	}
}

func TestStringNeverEmpty(t *testing.T) {
	if got := String("", "", ""); got == "" {
		t.Fatal("empty version line")
	}
}
