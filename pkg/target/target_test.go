package target

import (
	"errors"
	"testing"
)

func TestNormalizeAccepts(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"Example.COM.", "example.com"},
		{"  example.com  ", "example.com"},
		{"sub.domain.example.co.uk", "sub.domain.example.co.uk"},
		{"xn--bcher-kva.example", "xn--bcher-kva.example"},
		{"a1-b2.example", "a1-b2.example"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"http://example.com",
		"example..com",
		"1.2.3.4",
		"::1",
		"example.com:8080",
		"例え.テスト",
		"-example.com",
		"example-.com",
		"exa mple.com",
		"example.com/path",
		"user@example.com",
		"example.com?q=1",
		"example.com#frag",
		"back\\slash.com",
	}
	for _, in := range tests {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q) expected error, got none", in)
		}
	}
}

func TestNormalizeRejectsOverlongNames(t *testing.T) {
	label := "abcdefghij"
	long := label
	for len(long) <= MaxLength {
		long += "." + label
	}
	if _, err := Normalize(long); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}

	overlongLabel := ""
	for i := 0; i < 64; i++ {
		overlongLabel += "a"
	}
	if _, err := Normalize(overlongLabel + ".example"); err == nil {
		t.Fatal("expected error for 64-char label")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"Example.COM.", "sub.EXAMPLE.org", "a-b.c-d.example"}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(Normalize(%q)): %v", in, err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}
