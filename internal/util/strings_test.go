package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{name: "shorter than max", s: "abc", maxLen: 8, want: "abc"},
		{name: "exactly max", s: "abcdefgh", maxLen: 8, want: "abcdefgh"},
		{name: "longer than max", s: "abcdefghij", maxLen: 8, want: "abcdefgh"},
		{name: "empty string", s: "", maxLen: 8, want: ""},
		{name: "zero max", s: "abc", maxLen: 0, want: ""},
		{name: "negative max", s: "abc", maxLen: -1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.s, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q, want \"<empty>\"", got)
	}

	h1 := HashForLogging("principal-1")
	h2 := HashForLogging("principal-2")

	if len(h1) != 16 {
		t.Errorf("HashForLogging() returned %d chars, want 16", len(h1))
	}
	if h1 == h2 {
		t.Error("HashForLogging() returned identical digests for different inputs")
	}
	if h1 != HashForLogging("principal-1") {
		t.Error("HashForLogging() is not deterministic")
	}
}
