package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:54321",
			want:       "192.0.2.10",
		},
		{
			name:       "proxy headers ignored when untrusted",
			remoteAddr: "192.0.2.10:54321",
			xff:        "203.0.113.1",
			want:       "192.0.2.10",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.1, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.1",
		},
		{
			name:              "two trusted proxies skip untrusted hop",
			remoteAddr:        "10.0.0.1:1234",
			xff:               "203.0.113.1, 198.51.100.9, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.9",
		},
		{
			name:              "x-real-ip fallback",
			remoteAddr:        "10.0.0.1:1234",
			xRealIP:           "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "garbage forwarded header falls back to remote addr",
			remoteAddr:        "192.0.2.10:54321",
			xff:               "not-an-ip",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("192.0.2.10", "Mozilla/5.0")

	if fp != Fingerprint("192.0.2.10", "Mozilla/5.0") {
		t.Error("Fingerprint() is not deterministic")
	}
	if fp == Fingerprint("192.0.2.11", "Mozilla/5.0") {
		t.Error("Fingerprint() collides across IPs")
	}
	if fp == Fingerprint("192.0.2.10", "curl/8.0") {
		t.Error("Fingerprint() collides across user agents")
	}
	// The separator prevents ambiguity between ip/agent boundaries.
	if Fingerprint("a", "bc") == Fingerprint("ab", "c") {
		t.Error("Fingerprint() boundary ambiguity")
	}
}

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	if IsTokenExpired(now.Add(time.Hour)) {
		t.Error("future expiry reported expired")
	}
	if IsTokenExpired(time.Time{}) {
		t.Error("zero expiry reported expired")
	}
	if !IsTokenExpired(now.Add(-time.Hour)) {
		t.Error("long-past expiry not reported expired")
	}
	// Inside the skew grace period the token still validates.
	if IsTokenExpired(now.Add(-time.Second)) {
		t.Error("expiry within grace period reported expired")
	}
}

func TestIsLockActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	if IsLockActive(nil, now) {
		t.Error("nil deadline reported locked")
	}
	if !IsLockActive(&future, now) {
		t.Error("future deadline not reported locked")
	}
	if IsLockActive(&past, now) {
		t.Error("elapsed deadline still reported locked")
	}
}
