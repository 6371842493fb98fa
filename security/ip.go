package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// SECURITY CONSIDERATIONS:
// - Only enable trustProxy when behind a trusted reverse proxy
// - X-Forwarded-For format: "client, proxy1, proxy2, ..."
// - trustedProxyCount specifies how many proxies to trust from the right,
//   which prevents X-Forwarded-For spoofing in multi-proxy setups
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses the X-Forwarded-For header and extracts the
// client IP. The rightmost trustedProxyCount entries are proxies we
// control; the entry immediately left of them is the closest IP an
// attacker could not have injected.
func extractIPFromXFF(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}

	parts := strings.Split(header, ",")
	ips := make([]string, 0, len(parts))
	for _, p := range parts {
		if ip := strings.TrimSpace(p); ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return ""
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	if net.ParseIP(ips[idx]) == nil {
		return ""
	}
	return ips[idx]
}

func extractIPFromXRealIP(header string) string {
	ip := strings.TrimSpace(header)
	if ip == "" || net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr without a port (as in some tests and proxies)
		if net.ParseIP(remoteAddr) != nil {
			return remoteAddr
		}
		return ""
	}
	return host
}

// Fingerprint derives the client binding identifier from the connection's
// IP and User-Agent. Session tokens are bound to this value at issuance;
// a later mismatch is treated as probable token theft, not a warning.
func Fingerprint(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(clientIP + "\x00" + userAgent))
	return hex.EncodeToString(sum[:16])
}
