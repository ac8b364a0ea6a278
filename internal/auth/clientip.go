package auth

import (
	"net"
	"strings"
)

// ClientIP derives the consumer's address from, in order, the first entry
// of X-Forwarded-For, X-Real-IP, then the connection's remote address.
// Returns "" if no usable address can be parsed out of any of them.
func ClientIP(xForwardedFor, xRealIP, remoteAddr string) string {
	if xForwardedFor != "" {
		first := strings.TrimSpace(strings.Split(xForwardedFor, ",")[0])
		if ip := parseHostIP(first); ip != "" {
			return ip
		}
	}
	if xRealIP != "" {
		if ip := parseHostIP(strings.TrimSpace(xRealIP)); ip != "" {
			return ip
		}
	}
	return parseHostIP(remoteAddr)
}

// parseHostIP accepts either a bare IP or a "host:port" pair and returns the
// canonical IP string, or "" if neither parses.
func parseHostIP(s string) string {
	if s == "" {
		return ""
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// IPAllowed reports whether clientIP matches any entry in allowed, where
// each entry is either an exact IP or a CIDR range. IPv6-aware: an
// IPv4-mapped IPv6 client address matches an IPv4 CIDR and vice versa.
func IPAllowed(clientIP string, allowed []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(entry); allowedIP != nil && allowedIP.Equal(ip) {
			return true
		}
	}
	return false
}
