package utils

import (
	"net/netip"
	"net/url"
	"strings"
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // link-local IPv4
	netip.MustParsePrefix("::1/128"),        // loopback IPv6
	netip.MustParsePrefix("fe80::/10"),      // link-local IPv6
	netip.MustParsePrefix("fc00::/7"),       // unique local IPv6
}

// IsAllowedOrigin reports whether a cross-site Origin may talk to the API.
// Only local origins qualify: localhost, .local mDNS names, single-label
// LAN names and private-range IPs. The session cookie is credentialed, so
// public internet origins are never echoed back.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	hostname := parsed.Hostname()

	if hostname == "localhost" || strings.HasSuffix(hostname, ".local") {
		return true
	}
	// Single-label hostnames (no dots) are LAN names.
	if !strings.Contains(hostname, ".") {
		return true
	}

	if addr, err := netip.ParseAddr(hostname); err == nil {
		return isPrivateAddr(addr)
	}
	return false
}

func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range privatePrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
