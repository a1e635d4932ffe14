// Package addrutil normalizes the controller addresses endpoints are
// configured with.
package addrutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// WithDefaultPort returns addr as host:port, filling in port when addr has
// none. Scheme prefixes (tcp://, ws://, http://) and trailing paths are
// stripped so a copied URL still works.
func WithDefaultPort(addr string, port int) (string, error) {
	a := stripScheme(strings.TrimSpace(addr))
	if a == "" {
		return "", fmt.Errorf("addrutil: empty address")
	}

	if h, p, err := net.SplitHostPort(a); err == nil {
		if h == "" {
			h = "127.0.0.1"
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("addrutil: bad port in %q", addr)
		}
		return net.JoinHostPort(h, p), nil
	}

	if port <= 0 {
		return "", fmt.Errorf("addrutil: %q has no port", addr)
	}
	host := Host(a)
	if host == "" {
		return "", fmt.Errorf("addrutil: no host in %q", addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Host returns the host part of addr with any port removed.
func Host(addr string) string {
	a := stripScheme(strings.TrimSpace(addr))
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 with a trailing ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if ip := net.ParseIP(a); ip != nil {
				return a
			}
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]")
	}
	return a
}

func stripScheme(a string) string {
	if i := strings.Index(a, "://"); i >= 0 {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			return u.Host
		}
		a = a[i+3:]
	}
	if i := strings.IndexByte(a, '/'); i >= 0 {
		a = a[:i]
	}
	return a
}
