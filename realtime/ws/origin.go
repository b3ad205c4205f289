package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates the request Origin against an allow-list.
//
// Entries may be full origins ("https://ops.example.com"), bare hostnames
// ("example.com"), host:port pairs, wildcard hostnames ("*.example.com",
// which also matches the apex), or exact non-standard values ("null").
// allowNoOrigin controls requests without an Origin header.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if parsed, err := url.Parse(origin); err == nil {
		host = parsed.Host
		hostname = parsed.Hostname()
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "://"):
			if origin == entry {
				return true
			}
		case strings.HasPrefix(entry, "*."):
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" && (hostname == base || strings.HasSuffix(hostname, "."+base)) {
				return true
			}
		default:
			if host != "" {
				if _, _, err := net.SplitHostPort(entry); err == nil {
					if host == entry {
						return true
					}
					continue
				}
			}
			if (hostname != "" && hostname == entry) || origin == entry {
				return true
			}
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
