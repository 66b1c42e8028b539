package prerouter

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address of the client that sent r. When proxyHeader
// is set and its first comma separated entry is an IP address, that entry
// wins; otherwise the host part of RemoteAddr is used. Addresses are
// normalised (IPv4 mapped IPv6 becomes IPv4).
func ClientIP(r *http.Request, proxyHeader string) string {
	if proxyHeader != "" {
		if v := r.Header.Get(proxyHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			// header content is client controlled
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return normalize(host)
}

// normalize unmaps s when it is an IP address and returns it unchanged
// otherwise.
func normalize(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().String()
}
