package mtp

import "net"

// DisplayName formats a peer address for logs, preferring a resolved
// hostname when one is available, e.g. from the DNS cache's (possibly
// empty) reverse-lookup result.
func DisplayName(addr net.Addr, hostname string) string {
	host, port := splitAddr(addr)
	if hostname != "" {
		return hostname + " [" + host + "]:" + port
	}
	return host + ":" + port
}

func splitAddr(addr net.Addr) (host, port string) {
	if addr == nil {
		return "?", "?"
	}
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return h, p
}
