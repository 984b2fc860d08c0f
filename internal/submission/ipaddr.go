package submission

import (
	"net/netip"
	"strings"
)

// unknownAddr is stored when the client address is missing or unparsable.
const unknownAddr = "?"

// AnonymizeIP keeps only the leading 16 bits of an IPv4 or IPv6 address,
// e.g. "203.0.113.7" becomes "203.0.0.0". Ports and IPv6 zones are dropped.
func AnonymizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownAddr
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		raw = ap.Addr().String()
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return unknownAddr
	}
	addr = addr.Unmap().WithZone("")

	prefix, err := addr.Prefix(16)
	if err != nil {
		return unknownAddr
	}
	return prefix.Addr().String()
}
