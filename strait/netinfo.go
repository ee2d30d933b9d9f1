package strait

import (
	"context"
	"fmt"
	"net"
)

// InterfaceNetworkInfo discovers globally routable IPv6 addresses from
// the host's network interfaces. Loopback, link-local, and ULA ranges
// are excluded: only addresses a remote peer could plausibly dial are
// reported.
type InterfaceNetworkInfo struct{}

func (InterfaceNetworkInfo) PublicIPv6(ctx context.Context) ([]string, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.To4() != nil || ip.To16() == nil {
				continue
			}
			if !ip.IsGlobalUnicast() || isUniqueLocal(ip) {
				continue
			}
			out = append(out, ip.String())
		}
	}
	return out, nil
}

// isUniqueLocal reports whether ip is in fc00::/7.
func isUniqueLocal(ip net.IP) bool {
	v6 := ip.To16()
	return v6 != nil && v6[0]&0xfe == 0xfc
}

// StaticNetworkInfo reports a fixed address list. Useful for embedding
// applications that resolve their public addresses elsewhere, and for
// tests.
type StaticNetworkInfo struct {
	IPv6 []string
}

func (s StaticNetworkInfo) PublicIPv6(ctx context.Context) ([]string, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	out := make([]string, len(s.IPv6))
	copy(out, s.IPv6)
	return out, nil
}
