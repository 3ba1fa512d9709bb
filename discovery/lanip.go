package discovery

import (
	"net"
	"strings"
)

// iPhone personal hotspots hand out addresses from this /24.
const hotspotPrefix = "172.20.10."

type interfaceAddrsFunc func() ([]net.Addr, error)

// LANAddress returns the preferred local IPv4 address, or "" when none is usable.
//
// A non-empty pinned address wins when an interface shares its /24.
func LANAddress(pinned string) string {
	return lanAddress(net.InterfaceAddrs, pinned)
}

func lanAddress(addrs interfaceAddrsFunc, pinned string) string {
	raw, err := addrs()
	if err != nil {
		return ""
	}

	ips := make([]net.IP, 0, len(raw))
	for _, addr := range raw {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		ips = append(ips, ip.To4())
	}
	return selectLANAddress(ips, pinned)
}

func selectLANAddress(ips []net.IP, pinned string) string {
	var sameSubnet, hotspot, classC, fallback string

	pinnedIP := net.ParseIP(pinned).To4()
	for _, ip := range ips {
		text := ip.String()
		switch {
		case pinnedIP != nil && sameSlash24(ip, pinnedIP):
			if sameSubnet == "" {
				sameSubnet = text
			}
		case strings.HasPrefix(text, hotspotPrefix):
			if hotspot == "" {
				hotspot = text
			}
		case ip[0] >= 192 && ip[0] <= 223:
			if classC == "" {
				classC = text
			}
		default:
			if fallback == "" {
				fallback = text
			}
		}
	}

	for _, candidate := range []string{sameSubnet, hotspot, classC, fallback} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func sameSlash24(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}

// directedBroadcast returns the /24 broadcast address for ip, or "".
func directedBroadcast(ip string) string {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil || parsed.IsUnspecified() {
		return ""
	}
	return net.IPv4(parsed[0], parsed[1], parsed[2], 255).String()
}
