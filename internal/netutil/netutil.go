// Package netutil resolves the addresses an agent advertises: the
// management IP and the full local IPv4 list for multi-homed hosts.
package netutil

import (
	"net"
	"os"
	"sort"
	"strings"
)

// AdvertiseIP picks the address other hosts should use to reach this agent.
// Resolution order: an explicitly configured address, a non-loopback bind
// host, the local address of an outbound socket, the hostname's resolved
// address, and loopback as a last resort.
func AdvertiseIP(explicit, bindHost string) string {
	if ip := strings.TrimSpace(explicit); ip != "" {
		return ip
	}
	if h := strings.TrimSpace(bindHost); h != "" && h != "0.0.0.0" && h != "127.0.0.1" {
		return h
	}
	if ip := outboundIP(); ip != "" {
		return ip
	}
	if name, err := os.Hostname(); err == nil {
		if addrs, err := net.LookupHost(name); err == nil {
			for _, a := range addrs {
				if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
					return a
				}
			}
		}
	}
	return "127.0.0.1"
}

// outboundIP learns the local routable address by opening a UDP socket
// toward a public resolver. No packet is sent; connect on a UDP socket only
// selects the route.
func outboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// LocalIPv4 returns the host's IPv4 addresses, sorted numerically.
func LocalIPv4(excludeLoopback bool) []string {
	seen := map[string]bool{}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if excludeLoopback && ip4.IsLoopback() {
				continue
			}
			seen[ip4.String()] = true
		}
	}
	if ip := outboundIP(); ip != "" {
		if !(excludeLoopback && strings.HasPrefix(ip, "127.")) {
			seen[ip] = true
		}
	}
	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool {
		return compareIPv4(out[i], out[j]) < 0
	})
	return out
}

// IsIPv4Host reports whether s is a usable IPv4 host address, rejecting
// network and broadcast forms.
func IsIPv4Host(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return false
	}
	last := ip.To4()[3]
	return last != 0 && last != 255
}

func compareIPv4(a, b string) int {
	pa := net.ParseIP(a).To4()
	pb := net.ParseIP(b).To4()
	if pa == nil || pb == nil {
		return strings.Compare(a, b)
	}
	for i := 0; i < 4; i++ {
		if pa[i] != pb[i] {
			return int(pa[i]) - int(pb[i])
		}
	}
	return 0
}
