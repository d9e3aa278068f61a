// Package netdetect identifies the mesh-VPN network interface the server
// should bind to (§4.9). The original implementation shells out to
// ifconfig/netstat to answer this; no example in the retrieved pack takes
// that approach for interface discovery, and Go's standard net package is
// the idiomatic replacement every pack repo already imports for anything
// networking-related, so this is implemented directly against
// net.Interfaces()/net.InterfaceAddrs() rather than invoking external
// commands.
package netdetect

import (
	"fmt"
	"net"
	"strings"
)

// vpnPrefixes are the interface name prefixes recognized as mesh-VPN
// overlays, per the glossary.
var vpnPrefixes = []string{"nordlynx", "tailscale", "utun", "wg", "tun", "zt", "nebula"}

// Interface describes a detected mesh-VPN network interface.
type Interface struct {
	Name string
	IP   net.IP
}

// Detect returns the first network interface whose name matches a known
// mesh-VPN prefix, is currently up, and carries a non-loopback unicast IPv4
// address that looks like it is actually routed (not just configured). It
// returns an error if none is found.
func Detect() (*Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netdetect: listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if !isVPNName(iface.Name) {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		ip, err := firstUsableIPv4(iface)
		if err != nil || ip == nil {
			continue
		}

		return &Interface{Name: iface.Name, IP: ip}, nil
	}

	return nil, fmt.Errorf("netdetect: no mesh-VPN interface found")
}

func isVPNName(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range vpnPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// firstUsableIPv4 returns the first non-loopback, non-multicast IPv4
// address bound to iface, treating it as evidence the interface is actively
// routed traffic rather than merely present.
func firstUsableIPv4(iface net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		if ip4.IsLoopback() || ip4.IsMulticast() || ip4.IsUnspecified() {
			continue
		}
		return ip4, nil
	}
	return nil, nil
}
