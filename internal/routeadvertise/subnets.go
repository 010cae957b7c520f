// Package routeadvertise discovers the local host's routable subnets and
// NATs traffic arriving from the mesh onto them, so a node can act as a
// gateway into a physical LAN it sits on without every mesh member needing
// direct L2 access. It is a supplement to the core discovery protocol: the
// mesh forms and converges with it entirely disabled.
package routeadvertise

import (
	"fmt"
	"net"
	"strings"
)

// Subnet describes a local network subnet discovered on a host interface.
type Subnet struct {
	CIDR      string
	Interface string
}

// virtualPrefixes are interface name prefixes for virtual/container
// interfaces that are not useful to advertise onto the mesh.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc", "lxd",
	"cni", "flannel", "calico", "weave",
	"tun", "wg", "tailscale", "utun",
	"podman", "cali", "vxlan",
}

// DiscoverLocalSubnets enumerates network interfaces and returns the IPv4
// subnets likely to be real, routable LANs: it excludes loopback, down,
// link-local, and virtual/container interfaces, and excludeCIDR (normally
// the overlay's own supernet, already reachable through the mesh itself).
func DiscoverLocalSubnets(excludeCIDR string) ([]Subnet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var exclude *net.IPNet
	if excludeCIDR != "" {
		_, exclude, _ = net.ParseCIDR(excludeCIDR)
	}

	seen := make(map[string]bool)
	var results []Subnet

	for _, iface := range ifaces {
		if shouldSkipInterface(iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ip, ipNet, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			v4 := ip.To4()
			if v4 == nil {
				continue
			}
			if v4[0] == 169 && v4[1] == 254 {
				continue
			}

			networkIP := ip.Mask(ipNet.Mask)
			ones, bits := ipNet.Mask.Size()
			cidr := fmt.Sprintf("%s/%d", networkIP, ones)

			if ones == bits {
				continue
			}
			if exclude != nil && exclude.String() == cidr {
				continue
			}
			if seen[cidr] {
				continue
			}
			seen[cidr] = true

			results = append(results, Subnet{CIDR: cidr, Interface: iface.Name})
		}
	}

	return results, nil
}

func shouldSkipInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	if iface.Flags&net.FlagUp == 0 {
		return true
	}

	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// FindInterfaceForSubnet returns the name of the first up, non-loopback
// interface holding an address within cidr.
func FindInterfaceForSubnet(cidr string) (string, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			if subnet.Contains(ip) {
				return iface.Name, nil
			}
		}
	}

	return "", fmt.Errorf("no interface found with address in subnet %s", cidr)
}
