package routeadvertise

import (
	"fmt"
	"log/slog"
)

// Advertiser discovers the local host's LAN subnets once at startup and
// NATs traffic arriving from the mesh cluster subnet onto each of them,
// letting this node act as a gateway into networks it sits on.
type Advertiser struct {
	log     *slog.Logger
	nat     *natManager
	subnets []Subnet
	ifname  string
}

// New discovers local subnets (excluding clusterCIDR, which is already
// reachable through ifname) and sets up NAT masquerade for each onto its
// own egress interface. Routes for the discovered subnets are installed
// via ifname so mesh peers can reach them through this node.
func New(ifname string, clusterCIDR string, log *slog.Logger) (*Advertiser, error) {
	log = log.With("component", "routeadvertise")

	subnets, err := DiscoverLocalSubnets(clusterCIDR)
	if err != nil {
		return nil, fmt.Errorf("discovering local subnets: %w", err)
	}
	if len(subnets) == 0 {
		log.Info("no local subnets found to advertise")
	}

	nat := newNATManager(log)
	adv := &Advertiser{log: log, nat: nat, ifname: ifname}

	for _, sn := range subnets {
		if err := addRoute(ifname, sn.CIDR); err != nil {
			log.Warn("failed to install route for local subnet", "subnet", sn.CIDR, "error", err)
			continue
		}
		if err := nat.setupMasquerade(clusterCIDR, sn.Interface); err != nil {
			log.Warn("failed to set up masquerade for local subnet", "subnet", sn.CIDR, "iface", sn.Interface, "error", err)
			removeRoute(ifname, sn.CIDR)
			continue
		}
		log.Info("advertising local subnet onto mesh", "subnet", sn.CIDR, "iface", sn.Interface)
		adv.subnets = append(adv.subnets, sn)
	}

	return adv, nil
}

// Close removes the routes and NAT rules this Advertiser installed.
func (a *Advertiser) Close() error {
	for _, sn := range a.subnets {
		if err := removeRoute(a.ifname, sn.CIDR); err != nil {
			a.log.Debug("removing route on shutdown", "subnet", sn.CIDR, "error", err)
		}
	}
	return a.nat.cleanup()
}
