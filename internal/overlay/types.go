// Package overlay defines the data model shared between the WireGuard
// controller and the node manager: the advertisable identity of a node on
// the mesh, and the externally observed endpoints that make NAT traversal
// possible. These are also the exact wire payload shapes carried by the
// RPC channel's identify/nodeinfo/endpoint methods.
package overlay

import (
	"encoding/json"
	"fmt"

	"github.com/SamP20/podmesh/internal/config"
)

// Endpoint is a reachable transport address: a host address and port.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// ConnectionInfo is the advertisable identity of a node on the overlay.
type ConnectionInfo struct {
	// PublicKey is the node's WireGuard public key.
	PublicKey config.Key `json:"pubkey"`

	// CIDR is the overlay address this node claims: address + prefix
	// length (e.g. "10.97.0.1/24"). The address half is the node's
	// overlay IP; the prefix is used only for allowed-ips advertisement.
	CIDR string `json:"cidr"`

	// Networks is an ordered list of network-label strings identifying
	// transport networks this node sits on. Order encodes preference.
	Networks []string `json:"networks"`

	// Endpoints maps network-label to the externally observed reachable
	// address on that network. Only present for labels in Networks.
	Endpoints map[string]Endpoint `json:"endpoints"`
}

// UnmarshalJSON enforces that pubkey, cidr, and networks are present on
// the wire, per spec: "missing required fields fail decoding with
// BadPayload." Endpoints is optional and defaults to an empty map.
func (c *ConnectionInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		PublicKey *config.Key         `json:"pubkey"`
		CIDR      *string             `json:"cidr"`
		Networks  []string            `json:"networks"`
		Endpoints map[string]Endpoint `json:"endpoints"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.PublicKey == nil {
		return fmt.Errorf("overlay: connection info missing required field %q", "pubkey")
	}
	if raw.CIDR == nil {
		return fmt.Errorf("overlay: connection info missing required field %q", "cidr")
	}
	if raw.Networks == nil {
		return fmt.Errorf("overlay: connection info missing required field %q", "networks")
	}

	c.PublicKey = *raw.PublicKey
	c.CIDR = *raw.CIDR
	c.Networks = raw.Networks
	c.Endpoints = raw.Endpoints
	if c.Endpoints == nil {
		c.Endpoints = make(map[string]Endpoint)
	}
	return nil
}

// Node is a human-readable name plus a ConnectionInfo. The name is the
// identity key of membership, not the public key.
type Node struct {
	Name     string         `json:"name"`
	ConnInfo ConnectionInfo `json:"wg_conninfo"`
}

// nodeWire avoids infinite recursion through Node's custom UnmarshalJSON.
type nodeWire struct {
	Name     *string          `json:"name"`
	ConnInfo *json.RawMessage `json:"wg_conninfo"`
}

// UnmarshalJSON enforces that name and wg_conninfo are present.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Name == nil {
		return fmt.Errorf("overlay: node missing required field %q", "name")
	}
	if raw.ConnInfo == nil {
		return fmt.Errorf("overlay: node missing required field %q", "wg_conninfo")
	}
	var ci ConnectionInfo
	if err := json.Unmarshal(*raw.ConnInfo, &ci); err != nil {
		return err
	}
	n.Name = *raw.Name
	n.ConnInfo = ci
	return nil
}

// FindCommonNetwork returns the first label from local (in local's order)
// that also appears in remote. local's order defines preference. Returns
// ok == false if the two share no network.
func FindCommonNetwork(local []string, remote []string) (label string, ok bool) {
	remoteSet := make(map[string]struct{}, len(remote))
	for _, n := range remote {
		remoteSet[n] = struct{}{}
	}
	for _, n := range local {
		if _, present := remoteSet[n]; present {
			return n, true
		}
	}
	return "", false
}
