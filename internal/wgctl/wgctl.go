// Package wgctl manages the kernel WireGuard interface podmesh tunnels
// traffic over: creating it, assigning it the overlay address, and keeping
// its peer list synchronized with the node manager's view of the mesh.
package wgctl

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/SamP20/podmesh/internal/config"
	"github.com/SamP20/podmesh/internal/overlay"
)

// keepaliveInterval is sent to the kernel so NAT mappings stay open even
// when no mesh traffic is flowing.
const keepaliveInterval = 15 * time.Second

// ErrNoCommonNetwork is returned by UpdatePeer when the local and remote
// node advertise no overlapping network label, and so no endpoint can be
// selected for the kernel peer entry.
var ErrNoCommonNetwork = errors.New("wgctl: no common network with peer")

// Device owns the kernel WireGuard interface for one podmesh process.
// Device is not safe for concurrent use from multiple goroutines beyond
// what the underlying wgctrl client itself serializes.
type Device struct {
	ifname  string
	client  *wgctrl.Client
	privKey config.Key
	pubKey  config.Key
}

// Options configures the interface a Device creates.
type Options struct {
	// Ifname is the name of the interface to create, e.g. "wg-podmesh".
	Ifname string

	// PrivateKey is this node's WireGuard private key.
	PrivateKey config.Key

	// ListenPort is the UDP port the kernel interface listens on.
	ListenPort int

	// CIDR is this node's overlay address, e.g. "10.97.0.1/24". A newly
	// created interface is assigned its host address with a /16 prefix
	// (see clusterSupernet).
	CIDR string
}

// New opens (creating if necessary) the kernel WireGuard interface described
// by opts and caches its public key. If the interface already exists, its
// configuration is left untouched (adopt-on-restart) — only a freshly
// created interface gets an address, private key, listen port, and the
// link-up call.
func New(opts Options) (*Device, error) {
	existed := interfaceExists(opts.Ifname)

	if !existed {
		if err := createLink(opts.Ifname); err != nil {
			return nil, err
		}

		supernet, err := clusterSupernet(opts.CIDR)
		if err != nil {
			return nil, err
		}
		if err := addAddress(opts.Ifname, supernet); err != nil {
			return nil, err
		}
	}

	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl client: %w", err)
	}

	if !existed {
		privKey := wgtypes.Key(opts.PrivateKey)
		port := opts.ListenPort
		cfg := wgtypes.Config{
			PrivateKey: &privKey,
			ListenPort: &port,
		}
		if err := client.ConfigureDevice(opts.Ifname, cfg); err != nil {
			client.Close()
			return nil, fmt.Errorf("configuring device %s: %w", opts.Ifname, err)
		}

		if err := setLinkUp(opts.Ifname); err != nil {
			client.Close()
			return nil, err
		}
	}

	dev, err := client.Device(opts.Ifname)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("reading back device %s: %w", opts.Ifname, err)
	}

	return &Device{
		ifname:  opts.Ifname,
		client:  client,
		privKey: opts.PrivateKey,
		pubKey:  config.Key(dev.PublicKey),
	}, nil
}

// clusterSupernet returns the /16 supernet address string for cidr: the
// host portion of cidr with its prefix length replaced by 16.
func clusterSupernet(cidr string) (string, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parsing overlay cidr %q: %w", cidr, err)
	}
	return fmt.Sprintf("%s/16", ip.String()), nil
}

// interfaceExists reports whether an interface named ifname is already
// present, so New can implement adopt-on-restart.
func interfaceExists(ifname string) bool {
	_, err := net.InterfaceByName(ifname)
	return err == nil
}

// Close releases the wgctrl client handle. It does not remove the kernel
// interface; the interface is torn down by the OS when the process's
// network namespace exits, matching the teacher's own netlink-resource
// lifecycle (no explicit RTM_DELLINK on normal shutdown).
func (d *Device) Close() error {
	return d.client.Close()
}

// PublicKey returns this node's WireGuard public key, as read back from
// the kernel after configuration (guards against any platform-specific
// derivation quirks rather than recomputing it in userspace).
func (d *Device) PublicKey() config.Key {
	return d.pubKey
}

// Ifname returns the name of the managed interface.
func (d *Device) Ifname() string {
	return d.ifname
}

// UpdatePeer synchronizes the kernel peer entry for conn with the given
// ConnectionInfo: allowed-ips is set to exactly conn.CIDR, persistent
// keepalive is fixed at 15s, and the endpoint is set only when the local
// and remote node advertise a common network with a known reachable
// endpoint on it. If conn and localNetworks share no network label,
// ErrNoCommonNetwork is returned and the peer is left unconfigured; the
// caller should treat this as fatal for this peer only, not the process.
func (d *Device) UpdatePeer(conn overlay.ConnectionInfo, localNetworks []string) error {
	_, ipNet, err := net.ParseCIDR(conn.CIDR)
	if err != nil {
		return fmt.Errorf("parsing peer cidr %q: %w", conn.CIDR, err)
	}

	label, ok := overlay.FindCommonNetwork(localNetworks, conn.Networks)
	if !ok {
		return fmt.Errorf("%w: local=%v remote=%v", ErrNoCommonNetwork, localNetworks, conn.Networks)
	}

	peerCfg := wgtypes.PeerConfig{
		PublicKey:                   wgtypes.Key(conn.PublicKey),
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  []net.IPNet{*ipNet},
		PersistentKeepaliveInterval: durationPtr(keepaliveInterval),
	}

	if ep, present := conn.Endpoints[label]; present {
		addr, err := resolveEndpoint(ep)
		if err != nil {
			return fmt.Errorf("resolving endpoint for peer %s: %w", conn.PublicKey, err)
		}
		peerCfg.Endpoint = addr
	}

	cfg := wgtypes.Config{
		ReplacePeers: false,
		Peers:        []wgtypes.PeerConfig{peerCfg},
	}
	if err := d.client.ConfigureDevice(d.ifname, cfg); err != nil {
		return fmt.Errorf("configuring peer %s: %w", conn.PublicKey, err)
	}
	return nil
}

// resolveEndpoint resolves ep's host:port into a *net.UDPAddr.
func resolveEndpoint(ep overlay.Endpoint) (*net.UDPAddr, error) {
	ip := net.ParseIP(ep.IP)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", ep.IP)
		if err != nil {
			return nil, fmt.Errorf("resolving host %q: %w", ep.IP, err)
		}
		ip = resolved.IP
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d for endpoint %s", ep.Port, net.JoinHostPort(ep.IP, strconv.Itoa(ep.Port)))
	}
	return &net.UDPAddr{IP: ip, Port: ep.Port}, nil
}

// GetPeerInfo returns the kernel's current state for the peer identified
// by pubKey, or ok == false if no such peer is configured.
func (d *Device) GetPeerInfo(pubKey config.Key) (peer wgtypes.Peer, ok bool) {
	dev, err := d.client.Device(d.ifname)
	if err != nil {
		return wgtypes.Peer{}, false
	}
	want := wgtypes.Key(pubKey)
	for _, p := range dev.Peers {
		if p.PublicKey == want {
			return p, true
		}
	}
	return wgtypes.Peer{}, false
}

// RemovePeer removes the kernel peer entry for pubKey, if one exists.
func (d *Device) RemovePeer(pubKey config.Key) error {
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{
			{PublicKey: wgtypes.Key(pubKey), Remove: true},
		},
	}
	if err := d.client.ConfigureDevice(d.ifname, cfg); err != nil {
		return fmt.Errorf("removing peer %s: %w", pubKey, err)
	}
	return nil
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
