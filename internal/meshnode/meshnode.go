// Package meshnode hosts the peer-discovery protocol: accepting and dialing
// overlay TCP connections, dispatching the identify/nodeinfo/endpoint RPC
// methods, and keeping the kernel WireGuard peer table in sync with the
// observed topology.
package meshnode

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/SamP20/podmesh/internal/config"
	"github.com/SamP20/podmesh/internal/hook"
	"github.com/SamP20/podmesh/internal/overlay"
	"github.com/SamP20/podmesh/internal/rpcchannel"
)

// ServerPort is the fixed TCP port every node listens on and dials peers
// at, on the overlay address.
const ServerPort = 51935

// dialTimeout bounds each connect attempt during a poll tick.
const dialTimeout = 2 * time.Second

// pollInterval is how often PendingDial is scanned for outbound connects.
const pollInterval = 2 * time.Second

// wgController is the slice of wgctl.Device the node manager depends on.
// Defined here (rather than depended on concretely) so tests can supply a
// fake without a kernel WireGuard interface.
type wgController interface {
	PublicKey() config.Key
	UpdatePeer(conn overlay.ConnectionInfo, localNetworks []string) error
	GetPeerInfo(pubKey config.Key) (wgtypes.Peer, bool)
}

// PeerConn is one live RPC channel to a peer, plus the most recently
// identified Node record for that peer. All field access outside this
// package's handlers goes through Manager's mutex.
type PeerConn struct {
	ch   *rpcchannel.Channel
	node overlay.Node
}

// Channel returns the underlying RPC channel, for sending additional
// application-level messages to this peer.
func (p *PeerConn) Channel() *rpcchannel.Channel { return p.ch }

// Node returns the peer's most recently identified Node record.
func (p *PeerConn) Node() overlay.Node { return p.node }

// Manager owns this node's identity, its WireGuard controller, the live
// peer table, and the set of peers awaiting an outbound dial. All mutable
// state is guarded by a single mutex, per the concurrency model: handlers
// run concurrently on one goroutine per channel plus the accept and dial
// loops, and must serialize every read or write of shared maps.
type Manager struct {
	wg  wgController
	log *slog.Logger

	mu          sync.Mutex
	thisNode    overlay.Node
	peerTable   map[string]*PeerConn
	pendingDial []overlay.ConnectionInfo

	OnConnectionCreated *hook.Hook[*PeerConn]
	OnConnectionLost    *hook.Hook[*PeerConn]
}

// New creates a Manager for a node named name, claiming cidr on the given
// networks (in preference order). The node's public key is read from wg.
func New(name string, cidr string, networks []string, wg wgController, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		wg:  wg,
		log: log,
		thisNode: overlay.Node{
			Name: name,
			ConnInfo: overlay.ConnectionInfo{
				PublicKey: wg.PublicKey(),
				CIDR:      cidr,
				Networks:  networks,
				Endpoints: make(map[string]overlay.Endpoint),
			},
		},
		peerTable:           make(map[string]*PeerConn),
		OnConnectionCreated: hook.New[*PeerConn](),
		OnConnectionLost:    hook.New[*PeerConn](),
	}
}

// ThisNode returns a snapshot of the local node's current identity.
func (m *Manager) ThisNode() overlay.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneThisNodeLocked()
}

func (m *Manager) cloneThisNodeLocked() overlay.Node {
	endpoints := make(map[string]overlay.Endpoint, len(m.thisNode.ConnInfo.Endpoints))
	for k, v := range m.thisNode.ConnInfo.Endpoints {
		endpoints[k] = v
	}
	node := m.thisNode
	node.ConnInfo.Endpoints = endpoints
	return node
}

// AddPeer configures the kernel peer for conn and, if the rank rule
// selects the local side as dialer, queues it in PendingDial. If conn and
// the local networks share nothing in common, the kernel configuration is
// skipped, the error is logged, and membership of other peers is
// unaffected — per NoCommonNetwork's containment policy.
func (m *Manager) AddPeer(conn overlay.ConnectionInfo) {
	m.mu.Lock()
	localNetworks := m.thisNode.ConnInfo.Networks
	localKey := m.thisNode.ConnInfo.PublicKey
	m.mu.Unlock()

	if err := m.wg.UpdatePeer(conn, localNetworks); err != nil {
		m.log.Warn("skipping peer, kernel peer update failed", "peer", conn.PublicKey, "error", err)
		return
	}

	if localKey.Rank(conn.PublicKey) {
		m.mu.Lock()
		alreadyPending := false
		for _, c := range m.pendingDial {
			if c.PublicKey == conn.PublicKey {
				alreadyPending = true
				break
			}
		}
		if !alreadyPending {
			m.pendingDial = append(m.pendingDial, conn)
		}
		m.mu.Unlock()
		if !alreadyPending {
			m.log.Info("queued peer for dial", "peer", conn.PublicKey, "cidr", conn.CIDR)
		}
	}
}

// Run starts the accept loop and dial-poll loop and blocks until ctx is
// canceled, at which point both loops are unblocked, the channel of every
// peer in the peer table is closed, and Run returns nil.
func (m *Manager) Run(ctx context.Context) error {
	host := hostOnly(m.thisNode.ConnInfo.CIDR)
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", ServerPort)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", host, ServerPort, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.acceptLoop(ln)
	}()

	go func() {
		defer wg.Done()
		m.dialLoop(ctx)
	}()

	<-ctx.Done()
	ln.Close()

	m.mu.Lock()
	live := make([]*PeerConn, 0, len(m.peerTable))
	for _, p := range m.peerTable {
		live = append(live, p)
	}
	m.mu.Unlock()
	for _, p := range live {
		p.ch.Close()
	}

	wg.Wait()
	return nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.log.Debug("accept loop exiting", "error", err)
			return
		}
		m.log.Info("accepted connection", "remote", conn.RemoteAddr())
		m.setupConnection(conn)
	}
}

func (m *Manager) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollPendingDial()
		}
	}
}

func (m *Manager) pollPendingDial() {
	m.mu.Lock()
	pending := make([]overlay.ConnectionInfo, len(m.pendingDial))
	copy(pending, m.pendingDial)
	m.mu.Unlock()

	for _, conn := range pending {
		host := hostOnly(conn.CIDR)
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", ServerPort))
		sock, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			continue // silently retry on next tick
		}

		m.mu.Lock()
		m.removePendingLocked(conn)
		m.mu.Unlock()

		m.log.Info("dialed peer", "addr", addr)
		m.setupConnection(sock)
	}
}

func (m *Manager) removePendingLocked(conn overlay.ConnectionInfo) {
	for i, c := range m.pendingDial {
		if c.PublicKey == conn.PublicKey {
			m.pendingDial = append(m.pendingDial[:i], m.pendingDial[i+1:]...)
			return
		}
	}
}

// setupConnection wraps sock in an RPC channel, registers the discovery
// protocol handlers, starts the receive loop, and sends our identify.
func (m *Manager) setupConnection(sock net.Conn) {
	ch := rpcchannel.New(sock, m.log)
	pc := &PeerConn{ch: ch}

	rpcchannel.RegisterMethod(ch, "identify", func(ch *rpcchannel.Channel, node overlay.Node) {
		m.handleIdentify(pc, node)
	})
	rpcchannel.RegisterMethod(ch, "nodeinfo", func(ch *rpcchannel.Channel, node overlay.Node) {
		m.handleNodeInfo(node)
	})
	rpcchannel.RegisterMethod(ch, "endpoint", func(ch *rpcchannel.Channel, ep overlay.Endpoint) {
		m.handleEndpoint(pc, ep)
	})

	go func() {
		err := ch.Serve()
		m.handleChannelClosed(pc, err)
	}()

	if err := ch.Send("identify", m.ThisNode()); err != nil {
		m.log.Warn("sending identify failed", "error", err)
	}
}

// handleIdentify implements the "this is who I am" RPC: first-contact
// insertion into PeerTable plus the hook fire, re-identify update, and the
// sole NAT-traversal signal — telling the peer how we currently see them.
func (m *Manager) handleIdentify(pc *PeerConn, node overlay.Node) {
	m.log.Debug("identify received", "peer", node.Name)

	m.mu.Lock()
	pc.node = node
	existing, known := m.peerTable[node.Name]
	isNew := !known
	if isNew {
		m.peerTable[node.Name] = pc
	} else {
		existing.node = node
	}
	m.mu.Unlock()

	if isNew {
		m.OnConnectionCreated.Fire(pc)
	}

	peer, ok := m.wg.GetPeerInfo(node.ConnInfo.PublicKey)
	if !ok || peer.Endpoint == nil {
		return
	}
	ep := overlay.Endpoint{IP: peer.Endpoint.IP.String(), Port: peer.Endpoint.Port}
	m.log.Debug("notifying peer of observed endpoint", "peer", node.Name, "endpoint", ep)
	if err := pc.ch.Send("endpoint", ep); err != nil {
		m.log.Warn("sending endpoint failed", "peer", node.Name, "error", err)
	}
}

// handleNodeInfo implements the gossip relay: an unfamiliar name is handed
// to AddPeer, which configures the kernel peer and decides dialing.
func (m *Manager) handleNodeInfo(node overlay.Node) {
	m.mu.Lock()
	_, known := m.peerTable[node.Name]
	m.mu.Unlock()

	if known {
		return
	}
	m.log.Info("learned of new peer via gossip", "peer", node.Name)
	m.AddPeer(node.ConnInfo)
}

// handleEndpoint implements the NAT-traversal feedback loop: update our
// own observed address for the network shared with the sender, and if it
// changed, re-identify to every other open channel so their kernel peer
// entries pick up the new endpoint on their next update_peer.
func (m *Manager) handleEndpoint(pc *PeerConn, ep overlay.Endpoint) {
	m.mu.Lock()
	label, ok := overlay.FindCommonNetwork(m.thisNode.ConnInfo.Networks, pc.node.ConnInfo.Networks)
	if !ok {
		m.mu.Unlock()
		return
	}
	if existing, present := m.thisNode.ConnInfo.Endpoints[label]; present && existing == ep {
		m.mu.Unlock()
		return
	}
	m.thisNode.ConnInfo.Endpoints[label] = ep
	node := m.cloneThisNodeLocked()

	others := make([]*PeerConn, 0, len(m.peerTable))
	for _, p := range m.peerTable {
		if p != pc {
			others = append(others, p)
		}
	}
	m.mu.Unlock()

	m.log.Info("endpoint changed, re-identifying to peers", "network", label, "endpoint", ep)
	for _, p := range others {
		if err := p.ch.Send("identify", node); err != nil {
			m.log.Warn("re-identify failed", "peer", p.node.Name, "error", err)
		}
	}
}

// handleChannelClosed removes pc from PeerTable (if present) on channel
// death and fires OnConnectionLost, closing the teardown gap the source
// left open.
func (m *Manager) handleChannelClosed(pc *PeerConn, cause error) {
	m.mu.Lock()
	var name string
	for n, p := range m.peerTable {
		if p == pc {
			name = n
			delete(m.peerTable, n)
			break
		}
	}
	m.mu.Unlock()

	if name == "" {
		return
	}
	m.log.Info("peer channel closed", "peer", name, "cause", cause)
	m.OnConnectionLost.Fire(pc)
}

// hostOnly strips the prefix length from a CIDR string, e.g.
// "10.97.0.1/24" -> "10.97.0.1".
func hostOnly(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i]
	}
	return cidr
}
