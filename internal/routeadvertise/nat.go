//go:build linux

package routeadvertise

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// nftTableName scopes every rule this package creates so it never
// interferes with unrelated firewall rules on the host.
const nftTableName = "podmesh"

// natManager manages the nftables table that masquerades traffic arriving
// from the mesh cluster subnet as it leaves toward a local LAN. One
// natManager holds a single table and chain shared across every subnet
// it is asked to masquerade, so advertising more than one local subnet
// adds one rule each to the same chain rather than recreating it.
type natManager struct {
	log   *slog.Logger
	conn  *nftables.Conn
	table *nftables.Table
	chain *nftables.Chain
}

func newNATManager(logger *slog.Logger) *natManager {
	return &natManager{log: logger.With("component", "routeadvertise.nat")}
}

// ensureTableAndChain creates the podmesh table and its postrouting NAT
// chain on first use and reuses them on every later call. Equivalent to:
//
//	nft add table ip podmesh
//	nft add chain ip podmesh postrouting { type nat hook postrouting priority srcnat; }
func (n *natManager) ensureTableAndChain() error {
	if n.conn != nil {
		return nil
	}

	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   nftTableName,
	})
	chain := c.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	if err := c.Flush(); err != nil {
		return fmt.Errorf("creating nftables table/chain: %w", err)
	}

	n.conn = c
	n.table = table
	n.chain = chain
	return nil
}

// setupMasquerade adds a postrouting rule masquerading traffic sourced
// from clusterCIDR as it exits via outIface, creating the shared podmesh
// table and chain first if this is the first subnet advertised.
// Equivalent to:
//
//	nft add rule ip podmesh postrouting ip saddr <clusterCIDR> oifname <outIface> masquerade
func (n *natManager) setupMasquerade(clusterCIDR string, outIface string) error {
	ip, ipNet, err := net.ParseCIDR(clusterCIDR)
	if err != nil {
		return fmt.Errorf("parsing cluster cidr %q: %w", clusterCIDR, err)
	}
	ipv4 := ip.To4()
	if ipv4 == nil {
		return fmt.Errorf("only IPv4 subnets are supported for masquerade, got %q", clusterCIDR)
	}

	if err := n.ensureTableAndChain(); err != nil {
		return err
	}

	networkAddr := ipNet.IP.To4()
	mask := ipNet.Mask

	ifaceData := make([]byte, 16)
	copy(ifaceData, outIface)

	n.conn.AddRule(&nftables.Rule{
		Table: n.table,
		Chain: n.chain,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12,
				Len:          4,
			},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           mask,
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     networkAddr,
			},
			&expr.Meta{
				Key:      expr.MetaKeyOIFNAME,
				Register: 1,
			},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     ifaceData,
			},
			&expr.Masq{},
		},
	})

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	n.log.Info("nftables masquerade rule added", "table", nftTableName, "cluster_cidr", clusterCIDR, "out_iface", outIface)
	return nil
}

// cleanup removes the podmesh nftables table and all its rules.
func (n *natManager) cleanup() error {
	c := n.conn
	if c == nil {
		var err error
		c, err = nftables.New()
		if err != nil {
			return fmt.Errorf("connecting to nftables: %w", err)
		}
	}

	if n.table != nil {
		c.DelTable(n.table)
	} else {
		c.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	}

	if err := c.Flush(); err != nil {
		n.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return nil
	}
	n.log.Info("nftables podmesh table removed")
	return nil
}
