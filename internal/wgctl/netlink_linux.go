//go:build linux

package wgctl

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Netlink message construction for interface lifecycle. The message format
// is nlmsghdr | payload (ifinfomsg/ifaddrmsg) | attributes (rtattr...).
// Raw construction avoids pulling in a full rtnetlink client for the three
// messages podmesh needs to send exactly once per process lifetime.
const (
	nlmsgHdrLen  = 16 // sizeof(nlmsghdr)
	ifinfomsgLen = 16 // sizeof(ifinfomsg)
	ifaddrmsgLen = 8  // sizeof(ifaddrmsg)
	rtaHdrLen    = 4  // sizeof(rtattr)
)

// createLink creates a WireGuard-kind interface named ifname. Equivalent to
// `ip link add <ifname> type wireguard`. Requires CAP_NET_ADMIN.
func createLink(ifname string) error {
	fd, err := netlinkSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	msg := buildNewLinkMsg(ifname)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending RTM_NEWLINK: %w", err)
	}
	if err := readNetlinkAck(fd); err != nil {
		return fmt.Errorf("creating wireguard interface %s: %w", ifname, err)
	}
	return nil
}

// addAddress assigns an IP address in CIDR notation to ifname. Equivalent
// to `ip addr add <cidr> dev <ifname>`. Requires CAP_NET_ADMIN.
func addAddress(ifname string, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}

	ifIndex, err := interfaceIndex(ifname)
	if err != nil {
		return err
	}

	family := uint8(unix.AF_INET)
	ipBytes := ip.To4()
	if ipBytes == nil {
		family = unix.AF_INET6
		ipBytes = ip.To16()
	}
	prefixLen, _ := ipNet.Mask.Size()

	fd, err := netlinkSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	msg := buildNewAddrMsg(ifIndex, family, uint8(prefixLen), ipBytes)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending RTM_NEWADDR: %w", err)
	}
	if err := readNetlinkAck(fd); err != nil {
		return fmt.Errorf("adding address %s to %s: %w", cidr, ifname, err)
	}
	return nil
}

// setLinkUp brings ifname into the UP state. Equivalent to
// `ip link set <ifname> up`. Requires CAP_NET_ADMIN.
func setLinkUp(ifname string) error {
	ifIndex, err := interfaceIndex(ifname)
	if err != nil {
		return err
	}

	fd, err := netlinkSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	msg := buildSetLinkUpMsg(ifIndex)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending RTM_NEWLINK: %w", err)
	}
	if err := readNetlinkAck(fd); err != nil {
		return fmt.Errorf("setting %s up: %w", ifname, err)
	}
	return nil
}

func netlinkSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return -1, fmt.Errorf("creating netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding netlink socket: %w", err)
	}
	return fd, nil
}

func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// buildNewLinkMsg constructs an RTM_NEWLINK message creating a new link
// named ifname with IFLA_LINKINFO > IFLA_INFO_KIND = "wireguard", which is
// how the kernel's WireGuard module registers itself as an rtnl_link_ops.
func buildNewLinkMsg(ifname string) []byte {
	kind := "wireguard"

	nameAttrLen := rtaAlignLen(rtaHdrLen + len(ifname) + 1) // NUL-terminated
	kindAttrLen := rtaAlignLen(rtaHdrLen + len(kind) + 1)
	linkInfoAttrLen := rtaHdrLen + kindAttrLen

	totalLen := nlmsgHdrLen + ifinfomsgLen + nameAttrLen + rtaAlignLen(linkInfoAttrLen)
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC // ifi_family

	// IFLA_IFNAME
	off = nlmsgHdrLen + ifinfomsgLen
	nameLen := rtaHdrLen + len(ifname) + 1
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(nameLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFLA_IFNAME)
	copy(buf[off+rtaHdrLen:], ifname)

	// IFLA_LINKINFO (nested) > IFLA_INFO_KIND
	off += nameAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(linkInfoAttrLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.NLA_F_NESTED|unix.IFLA_LINKINFO)

	off += rtaHdrLen
	kindLen := rtaHdrLen + len(kind) + 1
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(kindLen))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFLA_INFO_KIND)
	copy(buf[off+rtaHdrLen:], kind)

	return buf
}

// buildNewAddrMsg constructs an RTM_NEWADDR message assigning addr/prefixLen
// to ifIndex.
func buildNewAddrMsg(ifIndex int32, family uint8, prefixLen uint8, addr []byte) []byte {
	addrAttrLen := rtaAlignLen(rtaHdrLen + len(addr))
	attrsLen := addrAttrLen * 2

	totalLen := nlmsgHdrLen + ifaddrmsgLen + attrsLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWADDR)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0
	buf[off+3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = nlmsgHdrLen + ifaddrmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_LOCAL)
	copy(buf[off+rtaHdrLen:], addr)

	off += addrAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_ADDRESS)
	copy(buf[off+rtaHdrLen:], addr)

	return buf
}

// buildSetLinkUpMsg constructs an RTM_NEWLINK message that sets IFF_UP.
func buildSetLinkUpMsg(ifIndex int32) []byte {
	totalLen := nlmsgHdrLen + ifinfomsgLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], unix.IFF_UP)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], unix.IFF_UP)

	return buf
}

// readNetlinkAck reads and validates the netlink ACK response.
func readNetlinkAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", n)
	}

	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType == unix.NLMSG_ERROR {
		if n < nlmsgHdrLen+4 {
			return fmt.Errorf("truncated NLMSG_ERROR response")
		}
		errno := *(*int32)(unsafe.Pointer(&buf[nlmsgHdrLen]))
		if errno == 0 {
			return nil
		}
		return fmt.Errorf("netlink error: %s", unix.Errno(-errno))
	}

	return nil
}

// rtaAlignLen rounds a length up to the nearest 4-byte boundary (RTA_ALIGN).
func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}
