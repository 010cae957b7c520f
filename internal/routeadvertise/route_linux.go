//go:build linux

package routeadvertise

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	nlmsgHdrLen = 16
	rtmsgLen    = 12
	rtaHdrLen   = 4
)

// addRoute installs a kernel route for cidr via the named interface.
// Equivalent to `ip route add <cidr> dev <ifname>`. Requires CAP_NET_ADMIN.
func addRoute(ifname string, cidr string) error {
	return sendRouteMsg(unix.RTM_NEWROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, ifname, cidr)
}

// removeRoute removes a previously installed route. Equivalent to
// `ip route del <cidr> dev <ifname>`. Requires CAP_NET_ADMIN.
func removeRoute(ifname string, cidr string) error {
	return sendRouteMsg(unix.RTM_DELROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, ifname, cidr)
}

func sendRouteMsg(msgType uint16, flags uint16, ifname string, cidr string) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parsing cidr %q: %w", cidr, err)
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("looking up interface %q: %w", ifname, err)
	}

	family := uint8(unix.AF_INET)
	dst := ipNet.IP.To4()
	if dst == nil {
		family = unix.AF_INET6
		dst = ipNet.IP.To16()
	}
	prefixLen, _ := ipNet.Mask.Size()

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}

	msg := buildRouteMsg(msgType, flags, int32(iface.Index), family, uint8(prefixLen), dst)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending route message: %w", err)
	}
	if err := readNetlinkAck(fd); err != nil {
		return fmt.Errorf("route %s via %s: %w", cidr, ifname, err)
	}
	return nil
}

func buildRouteMsg(msgType uint16, flags uint16, ifIndex int32, family uint8, prefixLen uint8, dst []byte) []byte {
	dstAttrLen := rtaAlignLen(rtaHdrLen + len(dst))
	oifAttrLen := rtaAlignLen(rtaHdrLen + 4)

	totalLen := nlmsgHdrLen + rtmsgLen + dstAttrLen + oifAttrLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+2] = 0
	buf[off+3] = 0
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = unix.RTPROT_BOOT
	buf[off+6] = unix.RT_SCOPE_LINK
	buf[off+7] = unix.RTN_UNICAST
	binary.LittleEndian.PutUint32(buf[off+8:off+12], 0)

	off = nlmsgHdrLen + rtmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(dst)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_DST)
	copy(buf[off+rtaHdrLen:], dst)

	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_OIF)
	binary.LittleEndian.PutUint32(buf[off+rtaHdrLen:off+rtaHdrLen+4], uint32(ifIndex))

	return buf
}

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

func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}
