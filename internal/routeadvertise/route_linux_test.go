//go:build linux

package routeadvertise

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuildRouteMsg_IPv4(t *testing.T) {
	t.Parallel()

	dst := []byte{192, 168, 1, 0}
	msg := buildRouteMsg(unix.RTM_NEWROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL,
		5, unix.AF_INET, 24, dst)

	msgLen := binary.LittleEndian.Uint32(msg[0:4])
	if int(msgLen) != len(msg) {
		t.Errorf("nlmsg_len = %d, want %d", msgLen, len(msg))
	}
	msgType := binary.LittleEndian.Uint16(msg[4:6])
	if msgType != unix.RTM_NEWROUTE {
		t.Errorf("nlmsg_type = %d, want RTM_NEWROUTE (%d)", msgType, unix.RTM_NEWROUTE)
	}

	off := nlmsgHdrLen
	if msg[off] != unix.AF_INET {
		t.Errorf("rtm_family = %d, want AF_INET (%d)", msg[off], unix.AF_INET)
	}
	if msg[off+1] != 24 {
		t.Errorf("rtm_dst_len = %d, want 24", msg[off+1])
	}
	if msg[off+4] != unix.RT_TABLE_MAIN {
		t.Errorf("rtm_table = %d, want RT_TABLE_MAIN (%d)", msg[off+4], unix.RT_TABLE_MAIN)
	}
	if msg[off+6] != unix.RT_SCOPE_LINK {
		t.Errorf("rtm_scope = %d, want RT_SCOPE_LINK (%d)", msg[off+6], unix.RT_SCOPE_LINK)
	}
	if msg[off+7] != unix.RTN_UNICAST {
		t.Errorf("rtm_type = %d, want RTN_UNICAST (%d)", msg[off+7], unix.RTN_UNICAST)
	}

	off = nlmsgHdrLen + rtmsgLen
	rtaType := binary.LittleEndian.Uint16(msg[off+2 : off+4])
	if rtaType != unix.RTA_DST {
		t.Errorf("first attr type = %d, want RTA_DST (%d)", rtaType, unix.RTA_DST)
	}
	gotDst := msg[off+rtaHdrLen : off+rtaHdrLen+4]
	for i := range dst {
		if gotDst[i] != dst[i] {
			t.Errorf("RTA_DST byte %d = %d, want %d", i, gotDst[i], dst[i])
		}
	}

	dstAttrLen := rtaAlignLen(rtaHdrLen + len(dst))
	off += dstAttrLen
	rtaType = binary.LittleEndian.Uint16(msg[off+2 : off+4])
	if rtaType != unix.RTA_OIF {
		t.Errorf("second attr type = %d, want RTA_OIF (%d)", rtaType, unix.RTA_OIF)
	}
	ifIndex := binary.LittleEndian.Uint32(msg[off+rtaHdrLen : off+rtaHdrLen+4])
	if ifIndex != 5 {
		t.Errorf("RTA_OIF = %d, want 5", ifIndex)
	}
}

func TestBuildRouteMsg_Delete(t *testing.T) {
	t.Parallel()

	dst := []byte{10, 0, 0, 0}
	msg := buildRouteMsg(unix.RTM_DELROUTE,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK,
		7, unix.AF_INET, 24, dst)

	msgType := binary.LittleEndian.Uint16(msg[4:6])
	if msgType != unix.RTM_DELROUTE {
		t.Errorf("nlmsg_type = %d, want RTM_DELROUTE (%d)", msgType, unix.RTM_DELROUTE)
	}

	flags := binary.LittleEndian.Uint16(msg[6:8])
	wantFlags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK)
	if flags != wantFlags {
		t.Errorf("nlmsg_flags = 0x%x, want 0x%x", flags, wantFlags)
	}
}

func TestRtaAlignLen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want int
	}{
		{4, 4},
		{5, 8},
		{7, 8},
		{8, 8},
		{9, 12},
	}
	for _, tt := range tests {
		if got := rtaAlignLen(tt.in); got != tt.want {
			t.Errorf("rtaAlignLen(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAddRoute_unknownInterface(t *testing.T) {
	t.Parallel()

	err := addRoute("podmesh-does-not-exist", "192.0.2.0/24")
	if err == nil {
		t.Fatal("expected error for a nonexistent interface, got nil")
	}
}
