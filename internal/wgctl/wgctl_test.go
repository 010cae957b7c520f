package wgctl

import (
	"errors"
	"testing"

	"github.com/SamP20/podmesh/internal/config"
	"github.com/SamP20/podmesh/internal/overlay"
)

func TestResolveEndpoint_literalIP(t *testing.T) {
	t.Parallel()

	addr, err := resolveEndpoint(overlay.Endpoint{IP: "203.0.113.5", Port: 51935})
	if err != nil {
		t.Fatalf("resolveEndpoint() error: %v", err)
	}
	if addr.IP.String() != "203.0.113.5" || addr.Port != 51935 {
		t.Errorf("resolveEndpoint() = %+v, want 203.0.113.5:51935", addr)
	}
}

func TestResolveEndpoint_invalidPort(t *testing.T) {
	t.Parallel()

	if _, err := resolveEndpoint(overlay.Endpoint{IP: "203.0.113.5", Port: 0}); err == nil {
		t.Error("resolveEndpoint() with port 0, want error")
	}
	if _, err := resolveEndpoint(overlay.Endpoint{IP: "203.0.113.5", Port: 70000}); err == nil {
		t.Error("resolveEndpoint() with port 70000, want error")
	}
}

func TestUpdatePeer_noCommonNetworkFails(t *testing.T) {
	t.Parallel()

	d := &Device{ifname: "wg-test"}

	key, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}
	conn := overlay.ConnectionInfo{
		PublicKey: key,
		CIDR:      "10.97.0.2/24",
		Networks:  []string{"lan-b"},
	}

	err = d.UpdatePeer(conn, []string{"public", "lan-a"})
	if !errors.Is(err, ErrNoCommonNetwork) {
		t.Fatalf("UpdatePeer() error = %v, want ErrNoCommonNetwork", err)
	}
}
