package overlay

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/SamP20/podmesh/internal/config"
)

func TestConnectionInfo_roundTrip(t *testing.T) {
	t.Parallel()

	key, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error: %v", err)
	}

	want := ConnectionInfo{
		PublicKey: key,
		CIDR:      "10.97.0.1/24",
		Networks:  []string{"public", "lan-a"},
		Endpoints: map[string]Endpoint{
			"public": {IP: "203.0.113.5", Port: 51935},
		},
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var got ConnectionInfo
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if got.PublicKey != want.PublicKey || got.CIDR != want.CIDR {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Networks) != 2 || got.Networks[0] != "public" || got.Networks[1] != "lan-a" {
		t.Fatalf("Networks order not preserved: %v", got.Networks)
	}
	if got.Endpoints["public"] != want.Endpoints["public"] {
		t.Fatalf("Endpoints mismatch: %+v", got.Endpoints)
	}
}

func TestConnectionInfo_publicKeyIsBase64OnWire(t *testing.T) {
	t.Parallel()

	key, _ := config.GeneratePrivateKey()
	ci := ConnectionInfo{PublicKey: key, CIDR: "10.0.0.1/24", Networks: []string{"public"}}

	data, err := json.Marshal(ci)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), `"pubkey":"`+key.String()+`"`) {
		t.Fatalf("expected base64 pubkey on wire, got %s", data)
	}
}

func TestConnectionInfo_missingRequiredFieldFails(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{"cidr":"10.0.0.1/24","networks":["public"]}`,           // missing pubkey
		`{"pubkey":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","networks":["public"]}`, // missing cidr
		`{"pubkey":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","cidr":"10.0.0.1/24"}`,  // missing networks
	}

	for _, tc := range cases {
		var ci ConnectionInfo
		if err := json.Unmarshal([]byte(tc), &ci); err == nil {
			t.Errorf("Unmarshal(%s) expected error for missing required field, got nil", tc)
		}
	}
}

func TestConnectionInfo_unknownFieldsIgnored(t *testing.T) {
	t.Parallel()

	data := []byte(`{"pubkey":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","cidr":"10.0.0.1/24","networks":["public"],"extra_field":"ignored"}`)

	var ci ConnectionInfo
	if err := json.Unmarshal(data, &ci); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	if ci.CIDR != "10.0.0.1/24" {
		t.Fatalf("CIDR = %q, want 10.0.0.1/24", ci.CIDR)
	}
}

func TestNode_roundTrip(t *testing.T) {
	t.Parallel()

	key, _ := config.GeneratePrivateKey()
	want := Node{
		Name: "node-a",
		ConnInfo: ConnectionInfo{
			PublicKey: key,
			CIDR:      "10.97.0.1/24",
			Networks:  []string{"public"},
			Endpoints: map[string]Endpoint{},
		},
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var got Node
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got.Name != want.Name || got.ConnInfo.PublicKey != want.ConnInfo.PublicKey {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestNode_missingNameFails(t *testing.T) {
	t.Parallel()

	data := []byte(`{"wg_conninfo":{"pubkey":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","cidr":"10.0.0.1/24","networks":["public"]}}`)
	var n Node
	if err := json.Unmarshal(data, &n); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestFindCommonNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		local     []string
		remote    []string
		wantLabel string
		wantOK    bool
	}{
		{"first preference wins", []string{"public", "lan-a"}, []string{"lan-a", "public"}, "public", true},
		{"second preference", []string{"public", "lan-a"}, []string{"lan-a"}, "lan-a", true},
		{"no overlap", []string{"public"}, []string{"lan-a"}, "", false},
		{"empty local", nil, []string{"public"}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			label, ok := FindCommonNetwork(tc.local, tc.remote)
			if ok != tc.wantOK || label != tc.wantLabel {
				t.Errorf("FindCommonNetwork(%v, %v) = (%q, %v), want (%q, %v)", tc.local, tc.remote, label, ok, tc.wantLabel, tc.wantOK)
			}
		})
	}
}
