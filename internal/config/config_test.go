package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettings_missingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	s, err := LoadSettings(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}

	want := DefaultSettings()
	if s.Ifname != want.Ifname || s.ListenPort != want.ListenPort {
		t.Errorf("LoadSettings() with missing file = %+v, want defaults %+v", s, want)
	}
}

func TestLoadSettings_overridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	const body = `
ifname = "wg-test"
listen_port = 12345
networks = ["public", "lan-a"]
advertise_routes = true
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}

	if s.Ifname != "wg-test" {
		t.Errorf("Ifname = %q, want wg-test", s.Ifname)
	}
	if s.ListenPort != 12345 {
		t.Errorf("ListenPort = %d, want 12345", s.ListenPort)
	}
	if len(s.Networks) != 2 || s.Networks[0] != "public" || s.Networks[1] != "lan-a" {
		t.Errorf("Networks = %v, want [public lan-a] in order", s.Networks)
	}
	if !s.AdvertiseRoutes {
		t.Error("AdvertiseRoutes = false, want true")
	}
	if s.WatchContainers {
		t.Error("WatchContainers = true, want false (not set in file)")
	}
}
