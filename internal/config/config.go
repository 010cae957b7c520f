package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for podmesh.
const DefaultConfigDir = "/etc/podmesh"

// DefaultIfname is the default name of the kernel WireGuard interface podmesh
// creates and manages.
const DefaultIfname = "wg-podmesh"

// DefaultListenPort is the default WireGuard UDP listen port.
const DefaultListenPort = 51820

// Settings holds operator-pinned defaults read from an optional TOML file by
// LoadSettings. podmesh keeps no state across restarts (there is no peer
// table, endpoint cache, or session history to persist) — this file holds
// settings only. `podmesh run` does not load this file; its options come
// from command-line flags alone.
type Settings struct {
	// Ifname is the kernel WireGuard interface name.
	Ifname string `toml:"ifname,omitempty"`

	// ListenPort is the WireGuard UDP listen port.
	ListenPort int `toml:"listen_port,omitempty"`

	// Networks is the ordered list of network labels this node sits on,
	// used for endpoint-exchange preference (see overlay.ConnectionInfo).
	Networks []string `toml:"networks,omitempty"`

	// AdvertiseRoutes enables the optional local-subnet NAT advertiser.
	AdvertiseRoutes bool `toml:"advertise_routes,omitempty"`

	// WatchContainers enables the optional container-runtime event observer.
	WatchContainers bool `toml:"watch_containers,omitempty"`
}

// DefaultSettings returns a Settings populated with podmesh's built-in
// defaults (the ones named in spec as SERVER_PORT's siblings: default
// interface name and listen port).
func DefaultSettings() Settings {
	return Settings{
		Ifname:     DefaultIfname,
		ListenPort: DefaultListenPort,
	}
}

// DefaultSettingsPath returns the default path for the podmesh settings file.
func DefaultSettingsPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// LoadSettings reads the settings file at path, overlaying it on top of
// DefaultSettings. A missing file is not an error — podmesh runs fine off
// flags alone.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return Settings{}, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	return s, nil
}
