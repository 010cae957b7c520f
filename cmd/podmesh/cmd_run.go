package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SamP20/podmesh/internal/config"
	"github.com/SamP20/podmesh/internal/meshnode"
	"github.com/SamP20/podmesh/internal/podwatch"
	"github.com/SamP20/podmesh/internal/routeadvertise"
	"github.com/SamP20/podmesh/internal/wgctl"
)

var runOpts struct {
	networks         []string
	ifname           string
	port             int
	advertiseRoutes  bool
	watchContainers  bool
	dockerSocketPath string
}

var runCmd = &cobra.Command{
	Use:   "run <name> <overlay-cidr> <base64-private-key>",
	Short: "Join the mesh as a node and serve the discovery protocol",
	Long: `run creates (or adopts) the node's kernel WireGuard interface,
listens for peer connections on the overlay address, and participates
in the gossip-based discovery protocol until interrupted.`,
	Args: cobra.ExactArgs(3),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runOpts.networks, "network", nil, "transport network label, in preference order (repeatable)")
	runCmd.Flags().StringVar(&runOpts.ifname, "ifname", config.DefaultIfname, "WireGuard interface name")
	runCmd.Flags().IntVar(&runOpts.port, "port", config.DefaultListenPort, "WireGuard UDP listen port")
	runCmd.Flags().BoolVar(&runOpts.advertiseRoutes, "advertise-routes", false, "advertise and NAT this node's local subnets onto the mesh")
	runCmd.Flags().BoolVar(&runOpts.watchContainers, "watch-containers", false, "log container lifecycle events observed on the local container runtime")
	runCmd.Flags().StringVar(&runOpts.dockerSocketPath, "docker-socket", podwatch.DefaultSocketPath, "path to the container runtime's Engine API socket")
}

func runRun(cmd *cobra.Command, args []string) error {
	name, overlayCIDR, privKeyStr := args[0], args[1], args[2]

	privKey, err := config.ParseKey(privKeyStr)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	dev, err := wgctl.New(wgctl.Options{
		Ifname:     runOpts.ifname,
		PrivateKey: privKey,
		ListenPort: runOpts.port,
		CIDR:       overlayCIDR,
	})
	if err != nil {
		return fmt.Errorf("initializing wireguard interface: %w", err)
	}
	defer dev.Close()

	globalLogger.Info("wireguard interface ready", "ifname", dev.Ifname(), "pubkey", dev.PublicKey())

	manager := meshnode.New(name, overlayCIDR, runOpts.networks, dev, globalLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runOpts.advertiseRoutes {
		adv, err := routeadvertise.New(dev.Ifname(), overlayCIDR, globalLogger)
		if err != nil {
			return fmt.Errorf("initializing route advertiser: %w", err)
		}
		defer adv.Close()
	}

	if runOpts.watchContainers {
		watcher := podwatch.New(runOpts.dockerSocketPath, globalLogger)
		watcher.OnEvent.Add(func(ev podwatch.Event) {
			globalLogger.Info("container event", "action", ev.Action, "id", ev.ID)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				globalLogger.Warn("container watcher stopped", "error", err)
			}
		}()
	}

	globalLogger.Info("node manager starting", "name", name, "networks", runOpts.networks)
	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("node manager: %w", err)
	}

	globalLogger.Info("shutting down")
	return nil
}
