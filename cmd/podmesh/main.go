// Command podmesh runs one node of a self-organising WireGuard mesh
// overlay: it creates a kernel WireGuard interface, listens for and
// dials peer connections, and keeps the kernel peer table synchronized
// with the discovery protocol's observed topology.
package main

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalVerbose int
	globalLogger  *slog.Logger
)

// sessionTag is a short per-process identifier attached to every log line,
// so operators can tell one run's messages apart from another's across
// restarts.
var sessionTag = uuid.New().String()[:8]

var rootCmd = &cobra.Command{
	Use:   "podmesh",
	Short: "Self-organising WireGuard mesh overlay",
	Long: `podmesh dynamically builds and maintains a full-mesh WireGuard
tunnel between a set of participating nodes: peers gossip their
connection information over the tunnel itself, discover their external
endpoints through peer observation, and resolve connect races
deterministically so each pair of nodes ends up with exactly one
data-plane peer entry.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		switch {
		case globalVerbose >= 2:
			level = slog.LevelDebug
		case globalVerbose == 1:
			level = slog.LevelInfo
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})).With("session", sessionTag)
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&globalVerbose, "verbose", "v", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the podmesh version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
