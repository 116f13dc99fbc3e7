// Tablesync is the peer CLI.
//
// A peer hosts or joins a shared table over one of two backends: direct QUIC
// to a reachable host, or WebRTC meshes brokered by a lobby service. Every
// peer replicates the pieces it owns to all others.
//
// Without a subcommand the peer asks for its role interactively.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tablesync/internal/config"
	"github.com/1ureka/tablesync/internal/util"
)

var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "tablesync",
	Short:         "Replicate a shared tabletop between peers",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		return applyFlags(cmd, cfg)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

var hostDirectCmd = &cobra.Command{
	Use:   "host-direct",
	Short: "Host a table over QUIC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Role, cfg.Backend = config.RoleHost, config.BackendDirect
		return runPeer(cmd.Context(), cfg)
	},
}

var joinDirectCmd = &cobra.Command{
	Use:   "join-direct [addr]",
	Short: "Join a QUIC host",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Direct.Addr = args[0]
		}
		cfg.Role, cfg.Backend = config.RoleClient, config.BackendDirect
		return runPeer(cmd.Context(), cfg)
	},
}

var hostRelayCmd = &cobra.Command{
	Use:   "host-relay",
	Short: "Open a lobby and host a table over WebRTC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Role, cfg.Backend = config.RoleHost, config.BackendRelay
		return runPeer(cmd.Context(), cfg)
	},
}

var joinRelayCmd = &cobra.Command{
	Use:   "join-relay <lobby-id>",
	Short: "Join a lobby and mesh with its members over WebRTC",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Relay.Lobby = args[0]
		}
		if cfg.Relay.Lobby == "" {
			return fmt.Errorf("missing lobby id")
		}
		cfg.Role, cfg.Backend = config.RoleClient, config.BackendRelay
		return runPeer(cmd.Context(), cfg)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (yaml, toml or json)")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-file", "", "also write logs to this rotating file")
	pf.Int("tick-rate", 0, "ticks per second")
	pf.Int("pieces", -1, "number of demo pieces to place on the table")
	pf.Duration("stats-interval", -1, "stats report period, 0 disables")
	pf.String("addr", "", "direct: listen address (host) or host address (join)")
	pf.String("lobby-url", "", "relay: lobby service WebSocket URL")
	pf.StringSlice("stun", nil, "relay: STUN server URLs")
	pf.Bool("loopback", false, "relay: include loopback ICE candidates")

	rootCmd.AddCommand(hostDirectCmd, joinDirectCmd, hostRelayCmd, joinRelayCmd)
}

// applyFlags overlays the flags the user actually set onto c.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()

	if debug, _ := f.GetBool("debug"); debug {
		c.Log.Level = "debug"
	}
	if f.Changed("log-file") {
		c.Log.File, _ = f.GetString("log-file")
	}
	if f.Changed("tick-rate") {
		c.TickRate, _ = f.GetInt("tick-rate")
	}
	if f.Changed("pieces") {
		c.Demo.Pieces, _ = f.GetInt("pieces")
	}
	if f.Changed("stats-interval") {
		c.StatsInterval, _ = f.GetDuration("stats-interval")
	}
	if f.Changed("addr") {
		c.Direct.Addr, _ = f.GetString("addr")
	}
	if f.Changed("lobby-url") {
		raw, _ := f.GetString("lobby-url")
		u, err := normalizeLobbyURL(raw)
		if err != nil {
			return err
		}
		c.Relay.LobbyURL = u
	}
	if f.Changed("stun") {
		c.Relay.STUNServers, _ = f.GetStringSlice("stun")
	}
	if f.Changed("loopback") {
		c.Relay.IncludeLoopback, _ = f.GetBool("loopback")
	}
	return c.Validate()
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Tablesync v%s", version))
	pterm.Println()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
