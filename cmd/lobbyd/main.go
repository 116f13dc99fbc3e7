// Lobbyd runs the lobby service relay peers use to find each other and trade
// WebRTC signaling. It also lists open lobbies on /lobbies and exports
// prometheus metrics on /metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tablesync/internal/config"
	"github.com/1ureka/tablesync/internal/lobby"
	"github.com/1ureka/tablesync/internal/util"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "lobbyd",
	Short:         "Run the tablesync lobby service",
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Lobby.Addr, _ = cmd.Flags().GetString("addr")
		}
		if cmd.Flags().Changed("log-file") {
			cfg.Log.File, _ = cmd.Flags().GetString("log-file")
		}

		util.SetLogLevel(cfg.Log.Level)
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			util.EnableDebug()
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		if cfg.Log.File != "" {
			closer := util.LogToFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
			defer closer.Close()
		}

		return lobby.NewServer().ListenAndServe(cmd.Context(), cfg.Lobby.Addr)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringP("config", "c", "", "config file (yaml, toml or json)")
	f.String("addr", "", "listen address")
	f.String("log-file", "", "also write logs to this rotating file")
	f.Bool("debug", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Tablesync lobby v%s", version))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("lobby service stopped")
}
