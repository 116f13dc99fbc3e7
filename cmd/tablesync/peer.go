package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/tablesync/internal/app"
	"github.com/1ureka/tablesync/internal/config"
	"github.com/1ureka/tablesync/internal/protocol"
	"github.com/1ureka/tablesync/internal/replicate"
	"github.com/1ureka/tablesync/internal/session"
	"github.com/1ureka/tablesync/internal/table"
	"github.com/1ureka/tablesync/internal/transport/direct"
	"github.com/1ureka/tablesync/internal/transport/relay"
	"github.com/1ureka/tablesync/internal/util"
)

// runPeer selects the backend c asks for and ticks until ctx is cancelled.
func runPeer(ctx context.Context, c *config.Config) error {
	util.SetLogLevel(c.Log.Level)
	if c.Log.File != "" {
		closer := util.LogToFile(c.Log.File, c.Log.MaxSizeMB, c.Log.MaxBackups)
		defer closer.Close()
	}

	mgr := session.New(session.Options{
		Direct: direct.Options{
			IdleTimeout: c.Direct.IdleTimeout,
			KeepAlive:   c.Direct.KeepAlive,
		},
		Relay: relay.Options{
			LobbyURL:        c.Relay.LobbyURL,
			STUNServers:     c.Relay.STUNServers,
			IncludeLoopback: c.Relay.IncludeLoopback,
		},
	})
	defer mgr.Close()

	if err := start(ctx, mgr, c); err != nil {
		return err
	}
	util.LogSuccess("%s session started as %s", mgr.Kind(), mgr.MyID())

	tb := table.New()
	tb.Attach = func(s protocol.ObjectState) any { return "model:" + s.Kind }
	demo := app.NewDemo(tb, c.Demo.Pieces)
	proto := replicate.New(mgr, tb)

	util.StartStatsReporter(ctx, c.StatsInterval)

	hooks := []func(time.Time){demo.Step, announceLobby(mgr)}
	if c.StatsInterval > 0 {
		hooks = append(hooks, printSummary(tb, mgr, c.StatsInterval))
	}
	if err := app.Run(ctx, mgr, proto, c.TickInterval(), hooks...); err != nil {
		return err
	}
	util.LogInfo("session closed")
	return nil
}

func start(ctx context.Context, mgr *session.Manager, c *config.Config) error {
	switch {
	case c.Backend == config.BackendDirect && c.Role == config.RoleHost:
		if err := mgr.HostDirect(ctx, c.Direct.Addr); err != nil {
			return err
		}
		util.LogInfo("hosting on %s", mgr.Direct().Addr())
	case c.Backend == config.BackendDirect:
		return mgr.JoinDirect(ctx, c.Direct.Addr)
	case c.Role == config.RoleHost:
		return mgr.HostRelay(ctx)
	default:
		return mgr.JoinRelay(ctx, c.Relay.Lobby)
	}
	return nil
}

// announceLobby logs the relay lobby id each time it changes.
func announceLobby(mgr *session.Manager) func(time.Time) {
	var last string
	return func(time.Time) {
		r := mgr.Relay()
		if r == nil || r.Lobby() == last {
			return
		}
		last = r.Lobby()
		if last == "" {
			util.LogWarning("left lobby")
			return
		}
		if r.Owner() {
			util.LogSuccess("lobby %s open, others join with: tablesync join-relay %s", last, last)
		} else {
			util.LogSuccess("joined lobby %s", last)
		}
	}
}

// printSummary renders the table and peer list every interval.
func printSummary(tb *table.Table, mgr *session.Manager, interval time.Duration) func(time.Time) {
	var next time.Time
	return func(now time.Time) {
		if now.Before(next) {
			return
		}
		next = now.Add(interval)

		pterm.Println()
		pterm.DefaultSection.Println(fmt.Sprintf("%d peer(s) connected", len(mgr.Peers())))
		if err := pterm.DefaultTable.WithHasHeader().WithData(tb.Rows()).Render(); err != nil {
			util.LogDebug("render table: %v", err)
		}
	}
}

// normalizeLobbyURL validates a lobby address and turns it into the service's
// WebSocket endpoint. A bare host:port is taken as ws.
func normalizeLobbyURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid lobby URL: %s", raw)
	}
	scheme := "ws"
	switch u.Scheme {
	case "wss", "https":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
