package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/tablesync/internal/config"
	"github.com/1ureka/tablesync/internal/util"
)

const (
	optHostDirect = "Host  (direct)  - listen for peers over QUIC"
	optJoinDirect = "Join  (direct)  - connect to a QUIC host"
	optHostRelay  = "Host  (relay)   - open a lobby"
	optJoinRelay  = "Join  (relay)   - enter a lobby by id"
)

// runInteractive asks for the session mode when no subcommand is given.
func runInteractive(ctx context.Context) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{optHostDirect, optJoinDirect, optHostRelay, optJoinRelay}).
		WithDefaultText("Select how to start").
		Show()

	pterm.Println()

	switch mode {
	case optHostDirect:
		cfg.Role, cfg.Backend = config.RoleHost, config.BackendDirect
		cfg.Direct.Addr = ask("Listen address", cfg.Direct.Addr)
	case optJoinDirect:
		cfg.Role, cfg.Backend = config.RoleClient, config.BackendDirect
		cfg.Direct.Addr = ask("Host address", cfg.Direct.Addr)
	case optHostRelay:
		cfg.Role, cfg.Backend = config.RoleHost, config.BackendRelay
		cfg.Relay.LobbyURL = askLobbyURL()
	default:
		cfg.Role, cfg.Backend = config.RoleClient, config.BackendRelay
		cfg.Relay.LobbyURL = askLobbyURL()
		for cfg.Relay.Lobby == "" {
			cfg.Relay.Lobby = ask("Lobby id", "")
		}
	}

	return runPeer(ctx, cfg)
}

// ask prompts for a value, returning def on empty input.
func ask(prompt, def string) string {
	input := pterm.DefaultInteractiveTextInput.WithDefaultText(prompt)
	if def != "" {
		input = input.WithDefaultValue(def)
	}
	raw, _ := input.Show()
	pterm.Println()
	if raw = strings.TrimSpace(raw); raw == "" {
		return def
	}
	return raw
}

// askLobbyURL prompts for the lobby service until a valid URL is entered.
func askLobbyURL() string {
	for {
		u, err := normalizeLobbyURL(ask("Lobby service URL", cfg.Relay.LobbyURL))
		if err == nil {
			return u
		}
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
