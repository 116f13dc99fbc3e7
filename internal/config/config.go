// Package config holds the peer and lobby configuration types and loads them
// from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/tablesync/internal/util"
)

// Role represents the chosen session role.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Backend names the transport substrate a session runs on.
type Backend string

const (
	BackendDirect Backend = "direct"
	BackendRelay  Backend = "relay"
)

// Config stores every parameter of a peer process. CLI flags override the
// loaded values.
type Config struct {
	Role          Role          `mapstructure:"role"`
	Backend       Backend       `mapstructure:"backend"`
	TickRate      int           `mapstructure:"tick_rate"`      // ticks per second
	StatsInterval time.Duration `mapstructure:"stats_interval"` // 0 disables the reporter

	Log    LogConfig    `mapstructure:"log"`
	Direct DirectConfig `mapstructure:"direct"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Lobby  LobbyConfig  `mapstructure:"lobby"`
	Demo   DemoConfig   `mapstructure:"demo"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // optional rotating file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DirectConfig configures the QUIC backend.
type DirectConfig struct {
	Addr        string        `mapstructure:"addr"` // host: listen address, client: host address
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
}

// RelayConfig configures the lobby + WebRTC backend.
type RelayConfig struct {
	LobbyURL        string   `mapstructure:"lobby_url"`
	Lobby           string   `mapstructure:"lobby"` // lobby id to join (client)
	STUNServers     []string `mapstructure:"stun_servers"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`
}

// LobbyConfig configures the lobby service.
type LobbyConfig struct {
	Addr string `mapstructure:"addr"`
}

// DemoConfig drives the built-in table demo.
type DemoConfig struct {
	Pieces int `mapstructure:"pieces"`
}

// Default returns a Config populated with usable defaults.
func Default() *Config {
	return &Config{
		Role:          RoleHost,
		Backend:       BackendDirect,
		TickRate:      30,
		StatsInterval: 10 * time.Second,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Direct: DirectConfig{
			Addr:        "127.0.0.1:7777",
			IdleTimeout: 30 * time.Second,
			KeepAlive:   5 * time.Second,
		},
		Relay: RelayConfig{
			LobbyURL: "ws://127.0.0.1:7778/ws",
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Lobby: LobbyConfig{Addr: ":7778"},
		Demo:  DemoConfig{Pieces: 3},
	}
}

// Load reads configuration from path (if non-empty), otherwise from a
// `tablesync.{yaml,toml,json}` in the working directory when present.
// Environment variables use the prefix TABLESYNC with `.` replaced by `_`,
// e.g. TABLESYNC_RELAY_LOBBY_URL.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TABLESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("role", string(cfg.Role))
	v.SetDefault("backend", string(cfg.Backend))
	v.SetDefault("tick_rate", cfg.TickRate)
	v.SetDefault("stats_interval", cfg.StatsInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("direct.addr", cfg.Direct.Addr)
	v.SetDefault("direct.idle_timeout", cfg.Direct.IdleTimeout)
	v.SetDefault("direct.keep_alive", cfg.Direct.KeepAlive)
	v.SetDefault("relay.lobby_url", cfg.Relay.LobbyURL)
	v.SetDefault("relay.lobby", cfg.Relay.Lobby)
	v.SetDefault("relay.stun_servers", cfg.Relay.STUNServers)
	v.SetDefault("relay.include_loopback", cfg.Relay.IncludeLoopback)
	v.SetDefault("lobby.addr", cfg.Lobby.Addr)
	v.SetDefault("demo.pieces", cfg.Demo.Pieces)

	if path == "" {
		if envPath := os.Getenv("TABLESYNC_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tablesync")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes enum-like fields and rejects values the peer cannot run with.
func (c *Config) Validate() error {
	c.Role = Role(strings.ToLower(strings.TrimSpace(string(c.Role))))
	switch c.Role {
	case RoleHost, RoleClient:
	default:
		return fmt.Errorf("invalid role: %q (must be host or client)", c.Role)
	}

	c.Backend = Backend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	switch c.Backend {
	case BackendDirect, BackendRelay:
	default:
		return fmt.Errorf("invalid backend: %q (must be direct or relay)", c.Backend)
	}

	if _, ok := util.ParseLogLevel(c.Log.Level); !ok {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))

	if c.TickRate < 1 || c.TickRate > 1000 {
		return fmt.Errorf("invalid tick_rate: %d (must be 1~1000)", c.TickRate)
	}
	if c.Demo.Pieces < 0 {
		return fmt.Errorf("invalid demo.pieces: %d", c.Demo.Pieces)
	}
	return nil
}

// TickInterval converts TickRate into the loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
