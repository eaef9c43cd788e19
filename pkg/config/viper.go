package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/codexusage/codexusage/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the CODEX_USAGE_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (CODEX_USAGE_SERVER_LISTEN_ADDR, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: CODEX_USAGE_SERVER_LISTEN_ADDR,
	// CODEX_USAGE_STORAGE_DATABASE_PATH, etc.
	v.SetEnvPrefix("CODEX_USAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorthand env vars kept for compatibility with common client
	// setups; they win over the config file like any other env var.
	_ = v.BindEnv("server.upstream_base_url", "CODEX_USAGE_SERVER_UPSTREAM_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("server.listen_addr", "CODEX_USAGE_SERVER_LISTEN_ADDR", "CODEX_USAGE_LISTEN_ADDR")
	_ = v.BindEnv("storage.database_path", "CODEX_USAGE_STORAGE_DATABASE_PATH", "CODEX_USAGE_DB_PATH")

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Server
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.public_base_path", d.Server.PublicBasePath)
	v.SetDefault("server.upstream_base_url", d.Server.UpstreamBaseURL)
	v.SetDefault("server.request_log_path", d.Server.RequestLogPath)

	// Storage
	v.SetDefault("storage.database_path", d.Storage.DatabasePath)

	// Display
	v.SetDefault("display.recent_events_capacity", d.Display.RecentEventsCapacity)
	v.SetDefault("display.refresh_hz", d.Display.RefreshHz)

	// Ingest
	v.SetDefault("ingest.session_log_path", d.Ingest.SessionLogPath)

	// Event stream
	v.SetDefault("eventstream.brokers", d.EventStream.Brokers)
	v.SetDefault("eventstream.topic", d.EventStream.Topic)
}

// FromViper materializes a Config from the resolved viper state.
func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Version: v.GetInt("version"),
		Server: ServerConfig{
			ListenAddr:      v.GetString("server.listen_addr"),
			PublicBasePath:  v.GetString("server.public_base_path"),
			UpstreamBaseURL: v.GetString("server.upstream_base_url"),
			RequestLogPath:  v.GetString("server.request_log_path"),
		},
		Storage: StorageConfig{
			DatabasePath: v.GetString("storage.database_path"),
		},
		Display: DisplayConfig{
			RecentEventsCapacity: v.GetUint("display.recent_events_capacity"),
			RefreshHz:            v.GetUint("display.refresh_hz"),
		},
		Ingest: IngestConfig{
			SessionLogPath: v.GetString("ingest.session_log_path"),
		},
		EventStream: EventStreamConfig{
			Brokers: v.GetStringSlice("eventstream.brokers"),
			Topic:   v.GetString("eventstream.topic"),
		},
	}

	// Env vars deliver broker lists as one comma-separated string.
	if len(cfg.EventStream.Brokers) == 1 && strings.Contains(cfg.EventStream.Brokers[0], ",") {
		cfg.EventStream.Brokers = splitBrokers(cfg.EventStream.Brokers[0])
	}

	applyDefaults(cfg)
	return cfg
}
