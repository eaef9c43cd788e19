package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent codexusage configuration stored as
// config.toml in the .codexusage/ directory. The TOML layout uses
// sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Display     DisplayConfig     `toml:"display"`
	Ingest      IngestConfig      `toml:"ingest"`
	EventStream EventStreamConfig `toml:"eventstream"`
}

// ServerConfig holds the proxy server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the proxy binds.
	ListenAddr string `toml:"listen_addr,omitempty"`

	// PublicBasePath is the path prefix clients address the proxy under.
	PublicBasePath string `toml:"public_base_path,omitempty"`

	// UpstreamBaseURL is the OpenAI-compatible endpoint requests are
	// forwarded to, including any path prefix.
	UpstreamBaseURL string `toml:"upstream_base_url,omitempty"`

	// RequestLogPath enables the NDJSON traffic log when non-empty.
	RequestLogPath string `toml:"request_log_path,omitempty"`
}

// StorageConfig holds analytics database settings.
type StorageConfig struct {
	// DatabasePath overrides the default <dotdir>/usage.db location.
	DatabasePath string `toml:"database_path,omitempty"`
}

// DisplayConfig holds dashboard settings.
type DisplayConfig struct {
	RecentEventsCapacity uint `toml:"recent_events_capacity,omitempty"`
	RefreshHz            uint `toml:"refresh_hz,omitempty"`
}

// IngestConfig holds session-log ingestion settings.
type IngestConfig struct {
	// SessionLogPath enables tailing an agent session log when non-empty.
	SessionLogPath string `toml:"session_log_path,omitempty"`
}

// EventStreamConfig holds the optional Kafka mirror settings. Publishing
// is enabled when Brokers is non-empty.
type EventStreamConfig struct {
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter
// on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys. Keys
// use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"server.listen_addr": {
		get: func(c *Config) string { return c.Server.ListenAddr },
		set: func(c *Config, v string) error { c.Server.ListenAddr = v; return nil },
	},
	"server.public_base_path": {
		get: func(c *Config) string { return c.Server.PublicBasePath },
		set: func(c *Config, v string) error { c.Server.PublicBasePath = v; return nil },
	},
	"server.upstream_base_url": {
		get: func(c *Config) string { return c.Server.UpstreamBaseURL },
		set: func(c *Config, v string) error { c.Server.UpstreamBaseURL = v; return nil },
	},
	"server.request_log_path": {
		get: func(c *Config) string { return c.Server.RequestLogPath },
		set: func(c *Config, v string) error { c.Server.RequestLogPath = v; return nil },
	},
	"storage.database_path": {
		get: func(c *Config) string { return c.Storage.DatabasePath },
		set: func(c *Config, v string) error { c.Storage.DatabasePath = v; return nil },
	},
	"display.recent_events_capacity": {
		get: func(c *Config) string {
			if c.Display.RecentEventsCapacity == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Display.RecentEventsCapacity), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for display.recent_events_capacity: %w", err)
			}
			c.Display.RecentEventsCapacity = uint(n)
			return nil
		},
	},
	"display.refresh_hz": {
		get: func(c *Config) string {
			if c.Display.RefreshHz == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Display.RefreshHz), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for display.refresh_hz: %w", err)
			}
			c.Display.RefreshHz = uint(n)
			return nil
		},
	},
	"ingest.session_log_path": {
		get: func(c *Config) string { return c.Ingest.SessionLogPath },
		set: func(c *Config, v string) error { c.Ingest.SessionLogPath = v; return nil },
	},
	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.EventStream.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.EventStream.Brokers = splitBrokers(v)
			return nil
		},
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.EventStream.Topic },
		set: func(c *Config, v string) error { c.EventStream.Topic = v; return nil },
	},
}

// splitBrokers parses a comma-separated broker list, trimming whitespace
// and dropping empty entries.
func splitBrokers(v string) []string {
	var brokers []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}
